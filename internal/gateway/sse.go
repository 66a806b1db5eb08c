package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

const (
	tapBuffer      = 64
	sseKeepalive   = 15 * time.Second
	sseRetryMillis = 3000
)

// Tap is a read-only mirror of a tenant's live channels, consumed by the
// SSE surface. Overflowing taps drop events rather than stall the hub.
type Tap struct {
	Events chan *models.Event

	orgID    string
	channels map[string]bool
}

func (t *Tap) wants(event *models.Event) bool {
	if event.OrgID != t.orgID {
		return false
	}
	if len(t.channels) == 0 {
		return true
	}
	return t.channels[event.Channel]
}

// AttachTap mirrors the tenant's live events into a buffered channel. An
// empty channel list mirrors every channel of the tenant.
func (h *Hub) AttachTap(orgID string, channels []string) *Tap {
	t := &Tap{
		Events:   make(chan *models.Event, tapBuffer),
		orgID:    orgID,
		channels: make(map[string]bool, len(channels)),
	}
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		t.channels[ch] = true
	}
	h.mu.Lock()
	h.taps[t] = true
	h.mu.Unlock()
	return t
}

// DetachTap stops mirroring. The tap's channel is not closed; the consumer
// simply stops selecting on it.
func (h *Hub) DetachTap(t *Tap) {
	h.mu.Lock()
	delete(h.taps, t)
	h.mu.Unlock()
}

// StreamSSE writes the tenant's live events to w as server-sent events
// until ctx is cancelled. channels narrows the mirror; empty means all.
func (h *Hub) StreamSSE(ctx context.Context, w http.ResponseWriter, principal models.Principal, channels []string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	// Attach before the first flush so no event published after the headers
	// reach the client can be missed.
	tap := h.AttachTap(principal.OrgID, channels)
	defer h.DetachTap(tap)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	fmt.Fprintf(w, "retry: %d\n\n", sseRetryMillis)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case event := <-tap.Events:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.EventType, data); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
