package main

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/gateway"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/metrics"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// replayNotifier implements replay.ProgressSink: each snapshot is diffed
// against the previous one to feed the replay counters, then streamed to the
// requesting user's live sessions as a synthetic system event.
type replayNotifier struct {
	hub     *gateway.Hub
	metrics *metrics.Metrics

	mu   sync.Mutex
	seen map[string]apix.ReplayStatusResponse
}

func newReplayNotifier(hub *gateway.Hub, m *metrics.Metrics) *replayNotifier {
	return &replayNotifier{hub: hub, metrics: m, seen: make(map[string]apix.ReplayStatusResponse)}
}

func (n *replayNotifier) ReplayProgress(orgID, userID string, status apix.ReplayStatusResponse) {
	n.mu.Lock()
	prev := n.seen[status.ReplayID]
	if status.Active {
		n.seen[status.ReplayID] = status
	} else {
		delete(n.seen, status.ReplayID)
	}
	n.mu.Unlock()

	if d := status.Delivered - prev.Delivered; d > 0 {
		n.metrics.ReplayEvents.WithLabelValues("delivered").Add(float64(d))
	}
	if f := status.Failed - prev.Failed; f > 0 {
		n.metrics.ReplayEvents.WithLabelValues("failed").Add(float64(f))
	}

	// Service-initiated replays have no user session to notify.
	if userID == "" {
		return
	}
	n.hub.BroadcastToUser(orgID, userID, &models.Event{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		UserID:    &userID,
		EventType: "replay.progress",
		Channel:   "system",
		Payload: models.JSONB{
			"replayId":  status.ReplayID,
			"active":    status.Active,
			"progress":  status.Progress,
			"delivered": status.Delivered,
			"failed":    status.Failed,
			"total":     status.Total,
		},
		CreatedAt: time.Now().UTC(),
		Priority:  models.PriorityNormal,
		Status:    models.EventCompleted,
	})
}
