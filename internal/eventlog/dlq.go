package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logstore"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/redis"
)

// DLQ park reasons written by the delivery, replay, and ingest engines.
const (
	ReasonMaxRetriesExceeded = "max_retries_exceeded"
	ReasonCircuitOpen        = "circuit_open"
	ReasonPoisonMessage      = "poison_message"
	ReasonQuotaExceeded      = "quota_exceeded"
)

var (
	// ErrDLQNotFound is returned for unknown dead-letter entry ids.
	ErrDLQNotFound = errors.New("eventlog: dlq entry not found")
	// ErrDLQResolved rejects operations on an already-tombstoned entry.
	ErrDLQResolved = errors.New("eventlog: dlq entry already resolved")
)

// Park appends an undeliverable event to the tenant's dead-letter stream
// and returns the stored entry.
func (l *Log) Park(ctx context.Context, entry *models.DLQEntry) (*models.DLQEntry, error) {
	if entry.OrgID == "" {
		return nil, fmt.Errorf("eventlog: park without orgId")
	}
	stored := *entry
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.ParkedAt.IsZero() {
		stored.ParkedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("eventlog: marshal dlq entry: %w", err)
	}
	values := map[string]interface{}{"id": stored.ID, "data": string(data)}
	if _, err := l.store.Append(ctx, redis.KeyDLQ(stored.OrgID), values, l.cfg.StreamMaxLen); err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListDLQ returns unresolved entries for a tenant, oldest first. Tombstones
// for entries the stream has since evicted are pruned as a side effect.
func (l *Log) ListDLQ(ctx context.Context, orgID string, limit int) ([]models.DLQEntry, error) {
	msgs, err := l.store.RangeStream(ctx, redis.KeyDLQ(orgID), "-", "+", 0)
	if err != nil {
		return nil, err
	}
	done, err := l.store.SMembers(ctx, redis.KeyDLQDone(orgID))
	if err != nil {
		return nil, err
	}
	resolved := make(map[string]bool, len(done))
	for _, id := range done {
		resolved[id] = true
	}

	entries := make([]models.DLQEntry, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var entry models.DLQEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			l.logger.WithError(err).WithField("stream_id", msg.ID).Warn("Skipping undecodable DLQ entry")
			continue
		}
		seen[entry.ID] = true
		if resolved[entry.ID] {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}

	for id := range resolved {
		if !seen[id] {
			if err := l.store.SRem(ctx, redis.KeyDLQDone(orgID), id); err != nil {
				l.logger.WithError(err).WithField("org_id", orgID).Warn("Failed to prune DLQ tombstone")
			}
		}
	}
	return entries, nil
}

// GetDLQ returns one unresolved entry by id.
func (l *Log) GetDLQ(ctx context.Context, orgID, entryID string) (*models.DLQEntry, error) {
	resolved, err := l.store.SIsMember(ctx, redis.KeyDLQDone(orgID), entryID)
	if err != nil {
		return nil, err
	}
	if resolved {
		return nil, fmt.Errorf("%w: %s", ErrDLQResolved, entryID)
	}
	msgs, err := l.store.RangeStream(ctx, redis.KeyDLQ(orgID), "-", "+", 0)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.Values["id"] != entryID {
			continue
		}
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var entry models.DLQEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("eventlog: unmarshal dlq entry %s: %w", entryID, err)
		}
		return &entry, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDLQNotFound, entryID)
}

// ResolveDLQ tombstones an entry so later lists skip it. Streams have no
// in-place delete for logical ids, so resolution is a companion-set mark.
func (l *Log) ResolveDLQ(ctx context.Context, orgID, entryID string) error {
	if _, err := l.GetDLQ(ctx, orgID, entryID); err != nil {
		return err
	}
	return l.store.SAdd(ctx, redis.KeyDLQDone(orgID), entryID)
}

// groupSet remembers which consumer groups this process already created so
// the XGROUP CREATE round trip happens once per (stream, group).
type groupSet struct {
	mu      sync.Mutex
	ensured map[string]bool
}

func newGroupSet() *groupSet {
	return &groupSet{ensured: make(map[string]bool)}
}

func (g *groupSet) ensure(ctx context.Context, store *logstore.Store, stream, group string) error {
	key := stream + "\x00" + group
	g.mu.Lock()
	done := g.ensured[key]
	g.mu.Unlock()
	if done {
		return nil
	}
	if err := store.EnsureGroup(ctx, stream, group); err != nil {
		return err
	}
	g.mu.Lock()
	g.ensured[key] = true
	g.mu.Unlock()
	return nil
}
