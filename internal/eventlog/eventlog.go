// Package eventlog is the durable, per-tenant event log: an append-only
// stream with dense sequence numbers, content dedup, a time-indexed range
// API, consumer groups, and the dead-letter parking lot. Everything else in
// the gateway treats this log as the source of truth; pub/sub fanout is only
// a best-effort accelerant.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logstore"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/crypto"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/redis"
)

// ErrDuplicate rejects an append whose (eventType, checksum) was already
// seen inside the dedup window.
var ErrDuplicate = errors.New("eventlog: duplicate event")

// ErrEventNotFound is returned for unknown or foreign event ids.
var ErrEventNotFound = errors.New("eventlog: event not found")

// Notification is the fanout message published after a successful append.
// Origin carries the appending instance id so gateways can skip events they
// already delivered locally.
type Notification struct {
	Origin string        `json:"origin"`
	Event  *models.Event `json:"event"`
}

// EncryptionGate reports whether a tenant opted into payload encryption.
// Nil means encryption is off everywhere.
type EncryptionGate func(ctx context.Context, orgID string) bool

// Config tunes the log's persistence behavior.
type Config struct {
	// InstanceID tags fanout notifications with the appending process.
	InstanceID string
	// StreamMaxLen caps each stream approximately (MAXLEN ~). Zero keeps
	// streams unbounded.
	StreamMaxLen int64
	// DedupWindow is how long an (eventType, checksum) pair blocks repeats.
	DedupWindow time.Duration
	// DedupEnabled gates step 3 of Append entirely.
	DedupEnabled bool
	// OrderTTL bounds the per-session order tracker keys.
	OrderTTL time.Duration
	// Retention expires timeline entries; zero keeps them forever.
	Retention time.Duration
}

// DefaultConfig matches the documented environment defaults.
func DefaultConfig(instanceID string) Config {
	return Config{
		InstanceID:   instanceID,
		StreamMaxLen: 100000,
		DedupWindow:  24 * time.Hour,
		DedupEnabled: true,
		OrderTTL:     time.Hour,
		Retention:    0,
	}
}

// Log owns the per-tenant durable streams.
type Log struct {
	store   *logstore.Store
	notify  *redis.TypedPubSub[Notification]
	cfg     Config
	keyring *crypto.KeyRing
	encrypt EncryptionGate
	logger  logging.Logger

	groups *groupSet
}

// New wires the log. keyring may be nil when payload encryption is disabled.
func New(store *logstore.Store, notify *redis.TypedPubSub[Notification], cfg Config, keyring *crypto.KeyRing, encrypt EncryptionGate, logger logging.Logger) *Log {
	return &Log{
		store:   store,
		notify:  notify,
		cfg:     cfg,
		keyring: keyring,
		encrypt: encrypt,
		logger:  logger,
		groups:  newGroupSet(),
	}
}

// AppendOption adjusts a single append.
type AppendOption func(*appendOpts)

type appendOpts struct {
	skipDedup bool
}

// WithoutDedup bypasses the duplicate gate. The router uses it for secondary
// per-channel copies of one publish, which share the original's payload and
// must not claim the dedup slot that guards against client retries.
func WithoutDedup() AppendOption {
	return func(o *appendOpts) { o.skipDedup = true }
}

// Append persists one event and returns the stored copy with its assigned
// id, sequence number, and checksum. The write order keeps the sequence
// dense: dedup rejects before the counter moves, so duplicates never burn a
// number.
func (l *Log) Append(ctx context.Context, event *models.Event, opts ...AppendOption) (*models.Event, error) {
	if event.OrgID == "" {
		return nil, fmt.Errorf("eventlog: append without orgId")
	}
	if event.Channel == "" {
		return nil, fmt.Errorf("eventlog: append without channel")
	}
	var options appendOpts
	for _, opt := range opts {
		opt(&options)
	}

	stored := *event
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.Priority == "" {
		stored.Priority = models.PriorityNormal
	}
	if stored.Status == "" {
		stored.Status = models.EventPending
	}

	if stored.Checksum == "" && len(stored.Payload) > 0 {
		sum, err := crypto.Checksum(stored.Payload)
		if err != nil {
			return nil, fmt.Errorf("eventlog: checksum: %w", err)
		}
		stored.Checksum = sum
	}

	dedupKey := ""
	if l.cfg.DedupEnabled && !options.skipDedup && stored.Checksum != "" {
		dedupKey = redis.KeyDedup(stored.OrgID, stored.EventType, stored.Checksum)
		won, err := l.store.SetNX(ctx, dedupKey, stored.ID, l.cfg.DedupWindow)
		if err != nil {
			return nil, err
		}
		if !won {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicate, stored.EventType, stored.Checksum)
		}
	}

	// A claimed dedup slot with no stored event would reject the producer's
	// retry for the rest of the window, so any failure past the claim
	// releases it.
	if err := l.persist(ctx, &stored); err != nil {
		l.releaseDedup(ctx, dedupKey)
		return nil, err
	}

	// Fanout is best-effort: subscribers that miss it still find the event
	// in the log.
	note := Notification{Origin: l.cfg.InstanceID, Event: &stored}
	if err := l.notify.Publish(ctx, redis.KeyFanout(stored.OrgID, stored.Channel), note); err != nil {
		l.logger.WithError(err).WithFields(logging.Fields{
			"org_id":  stored.OrgID,
			"channel": stored.Channel,
		}).Warn("Failed to publish append notification")
	}

	return &stored, nil
}

// persist runs the write steps behind the dedup gate: sequence assignment,
// both stream appends, and the timeline index.
func (l *Log) persist(ctx context.Context, stored *models.Event) error {
	seq, err := l.store.Incr(ctx, redis.KeySequence(stored.OrgID))
	if err != nil {
		return err
	}
	stored.SequenceNumber = seq

	values, err := l.encode(ctx, stored)
	if err != nil {
		return err
	}
	if _, err := l.store.Append(ctx, redis.KeyEvents(stored.OrgID), values, l.cfg.StreamMaxLen); err != nil {
		return err
	}
	if _, err := l.store.Append(ctx, redis.KeyChannelEvents(stored.OrgID, stored.Channel), values, l.cfg.StreamMaxLen); err != nil {
		return err
	}

	timeline := redis.KeyTimeline(stored.OrgID)
	if err := l.store.ZAdd(ctx, timeline, float64(stored.CreatedAt.UnixMilli()), stored.ID); err != nil {
		return err
	}
	if l.cfg.Retention > 0 {
		cutoff := float64(time.Now().Add(-l.cfg.Retention).UnixMilli())
		if _, err := l.store.ZTrimBefore(ctx, timeline, cutoff); err != nil {
			l.logger.WithError(err).WithField("org_id", stored.OrgID).Warn("Failed to trim event timeline")
		}
	}
	return nil
}

// releaseDedup drops a claimed dedup key after a failed append. The release
// runs detached from the caller's context: a canceled request is exactly the
// case that leaves a half-finished append behind.
func (l *Log) releaseDedup(ctx context.Context, key string) {
	if key == "" {
		return
	}
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.store.Delete(relCtx, key); err != nil {
		l.logger.WithError(err).WithField("key", key).Warn("Failed to release dedup claim after append error")
	}
}

// OrderCheck reports whether seq is exactly the next sequence for the
// session and advances the tracker. The tracker always keeps the highest
// seen sequence so one gap does not poison every later check.
func (l *Log) OrderCheck(ctx context.Context, orgID, sessionID string, seq int64) (bool, error) {
	key := redis.KeyOrder(orgID, sessionID)
	last, err := l.store.GetInt(ctx, key)
	if err != nil {
		return false, err
	}
	inOrder := seq == last+1
	if seq > last {
		if err := l.store.SetString(ctx, key, strconv.FormatInt(seq, 10), l.cfg.OrderTTL); err != nil {
			return false, err
		}
	}
	return inOrder, nil
}

// RangeFilter narrows a Range read. Zero fields pass everything.
type RangeFilter struct {
	EventTypes []string
	SessionIDs []string
	UserIDs    []string
}

func (f RangeFilter) matches(ev *models.Event) bool {
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, ev.EventType) {
		return false
	}
	if len(f.SessionIDs) > 0 {
		if ev.SessionID == nil || !containsString(f.SessionIDs, *ev.SessionID) {
			return false
		}
	}
	if len(f.UserIDs) > 0 {
		if ev.UserID == nil || !containsString(f.UserIDs, *ev.UserID) {
			return false
		}
	}
	return true
}

// Range returns events for one tenant, optionally narrowed to one channel,
// a time window, and a filter, in non-decreasing (createdAt, sequenceNumber)
// order. maxN caps the result when positive. The timeline index and the
// stream are merged: only events present in both are returned, which makes
// retention trims authoritative.
func (l *Log) Range(ctx context.Context, orgID, channel string, filter RangeFilter, from, to time.Time, maxN int) ([]models.Event, error) {
	minScore := float64(0)
	if !from.IsZero() {
		minScore = float64(from.UnixMilli())
	}
	maxScore := float64(time.Now().Add(time.Hour).UnixMilli())
	if !to.IsZero() {
		maxScore = float64(to.UnixMilli())
	}

	ids, err := l.store.ZRangeByScore(ctx, redis.KeyTimeline(orgID), minScore, maxScore, 0)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.Event{}, nil
	}
	inWindow := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inWindow[id] = struct{}{}
	}

	stream := redis.KeyEvents(orgID)
	if channel != "" {
		stream = redis.KeyChannelEvents(orgID, channel)
	}
	// Stream entry timestamps are assigned at append time, which is never
	// before createdAt, so the lower bound can skip old entries. The upper
	// cut comes from the timeline intersection: a backdated createdAt sits
	// later in the stream than its score suggests.
	start := "-"
	if !from.IsZero() {
		start = strconv.FormatInt(from.UnixMilli(), 10)
	}
	msgs, err := l.store.RangeStream(ctx, stream, start, "+", 0)
	if err != nil {
		return nil, err
	}

	events := make([]models.Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := l.decode(msg)
		if err != nil {
			l.logger.WithError(err).WithField("stream_id", msg.ID).Warn("Skipping undecodable log entry")
			continue
		}
		if _, ok := inWindow[ev.ID]; !ok {
			continue
		}
		if !filter.matches(ev) {
			continue
		}
		events = append(events, *ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].SequenceNumber < events[j].SequenceNumber
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	if maxN > 0 && len(events) > maxN {
		events = events[:maxN]
	}
	return events, nil
}

// FindEvent loads one event by id from the tenant stream.
func (l *Log) FindEvent(ctx context.Context, orgID, eventID string) (*models.Event, error) {
	msgs, err := l.store.RangeStream(ctx, redis.KeyEvents(orgID), "-", "+", 0)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.Values["id"] == eventID {
			return l.decode(msg)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
}

// ConsumedEvent pairs a decoded event with the stream id needed to ack it.
type ConsumedEvent struct {
	StreamID string
	Event    models.Event
}

// ConsumerRead reads undelivered events for a consumer group on the tenant
// stream (or one channel's stream), creating the group on first use. Blocks
// up to block before returning empty.
func (l *Log) ConsumerRead(ctx context.Context, orgID, channel, group, consumer string, count int64, block time.Duration) ([]ConsumedEvent, error) {
	stream := redis.KeyEvents(orgID)
	if channel != "" {
		stream = redis.KeyChannelEvents(orgID, channel)
	}
	if err := l.groups.ensure(ctx, l.store, stream, group); err != nil {
		return nil, err
	}

	msgs, err := l.store.ReadGroup(ctx, stream, group, consumer, count, block)
	if err != nil {
		return nil, err
	}
	out := make([]ConsumedEvent, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := l.decode(msg)
		if err != nil {
			l.logger.WithError(err).WithField("stream_id", msg.ID).Warn("Skipping undecodable group entry")
			continue
		}
		out = append(out, ConsumedEvent{StreamID: msg.ID, Event: *ev})
	}
	return out, nil
}

// Ack acknowledges consumed stream entries for a group.
func (l *Log) Ack(ctx context.Context, orgID, channel, group string, streamIDs ...string) (int64, error) {
	stream := redis.KeyEvents(orgID)
	if channel != "" {
		stream = redis.KeyChannelEvents(orgID, channel)
	}
	return l.store.AckStream(ctx, stream, group, streamIDs...)
}

// EventCount reports the tenant stream length for the monitoring surface.
func (l *Log) EventCount(ctx context.Context, orgID string) (int64, error) {
	return l.store.StreamLen(ctx, redis.KeyEvents(orgID))
}

// encode flattens an event into stream fields. When the tenant opted into
// payload encryption the payload travels in a separate encrypted field and
// the event body carries none.
func (l *Log) encode(ctx context.Context, ev *models.Event) (map[string]interface{}, error) {
	values := map[string]interface{}{"id": ev.ID}

	if l.keyring != nil && l.encrypt != nil && len(ev.Payload) > 0 && l.encrypt(ctx, ev.OrgID) {
		pc, err := l.keyring.For(ev.OrgID)
		if err != nil {
			return nil, fmt.Errorf("eventlog: derive tenant key: %w", err)
		}
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("eventlog: marshal payload: %w", err)
		}
		sealed, err := pc.Seal(string(payload))
		if err != nil {
			return nil, fmt.Errorf("eventlog: encrypt payload: %w", err)
		}

		bare := *ev
		bare.Payload = nil
		data, err := json.Marshal(&bare)
		if err != nil {
			return nil, fmt.Errorf("eventlog: marshal event: %w", err)
		}
		values["data"] = string(data)
		values["enc"] = sealed
		return values, nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("eventlog: marshal event: %w", err)
	}
	values["data"] = string(data)
	return values, nil
}

func (l *Log) decode(msg goredis.XMessage) (*models.Event, error) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("eventlog: entry %s has no data field", msg.ID)
	}
	var ev models.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("eventlog: unmarshal entry %s: %w", msg.ID, err)
	}

	sealed, ok := msg.Values["enc"].(string)
	if !ok || sealed == "" {
		return &ev, nil
	}
	if l.keyring == nil {
		return nil, fmt.Errorf("eventlog: entry %s is encrypted but no master secret is configured", msg.ID)
	}
	pc, err := l.keyring.For(ev.OrgID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: derive tenant key: %w", err)
	}
	plain, err := pc.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("eventlog: decrypt entry %s: %w", msg.ID, err)
	}
	if err := json.Unmarshal([]byte(plain), &ev.Payload); err != nil {
		return nil, fmt.Errorf("eventlog: unmarshal payload %s: %w", msg.ID, err)
	}
	return &ev, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
