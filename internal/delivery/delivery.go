// Package delivery ships events to registered webhook endpoints. The
// endpoint's semantics decide how hard the engine tries: AT_MOST_ONCE fires a
// single attempt, AT_LEAST_ONCE retries per the endpoint's policy, and
// EXACTLY_ONCE consults an idempotency index before attempting anything and
// commits the index together with the DELIVERED receipt in one MULTI/EXEC.
// Deliveries for the same (event, endpoint) pair are serialized in process;
// distinct pairs run concurrently.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logstore"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/retrymgr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/clients"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/crypto"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/redis"
)

var (
	// ErrEndpointNotFound is returned for unknown or foreign endpoint ids.
	ErrEndpointNotFound = errors.New("delivery: endpoint not found")
	// ErrReceiptNotFound is returned for unknown or foreign receipt ids.
	ErrReceiptNotFound = errors.New("delivery: receipt not found")
	// ErrNotDelivered rejects an acknowledgment of a receipt that is not in
	// the DELIVERED state.
	ErrNotDelivered = errors.New("delivery: receipt not in DELIVERED state")
	// ErrOrgMismatch rejects delivery of an event owned by another tenant.
	ErrOrgMismatch = errors.New("delivery: event does not belong to caller")
	// ErrNotRedrivable is returned for DLQ entries that carry no endpoint and
	// event copy to redrive against.
	ErrNotRedrivable = errors.New("delivery: dlq entry cannot be redriven")
	// ErrInvalidEndpoint rejects endpoint registrations that fail validation.
	ErrInvalidEndpoint = errors.New("delivery: invalid endpoint")
)

// SignatureHeader carries the hex HMAC of the canonical request body.
const SignatureHeader = "X-APIX-Signature"

// Config carries the engine's storage TTLs and circuit defaults.
type Config struct {
	EndpointTTL    time.Duration
	ReceiptTTL     time.Duration
	IdempotencyTTL time.Duration
	// AttemptTimeout bounds an attempt when the endpoint sets no timeoutMs.
	AttemptTimeout time.Duration
	// CircuitThreshold consecutive failures open an endpoint's breaker;
	// CircuitTimeout is the OPEN dwell before a probe is admitted.
	CircuitThreshold uint
	CircuitTimeout   time.Duration
}

// DefaultConfig matches the documented retention windows: endpoints and
// idempotency markers live 30 days, receipts 7.
func DefaultConfig() Config {
	return Config{
		EndpointTTL:      30 * 24 * time.Hour,
		ReceiptTTL:       7 * 24 * time.Hour,
		IdempotencyTTL:   30 * 24 * time.Hour,
		AttemptTimeout:   5 * time.Second,
		CircuitThreshold: 5,
		CircuitTimeout:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.EndpointTTL <= 0 {
		c.EndpointTTL = d.EndpointTTL
	}
	if c.ReceiptTTL <= 0 {
		c.ReceiptTTL = d.ReceiptTTL
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = d.IdempotencyTTL
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.CircuitTimeout <= 0 {
		c.CircuitTimeout = d.CircuitTimeout
	}
	return c
}

// Engine owns endpoint registrations, receipts, and the delivery loop.
type Engine struct {
	store   *logstore.Store
	log     *eventlog.Log
	retries *retrymgr.Manager
	client  *http.Client
	cfg     Config
	logger  logging.Logger
	locks   keyedLocks
}

// New wires the delivery engine. Parking and redrive go through log; retries
// and the per-endpoint circuit breakers go through retries.
func New(store *logstore.Store, log *eventlog.Log, retries *retrymgr.Manager, cfg Config, logger logging.Logger) *Engine {
	return &Engine{
		store:   store,
		log:     log,
		retries: retries,
		client:  &http.Client{Transport: clients.NewWebhookTransport()},
		cfg:     cfg.withDefaults(),
		logger:  logger,
		locks:   keyedLocks{entries: make(map[string]*lockEntry)},
	}
}

// payload is the webhook request body. The signature, when present, covers
// the canonical JSON of the body with the signature field absent.
type payload struct {
	Event     *models.Event `json:"event"`
	Delivery  attemptMeta   `json:"delivery"`
	Signature string        `json:"signature,omitempty"`
}

// attemptMeta identifies one attempt to the receiving endpoint.
type attemptMeta struct {
	ID        string    `json:"id"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// Deliver ships one event to the tenant's endpoints and returns a receipt per
// target. A nil or empty endpointIDs targets every active endpoint; explicit
// ids must exist, and paused ones are skipped. HTTP failures surface as
// FAILED receipts, not errors; the returned error reports storage trouble
// only.
func (e *Engine) Deliver(ctx context.Context, principal models.Principal, event *models.Event, endpointIDs []string) ([]models.DeliveryReceipt, error) {
	if event == nil || event.ID == "" {
		return nil, fmt.Errorf("delivery: event with id required")
	}
	if event.OrgID != principal.OrgID {
		return nil, fmt.Errorf("%w: event %s belongs to %s", ErrOrgMismatch, event.ID, event.OrgID)
	}

	targets, err := e.resolveTargets(ctx, principal, endpointIDs)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, nil
	}

	receipts := make([]models.DeliveryReceipt, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range targets {
		i, ep := i, ep
		g.Go(func() error {
			rec, err := e.deliverOne(gctx, ep, event)
			if err != nil {
				return err
			}
			receipts[i] = *rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return receipts, nil
}

func (e *Engine) resolveTargets(ctx context.Context, principal models.Principal, endpointIDs []string) ([]*models.DeliveryEndpoint, error) {
	if len(endpointIDs) == 0 {
		all, err := e.ListEndpoints(ctx, principal)
		if err != nil {
			return nil, err
		}
		targets := make([]*models.DeliveryEndpoint, 0, len(all))
		for i := range all {
			if all[i].Active {
				targets = append(targets, &all[i])
			}
		}
		return targets, nil
	}

	targets := make([]*models.DeliveryEndpoint, 0, len(endpointIDs))
	for _, id := range endpointIDs {
		ep, err := e.GetEndpoint(ctx, principal, id)
		if err != nil {
			return nil, err
		}
		if !ep.Active {
			continue
		}
		targets = append(targets, ep)
	}
	return targets, nil
}

// deliverOne runs the semantics selector for a single endpoint under the
// (event, endpoint) lock.
func (e *Engine) deliverOne(ctx context.Context, ep *models.DeliveryEndpoint, event *models.Event) (*models.DeliveryReceipt, error) {
	release := e.locks.acquire(ep.OrgID + "\x00" + event.ID + "\x00" + ep.EndpointID)
	defer release()

	if ep.Semantics == models.ExactlyOnce {
		prior, err := e.priorReceipt(ctx, ep, event.ID)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return prior, nil
		}
	}

	policy := ep.RetryPolicy
	if ep.Semantics == models.AtMostOnce {
		policy.MaxAttempts = 1
	}
	return e.runAttempts(ctx, ep, event, policy)
}

// priorReceipt resolves the idempotency index to the recorded receipt. The
// index outlives its receipt (30 days against 7), so a hit with no receipt
// still reconstructs a DELIVERED one rather than allowing a second delivery.
func (e *Engine) priorReceipt(ctx context.Context, ep *models.DeliveryEndpoint, eventID string) (*models.DeliveryReceipt, error) {
	receiptID, ok, err := e.store.GetString(ctx, redis.KeyIdempotency(ep.OrgID, eventID, ep.EndpointID))
	if err != nil || !ok {
		return nil, err
	}
	var rec models.DeliveryReceipt
	found, err := e.store.GetJSON(ctx, redis.KeyReceipt(ep.OrgID, receiptID), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return &models.DeliveryReceipt{
			ReceiptID:  receiptID,
			EventID:    eventID,
			EndpointID: ep.EndpointID,
			OrgID:      ep.OrgID,
			Status:     models.ReceiptDelivered,
		}, nil
	}
	return &rec, nil
}

// runAttempts drives the retry loop and persists the receipt's terminal
// state. Every attempt passes the endpoint's circuit breaker; a rejected call
// counts against the retry budget without touching the endpoint.
func (e *Engine) runAttempts(ctx context.Context, ep *models.DeliveryEndpoint, event *models.Event, policy models.RetryPolicy) (*models.DeliveryReceipt, error) {
	rec := &models.DeliveryReceipt{
		ReceiptID:  uuid.New().String(),
		EventID:    event.ID,
		EndpointID: ep.EndpointID,
		OrgID:      ep.OrgID,
		Status:     models.ReceiptPending,
	}
	if err := e.putReceipt(ctx, rec); err != nil {
		return nil, err
	}

	attempt := func(ctx context.Context) error {
		rec.Attempts++
		now := time.Now().UTC()
		if rec.FirstAttemptAt.IsZero() {
			rec.FirstAttemptAt = now
		}
		rec.LastAttemptAt = now

		code, rtMs, err := e.attempt(ctx, ep, event, rec.ReceiptID, rec.Attempts)
		rec.ResponseTimeMs = &rtMs
		rec.ResponseCode = nil
		if code > 0 {
			rec.ResponseCode = &code
		}
		if err != nil {
			rec.Error = err.Error()
			return err
		}
		rec.Error = ""
		return nil
	}
	gated := func(ctx context.Context) error {
		err := e.retries.ExecuteWithCircuitBreaker(ctx, circuitID(ep.EndpointID), attempt, e.cfg.CircuitThreshold, e.cfg.CircuitTimeout)
		if errors.Is(err, retrymgr.ErrCircuitOpen) {
			rec.Error = err.Error()
		}
		return err
	}

	err := e.retries.ExecuteWithRetry(ctx, "deliver:"+rec.ReceiptID, gated, policy)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err != nil {
		rec.Status = models.ReceiptFailed
		if perr := e.putReceipt(ctx, rec); perr != nil {
			return nil, perr
		}
		e.park(ctx, ep, event, rec, err)
		e.logger.WithFields(logging.Fields{
			"org_id":      ep.OrgID,
			"endpoint_id": ep.EndpointID,
			"event_id":    event.ID,
			"attempts":    rec.Attempts,
		}).Warn("Delivery failed terminally")
		return rec, nil
	}

	rec.Status = models.ReceiptDelivered
	if ep.Semantics == models.ExactlyOnce {
		if err := e.commitExactlyOnce(ctx, ep, event.ID, rec); err != nil {
			return nil, err
		}
	} else if err := e.putReceipt(ctx, rec); err != nil {
		return nil, err
	}
	e.logger.WithFields(logging.Fields{
		"org_id":      ep.OrgID,
		"endpoint_id": ep.EndpointID,
		"event_id":    event.ID,
		"attempts":    rec.Attempts,
	}).Debug("Event delivered")
	return rec, nil
}

// park appends the failed delivery to the tenant's dead-letter stream. A park
// failure is logged, never surfaced: the FAILED receipt is already durable.
func (e *Engine) park(ctx context.Context, ep *models.DeliveryEndpoint, event *models.Event, rec *models.DeliveryReceipt, err error) {
	reason := eventlog.ReasonMaxRetriesExceeded
	if errors.Is(err, retrymgr.ErrCircuitOpen) {
		reason = eventlog.ReasonCircuitOpen
	}
	entry := &models.DLQEntry{
		OrgID:      ep.OrgID,
		EventID:    event.ID,
		EndpointID: ep.EndpointID,
		Reason:     reason,
		Error:      rec.Error,
		Attempts:   rec.Attempts,
		Event:      event,
	}
	if _, perr := e.log.Park(ctx, entry); perr != nil {
		e.logger.WithError(perr).WithFields(logging.Fields{
			"org_id":   ep.OrgID,
			"event_id": event.ID,
		}).Warn("Failed to park undeliverable event")
	}
}

// commitExactlyOnce writes the idempotency index and the DELIVERED receipt in
// one MULTI/EXEC so a crash can never record one without the other.
func (e *Engine) commitExactlyOnce(ctx context.Context, ep *models.DeliveryEndpoint, eventID string, rec *models.DeliveryReceipt) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("delivery: marshal receipt: %w", err)
	}
	return e.store.Tx(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, redis.KeyIdempotency(ep.OrgID, eventID, ep.EndpointID), rec.ReceiptID, e.cfg.IdempotencyTTL)
		pipe.Set(ctx, redis.KeyReceipt(ep.OrgID, rec.ReceiptID), raw, e.cfg.ReceiptTTL)
		return nil
	})
}

func (e *Engine) putReceipt(ctx context.Context, rec *models.DeliveryReceipt) error {
	return e.store.SetJSON(ctx, redis.KeyReceipt(rec.OrgID, rec.ReceiptID), rec, e.cfg.ReceiptTTL)
}

// attempt performs one HTTP call bounded by the endpoint's timeout. Any
// status outside 2xx is a failure.
func (e *Engine) attempt(ctx context.Context, ep *models.DeliveryEndpoint, event *models.Event, deliveryID string, attempt int) (int, int64, error) {
	body := payload{
		Event: event,
		Delivery: attemptMeta{
			ID:        deliveryID,
			Attempt:   attempt,
			Timestamp: time.Now().UTC(),
		},
	}
	var signature string
	if ep.SecretHeader != "" {
		canonical, err := crypto.CanonicalJSON(&body)
		if err != nil {
			return 0, 0, fmt.Errorf("delivery: canonicalize payload: %w", err)
		}
		signature = crypto.SignHMAC([]byte(ep.SecretHeader), canonical)
		body.Signature = signature
	}
	raw, err := json.Marshal(&body)
	if err != nil {
		return 0, 0, fmt.Errorf("delivery: marshal payload: %w", err)
	}

	timeout := time.Duration(ep.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = e.cfg.AttemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := ep.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, ep.URL, bytes.NewReader(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	rtMs := time.Since(start).Milliseconds()
	if err != nil {
		return 0, rtMs, fmt.Errorf("delivery: %s: %w", ep.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return resp.StatusCode, rtMs, fmt.Errorf("delivery: endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, rtMs, nil
}

func circuitID(endpointID string) string {
	return "endpoint:" + endpointID
}

// keyedLocks serializes work per string key. Entries are reference counted
// and dropped when the last holder releases, so the map stays proportional to
// in-flight deliveries.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	refs int
	sem  sync.Mutex
}

func (k *keyedLocks) acquire(key string) func() {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.sem.Lock()
	return func() {
		entry.sem.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
