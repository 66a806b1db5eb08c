// Package replay drives historic events from the durable log back through a
// caller-supplied delivery target at a controlled pace. Each job runs one
// worker goroutine that survives the starting request, retries individual
// events through the shared retry manager, parks exhausted ones on the
// dead-letter stream, and exits cooperatively when stopped.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logstore"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/retrymgr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/redis"
)

var (
	// ErrReplayNotFound is returned for unknown or foreign replay ids.
	ErrReplayNotFound = errors.New("replay: job not found")
	// ErrInvalidWindow rejects a window whose end precedes its start.
	ErrInvalidWindow = errors.New("replay: window end precedes start")
)

// Target consumes one replayed event. A returned error triggers the job's
// per-event retry policy.
type Target func(ctx context.Context, ev *models.Event) error

// ProgressSink receives a job snapshot after every processed event and once
// more when the job finishes. Implementations must be fast; the worker calls
// them synchronously between paced steps.
type ProgressSink interface {
	ReplayProgress(orgID, userID string, status apix.ReplayStatusResponse)
}

// AttemptRow is the receipt-like record of one replayed event's outcome.
type AttemptRow struct {
	ReplayID string               `json:"replayId"`
	EventID  string               `json:"eventId"`
	Status   models.ReceiptStatus `json:"status"`
	Attempts int                  `json:"attempts"`
	Error    string               `json:"error,omitempty"`
	At       time.Time            `json:"at"`
}

// Config bounds replay pacing and attempt-row retention.
type Config struct {
	// MaxRate caps replayRateEventsPerSec; requests above it are clamped.
	MaxRate int
	// AttemptTTL expires the per-event outcome rows.
	AttemptTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRate:    10000,
		AttemptTTL: 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRate <= 0 {
		c.MaxRate = d.MaxRate
	}
	if c.AttemptTTL <= 0 {
		c.AttemptTTL = d.AttemptTTL
	}
	return c
}

// Engine owns the in-process replay job table. Finished jobs stay queryable
// until the process restarts; replay state is deliberately not shared across
// instances.
type Engine struct {
	log     *eventlog.Log
	store   *logstore.Store
	retries *retrymgr.Manager
	cfg     Config
	sink    ProgressSink
	logger  logging.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// New wires the replay engine. sink may be nil to skip progress fan-out.
func New(log *eventlog.Log, store *logstore.Store, retries *retrymgr.Manager, cfg Config, sink ProgressSink, logger logging.Logger) *Engine {
	return &Engine{
		log:     log,
		store:   store,
		retries: retries,
		cfg:     cfg.withDefaults(),
		sink:    sink,
		logger:  logger,
		jobs:    make(map[string]*job),
	}
}

type job struct {
	id     string
	orgID  string
	userID string
	cancel context.CancelFunc

	mu        sync.Mutex
	active    bool
	total     int
	delivered int
	failed    int
}

func (j *job) snapshot() apix.ReplayStatusResponse {
	j.mu.Lock()
	defer j.mu.Unlock()
	progress := 100.0
	if j.total > 0 {
		progress = float64(j.delivered+j.failed) / float64(j.total) * 100
	}
	return apix.ReplayStatusResponse{
		ReplayID:  j.id,
		Active:    j.active,
		Progress:  progress,
		Delivered: j.delivered,
		Failed:    j.failed,
		Total:     j.total,
	}
}

func (j *job) isActive() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.active
}

func (j *job) finish() {
	j.mu.Lock()
	j.active = false
	j.mu.Unlock()
}

// StartReplay fetches the window synchronously, so bad requests fail before a
// job exists, then paces delivery on a worker that outlives the caller's
// request. A nil policy falls back to the stock retry policy. maxEvents == 0
// completes immediately at 100%.
func (e *Engine) StartReplay(ctx context.Context, principal models.Principal, req apix.ReplayRequest, target Target, policy *models.RetryPolicy) (string, error) {
	if target == nil {
		return "", fmt.Errorf("replay: target required")
	}
	if !req.EndTime.IsZero() && !req.StartTime.IsZero() && req.EndTime.Before(req.StartTime) {
		return "", fmt.Errorf("%w: %s before %s", ErrInvalidWindow, req.EndTime.Format(time.RFC3339), req.StartTime.Format(time.RFC3339))
	}

	j := &job{
		id:     uuid.New().String(),
		orgID:  principal.OrgID,
		userID: principal.UserID,
		active: true,
	}

	if req.MaxEvents <= 0 {
		j.finish()
		j.cancel = func() {}
		e.addJob(j)
		return j.id, nil
	}

	filter := eventlog.RangeFilter{
		EventTypes: req.EventTypes,
		SessionIDs: req.SessionIDs,
		UserIDs:    req.UserIDs,
	}
	events, err := e.log.Range(ctx, principal.OrgID, req.Channel, filter, req.StartTime, req.EndTime, req.MaxEvents)
	if err != nil {
		return "", err
	}
	j.total = len(events)

	effective := models.DefaultRetryPolicy()
	if policy != nil {
		effective = *policy
	}

	rate := req.ReplayRate
	if rate > e.cfg.MaxRate {
		rate = e.cfg.MaxRate
	}
	var interval time.Duration
	if rate > 0 {
		interval = time.Second / time.Duration(rate)
	}

	// The worker owns its own cancellation; the starting request's ctx only
	// seeds values.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.cancel = cancel
	e.addJob(j)

	e.logger.WithFields(logging.Fields{
		"replay_id": j.id,
		"org_id":    j.orgID,
		"total":     j.total,
		"rate":      rate,
	}).Info("Replay started")

	go e.run(runCtx, j, events, effective, target, interval)
	return j.id, nil
}

func (e *Engine) addJob(j *job) {
	e.mu.Lock()
	e.jobs[j.id] = j
	e.mu.Unlock()
}

func (e *Engine) lookup(principal models.Principal, replayID string) (*job, error) {
	e.mu.Lock()
	j, ok := e.jobs[replayID]
	e.mu.Unlock()
	if !ok || j.orgID != principal.OrgID {
		return nil, fmt.Errorf("%w: %s", ErrReplayNotFound, replayID)
	}
	return j, nil
}

// GetStatus reports a job's live progress.
func (e *Engine) GetStatus(principal models.Principal, replayID string) (apix.ReplayStatusResponse, error) {
	j, err := e.lookup(principal, replayID)
	if err != nil {
		return apix.ReplayStatusResponse{}, err
	}
	return j.snapshot(), nil
}

// StopReplay flips the job's active flag and cancels any in-flight retry;
// the worker exits at its next step boundary. Stopping a finished job is a
// no-op.
func (e *Engine) StopReplay(principal models.Principal, replayID string) error {
	j, err := e.lookup(principal, replayID)
	if err != nil {
		return err
	}
	j.finish()
	j.cancel()
	return nil
}

// ListAttempts returns the stored per-event outcome rows of a replay, oldest
// first. Rows are read from the store, not the job table, so they remain
// queryable after a restart until their TTL expires.
func (e *Engine) ListAttempts(ctx context.Context, principal models.Principal, replayID string) ([]AttemptRow, error) {
	keys, err := e.store.ScanKeys(ctx, redis.PatternReplayAttempts(principal.OrgID, replayID))
	if err != nil {
		return nil, err
	}
	rows := make([]AttemptRow, 0, len(keys))
	for _, key := range keys {
		var row AttemptRow
		found, err := e.store.GetJSON(ctx, key, &row)
		if err != nil {
			return nil, err
		}
		if found {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].At.Equal(rows[j].At) {
			return rows[i].At.Before(rows[j].At)
		}
		return rows[i].EventID < rows[j].EventID
	})
	return rows, nil
}

func (e *Engine) run(ctx context.Context, j *job, events []models.Event, policy models.RetryPolicy, target Target, interval time.Duration) {
	defer j.cancel()

	for i := range events {
		if !j.isActive() {
			break
		}
		ev := &events[i]

		attempts := 0
		op := func(ctx context.Context) error {
			attempts++
			return target(ctx, ev)
		}
		err := e.retries.ExecuteWithRetry(ctx, "replay:"+j.id+":"+ev.ID, op, policy)
		if ctx.Err() != nil {
			break
		}

		row := AttemptRow{
			ReplayID: j.id,
			EventID:  ev.ID,
			Attempts: attempts,
			At:       time.Now().UTC(),
		}
		if err != nil {
			row.Status = models.ReceiptFailed
			row.Error = err.Error()
			j.mu.Lock()
			j.failed++
			j.mu.Unlock()
			e.park(ctx, j, ev, attempts, err)
		} else {
			row.Status = models.ReceiptDelivered
			j.mu.Lock()
			j.delivered++
			j.mu.Unlock()
		}
		e.writeAttempt(ctx, j.orgID, row)
		e.notifyProgress(j)

		if interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
	}

	j.finish()
	e.notifyProgress(j)

	status := j.snapshot()
	e.logger.WithFields(logging.Fields{
		"replay_id": j.id,
		"org_id":    j.orgID,
		"delivered": status.Delivered,
		"failed":    status.Failed,
		"total":     status.Total,
	}).Info("Replay finished")
}

func (e *Engine) park(ctx context.Context, j *job, ev *models.Event, attempts int, err error) {
	entry := &models.DLQEntry{
		OrgID:    j.orgID,
		EventID:  ev.ID,
		ReplayID: j.id,
		Reason:   eventlog.ReasonMaxRetriesExceeded,
		Error:    err.Error(),
		Attempts: attempts,
		Event:    ev,
	}
	if _, perr := e.log.Park(ctx, entry); perr != nil {
		e.logger.WithError(perr).WithFields(logging.Fields{
			"replay_id": j.id,
			"event_id":  ev.ID,
		}).Warn("Failed to park undeliverable replay event")
	}
}

func (e *Engine) writeAttempt(ctx context.Context, orgID string, row AttemptRow) {
	key := redis.KeyReplayAttempt(orgID, row.ReplayID, row.EventID)
	if err := e.store.SetJSON(ctx, key, row, e.cfg.AttemptTTL); err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{
			"replay_id": row.ReplayID,
			"event_id":  row.EventID,
		}).Warn("Failed to record replay attempt")
	}
}

func (e *Engine) notifyProgress(j *job) {
	if e.sink == nil {
		return
	}
	e.sink.ReplayProgress(j.orgID, j.userID, j.snapshot())
}
