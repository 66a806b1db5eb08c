// Package retrymgr is the shared transient-failure absorber: bounded retry
// loops with pluggable backoff curves, fire-and-forget scheduled retries
// cancelable by id, and a registry of named circuit breakers. Webhook
// delivery and replay both lean on it instead of rolling their own loops.
package retrymgr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/clients"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// ErrAllAttemptsFailed wraps the final error once a retry loop exhausts its
// attempt budget.
var ErrAllAttemptsFailed = errors.New("all retry attempts failed")

// ErrCircuitOpen re-exports the breaker rejection for callers that never
// import pkg/clients directly.
var ErrCircuitOpen = clients.ErrCircuitOpen

// ErrOperationExists reports a Schedule call reusing a live operation id.
var ErrOperationExists = errors.New("retry operation already scheduled")

// Observable event names emitted to listeners.
const (
	EventAttempt       = "attempt"
	EventSuccess       = "success"
	EventFailed        = "failed"
	EventExhausted     = "exhausted"
	EventCircuitOpened = "circuit.opened"
	EventCircuitClosed = "circuit.closed"
	EventCircuitReset  = "circuit.reset"
)

// Event is one observable step of a retry or breaker lifecycle.
type Event struct {
	Name        string
	OperationID string
	CircuitID   string
	Attempt     int
	Delay       time.Duration
	Err         error
}

// Listener receives events synchronously; implementations must be fast.
type Listener func(Event)

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) error

const (
	// delayFloor is the minimum wait between attempts regardless of policy.
	delayFloor = 100 * time.Millisecond
	// jitterRange is the multiplicative jitter half-width.
	jitterRange = 0.1
	// errorWindow is how many recent outcomes feed the adaptive error rate.
	errorWindow = 3
	// maxLoadFactor caps the adaptive load multiplier.
	maxLoadFactor = 3.0
)

// Manager runs retry loops and owns the circuit breaker registry.
type Manager struct {
	logger logging.Logger

	active int64 // in-flight retry loops, for the adaptive load factor

	mu        sync.Mutex
	scheduled map[string]context.CancelFunc

	breakersMu sync.RWMutex
	breakers   map[string]*clients.CircuitBreaker

	listenersMu sync.RWMutex
	listeners   []Listener
}

func NewManager(logger logging.Logger) *Manager {
	return &Manager{
		logger:    logger,
		scheduled: make(map[string]context.CancelFunc),
		breakers:  make(map[string]*clients.CircuitBreaker),
	}
}

// AddListener registers an observer for retry and breaker events.
func (m *Manager) AddListener(l Listener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

func (m *Manager) emit(ev Event) {
	m.listenersMu.RLock()
	listeners := m.listeners
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// ActiveRetries reports how many retry loops are currently in flight.
func (m *Manager) ActiveRetries() int64 {
	return atomic.LoadInt64(&m.active)
}

// ExecuteWithRetry runs op until it succeeds, the policy's attempt budget is
// spent, or ctx is cancelled. The returned error wraps ErrAllAttemptsFailed
// on exhaustion and the last attempt's error in both cases.
func (m *Manager) ExecuteWithRetry(ctx context.Context, operationID string, op Operation, policy models.RetryPolicy) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	atomic.AddInt64(&m.active, 1)
	defer atomic.AddInt64(&m.active, -1)

	// Outcomes of the most recent attempts, newest last. Feeds the
	// adaptive error rate.
	var recent []bool

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		m.emit(Event{Name: EventAttempt, OperationID: operationID, Attempt: attempt})

		err := op(ctx)
		if err == nil {
			m.emit(Event{Name: EventSuccess, OperationID: operationID, Attempt: attempt})
			return nil
		}
		lastErr = err
		recent = append(recent, false)
		if len(recent) > errorWindow {
			recent = recent[1:]
		}
		m.emit(Event{Name: EventFailed, OperationID: operationID, Attempt: attempt, Err: err})

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == maxAttempts {
			break
		}

		delay := m.Delay(policy, attempt, recent)
		m.logger.WithFields(logging.Fields{
			"operation_id": operationID,
			"attempt":      attempt,
			"delay_ms":     delay.Milliseconds(),
		}).Debug("Retrying after failure")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	m.emit(Event{Name: EventExhausted, OperationID: operationID, Attempt: maxAttempts, Err: lastErr})
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrAllAttemptsFailed, operationID, maxAttempts, lastErr)
}

// Delay computes the wait before the attempt following attempt n. The recent
// slice holds the latest attempt outcomes (true = success) for the adaptive
// curve. Exposed for delivery receipts that report the planned backoff.
func (m *Manager) Delay(policy models.RetryPolicy, attempt int, recent []bool) time.Duration {
	base := float64(policy.BaseDelayMs)
	if base <= 0 {
		base = float64(delayFloor.Milliseconds())
	}
	max := float64(policy.MaxDelayMs)
	if max <= 0 {
		max = base
	}

	var ms float64
	switch policy.Backoff {
	case models.BackoffLinear:
		ms = math.Min(base*float64(attempt), max)
	case models.BackoffFixed:
		ms = base
	case models.BackoffAdaptive:
		rate := errorRate(recent)
		ms = math.Min(base*math.Pow(1.5, float64(attempt-1))*(1+rate)*m.loadFactor(), max)
	default: // EXPONENTIAL
		ms = math.Min(base*math.Pow(2, float64(attempt-1)), max)
	}

	if policy.Jitter {
		ms *= 1 + (rand.Float64()*2-1)*jitterRange
	}

	d := time.Duration(ms) * time.Millisecond
	if d < delayFloor {
		d = delayFloor
	}
	return d
}

// loadFactor scales adaptive delays by concurrent retry pressure. The
// current loop does not count against itself.
func (m *Manager) loadFactor() float64 {
	others := atomic.LoadInt64(&m.active) - 1
	if others < 0 {
		others = 0
	}
	return math.Min(1+float64(others)*0.1, maxLoadFactor)
}

func errorRate(recent []bool) float64 {
	if len(recent) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range recent {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(recent))
}

// Schedule runs the retry loop in the background. The operation is
// cancelable by id until it finishes; ids of finished operations may be
// reused. The parent ctx only seeds values; cancellation is owned here.
func (m *Manager) Schedule(ctx context.Context, operationID string, op Operation, policy models.RetryPolicy) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	if _, exists := m.scheduled[operationID]; exists {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrOperationExists, operationID)
	}
	m.scheduled[operationID] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.scheduled, operationID)
			m.mu.Unlock()
		}()

		err := m.ExecuteWithRetry(runCtx, operationID, op, policy)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			m.logger.WithField("operation_id", operationID).Debug("Scheduled retry cancelled")
		default:
			m.logger.WithError(err).WithField("operation_id", operationID).Warn("Scheduled retry gave up")
		}
	}()
	return nil
}

// Cancel stops a scheduled operation. Returns whether the id was live.
func (m *Manager) Cancel(operationID string) bool {
	m.mu.Lock()
	cancel, ok := m.scheduled[operationID]
	if ok {
		delete(m.scheduled, operationID)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ExecuteWithCircuitBreaker routes op through the named breaker, creating it
// on first use with the given threshold and open delay. Later calls with a
// different configuration reuse the existing breaker unchanged. A rejected
// call fails fast with ErrCircuitOpen.
func (m *Manager) ExecuteWithCircuitBreaker(ctx context.Context, circuitID string, op Operation, threshold uint, timeout time.Duration) error {
	cb := m.breaker(circuitID, threshold, timeout)
	return cb.Call(func() error { return op(ctx) })
}

func (m *Manager) breaker(circuitID string, threshold uint, timeout time.Duration) *clients.CircuitBreaker {
	m.breakersMu.RLock()
	cb, ok := m.breakers[circuitID]
	m.breakersMu.RUnlock()
	if ok {
		return cb
	}

	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	if cb, ok = m.breakers[circuitID]; ok {
		return cb
	}

	cb = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:             circuitID,
		FailureThreshold: threshold,
		Timeout:          timeout,
		Logger:           m.logger,
		OnStateChange: func(name string, _, to clients.CircuitBreakerState) {
			switch to {
			case clients.StateOpen:
				m.emit(Event{Name: EventCircuitOpened, CircuitID: name})
			case clients.StateClosed:
				m.emit(Event{Name: EventCircuitClosed, CircuitID: name})
			}
		},
	})
	m.breakers[circuitID] = cb
	return cb
}

// CircuitState returns the snapshot of one breaker.
func (m *Manager) CircuitState(circuitID string) (models.CircuitBreakerState, bool) {
	m.breakersMu.RLock()
	cb, ok := m.breakers[circuitID]
	m.breakersMu.RUnlock()
	if !ok {
		return models.CircuitBreakerState{}, false
	}
	return cb.Snapshot(), true
}

// CircuitStates lists every breaker snapshot for the monitoring surface.
func (m *Manager) CircuitStates() []models.CircuitBreakerState {
	m.breakersMu.RLock()
	defer m.breakersMu.RUnlock()
	out := make([]models.CircuitBreakerState, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}

// ResetCircuit drops the named breaker so the next call starts CLOSED with
// fresh counters. Used by operators after fixing a downstream.
func (m *Manager) ResetCircuit(circuitID string) bool {
	m.breakersMu.Lock()
	_, ok := m.breakers[circuitID]
	if ok {
		delete(m.breakers, circuitID)
	}
	m.breakersMu.Unlock()
	if ok {
		m.emit(Event{Name: EventCircuitReset, CircuitID: circuitID})
	}
	return ok
}
