// Package clients holds the outbound-call hardening shared by webhook
// delivery and the retry manager: a circuit breaker wrapper around
// failsafe-go and a bounded HTTP transport.
package clients

import (
	"errors"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// ErrCircuitOpen is returned by Call and Execute when the breaker rejects
// the attempt without running it.
var ErrCircuitOpen = circuitbreaker.ErrOpen

// IsCircuitOpen reports whether err is a circuit breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, circuitbreaker.ErrOpen)
}

// CircuitBreakerState is the breaker's position in the closed, open,
// half-open cycle.
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes trip and recovery behavior for one endpoint.
type CircuitBreakerConfig struct {
	// Name identifies this circuit breaker in logs, metrics, and state
	// snapshots. For webhook delivery this is the endpoint ID.
	Name string

	// FailureThreshold is the number of consecutive failures that trips
	// the circuit. Default: 5.
	FailureThreshold uint

	// SuccessThreshold is the number of successful probes needed in
	// half-open state before the circuit closes again. Default: 1.
	SuccessThreshold uint

	// Timeout is the duration the circuit stays open before admitting a
	// half-open probe. Default: 30 seconds.
	Timeout time.Duration

	// Logger for state change notifications.
	Logger logging.Logger

	// OnStateChange is an optional callback invoked when the circuit
	// breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// DefaultCircuitBreakerConfig returns the stock breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             "default",
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker wraps failsafe-go's circuit breaker and tracks the
// failure history needed for state snapshots.
type CircuitBreaker struct {
	cb      circuitbreaker.CircuitBreaker[any]
	name    string
	timeout time.Duration
	logger  logging.Logger

	mu            sync.Mutex
	failureCount  int
	lastFailureAt time.Time
	nextAttemptAt time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given
// configuration.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "circuit-breaker"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	breaker := &CircuitBreaker{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}

	// A full window of failures is required to trip, so the ratio form
	// with threshold == window gives consecutive-failure semantics.
	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.FailureThreshold).
		WithDelay(cfg.Timeout).
		WithSuccessThreshold(cfg.SuccessThreshold).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			fromState := convertState(event.OldState)
			toState := convertState(event.NewState)

			breaker.noteTransition(toState)

			if cfg.Logger != nil {
				cfg.Logger.WithFields(logging.Fields{
					"circuit_breaker": cfg.Name,
					"from_state":      fromState.String(),
					"to_state":        toState.String(),
				}).Warn("Circuit breaker state change")
			}

			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, fromState, toState)
			}
		})

	breaker.cb = builder.Build()
	return breaker
}

func convertState(state circuitbreaker.State) CircuitBreakerState {
	switch state {
	case circuitbreaker.ClosedState:
		return StateClosed
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	default:
		return StateClosed
	}
}

func (cb *CircuitBreaker) noteTransition(to CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch to {
	case StateOpen:
		cb.nextAttemptAt = time.Now().Add(cb.timeout)
	case StateClosed:
		cb.failureCount = 0
		cb.nextAttemptAt = time.Time{}
	case StateHalfOpen:
		cb.nextAttemptAt = time.Time{}
	}
}

func (cb *CircuitBreaker) record(err error) {
	// Rejections never ran the operation, so they do not count.
	if IsCircuitOpen(err) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failureCount++
		cb.lastFailureAt = time.Now()
		return
	}
	if cb.cb.IsClosed() {
		cb.failureCount = 0
	}
}

// Call runs fn if the breaker admits it. While open, fn does not run and
// Call returns ErrCircuitOpen.
func (cb *CircuitBreaker) Call(fn func() error) error {
	_, err := failsafe.With(cb.cb).Get(func() (any, error) {
		return nil, fn()
	})
	cb.record(err)
	return err
}

// Snapshot returns the breaker's externally visible state.
func (cb *CircuitBreaker) Snapshot() models.CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := models.CircuitBreakerState{
		CircuitID:    cb.name,
		FailureCount: cb.failureCount,
	}

	switch convertState(cb.cb.State()) {
	case StateOpen:
		snap.State = models.CircuitOpen
	case StateHalfOpen:
		snap.State = models.CircuitHalfOpen
	default:
		snap.State = models.CircuitClosed
	}

	if !cb.lastFailureAt.IsZero() {
		t := cb.lastFailureAt
		snap.LastFailureAt = &t
	}
	if snap.State == models.CircuitOpen && !cb.nextAttemptAt.IsZero() {
		t := cb.nextAttemptAt
		snap.NextAttemptAt = &t
	}

	return snap
}
