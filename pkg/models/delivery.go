package models

import (
	"time"
)

// DeliverySemantics selects how hard the delivery engine tries.
type DeliverySemantics string

const (
	AtMostOnce  DeliverySemantics = "AT_MOST_ONCE"
	AtLeastOnce DeliverySemantics = "AT_LEAST_ONCE"
	ExactlyOnce DeliverySemantics = "EXACTLY_ONCE"
)

// Valid reports whether s is a known semantics value.
func (s DeliverySemantics) Valid() bool {
	switch s {
	case AtMostOnce, AtLeastOnce, ExactlyOnce:
		return true
	}
	return false
}

// BackoffStrategy selects the delay curve between retry attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "FIXED"
	BackoffLinear      BackoffStrategy = "LINEAR"
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
	BackoffAdaptive    BackoffStrategy = "ADAPTIVE"
)

// RetryPolicy controls attempt counts and backoff for deliveries and the
// generic retry manager.
type RetryPolicy struct {
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     BackoffStrategy `json:"backoff"`
	BaseDelayMs int64           `json:"baseDelayMs"`
	MaxDelayMs  int64           `json:"maxDelayMs"`
	Jitter      bool            `json:"jitter"`
}

// DefaultRetryPolicy matches the stock endpoint configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		BaseDelayMs: 1000,
		MaxDelayMs:  30000,
		Jitter:      true,
	}
}

// DeliveryEndpoint is a registered webhook destination.
type DeliveryEndpoint struct {
	EndpointID   string            `json:"endpointId"`
	OrgID        string            `json:"orgId"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	SecretHeader string            `json:"secretHeader,omitempty"`
	TimeoutMs    int64             `json:"timeoutMs"`
	RetryPolicy  RetryPolicy       `json:"retryPolicy"`
	Semantics    DeliverySemantics `json:"semantics"`
	Active       bool              `json:"active"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// ReceiptStatus tracks one delivery's outcome. DELIVERED and FAILED are
// terminal except for the DELIVERED -> ACKNOWLEDGED transition.
type ReceiptStatus string

const (
	ReceiptPending      ReceiptStatus = "PENDING"
	ReceiptDelivered    ReceiptStatus = "DELIVERED"
	ReceiptFailed       ReceiptStatus = "FAILED"
	ReceiptAcknowledged ReceiptStatus = "ACKNOWLEDGED"
)

// Terminal reports whether the status permits no further delivery attempts.
func (s ReceiptStatus) Terminal() bool {
	return s == ReceiptDelivered || s == ReceiptFailed || s == ReceiptAcknowledged
}

// DeliveryReceipt records the outcome of one (event, endpoint) delivery.
type DeliveryReceipt struct {
	ReceiptID      string        `json:"receiptId"`
	EventID        string        `json:"eventId"`
	EndpointID     string        `json:"endpointId"`
	OrgID          string        `json:"orgId"`
	Status         ReceiptStatus `json:"status"`
	Attempts       int           `json:"attempts"`
	FirstAttemptAt time.Time     `json:"firstAttemptAt"`
	LastAttemptAt  time.Time     `json:"lastAttemptAt"`
	AcknowledgedAt *time.Time    `json:"acknowledgedAt,omitempty"`
	ResponseCode   *int          `json:"responseCode,omitempty"`
	ResponseTimeMs *int64        `json:"responseTimeMs,omitempty"`
	Error          string        `json:"error,omitempty"`
	AckData        JSONB         `json:"ackData,omitempty"`
}

// CircuitState is the admission state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitBreakerState is a snapshot of one logical destination's gate.
type CircuitBreakerState struct {
	CircuitID     string       `json:"circuitId"`
	State         CircuitState `json:"state"`
	FailureCount  int          `json:"failureCount"`
	LastFailureAt *time.Time   `json:"lastFailureAt,omitempty"`
	NextAttemptAt *time.Time   `json:"nextAttemptAt,omitempty"`
}

// DLQEntry is one undeliverable event parked on the per-tenant dead-letter
// stream. Event carries the full record so a redrive needs no lookup; Raw
// holds the base64 original for poison messages that never decoded into an
// Event at all.
type DLQEntry struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"orgId"`
	EventID    string    `json:"eventId,omitempty"`
	EndpointID string    `json:"endpointId,omitempty"`
	ReplayID   string    `json:"replayId,omitempty"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	ParkedAt   time.Time `json:"parkedAt"`
	Event      *Event    `json:"event,omitempty"`
	Raw        string    `json:"raw,omitempty"`
}
