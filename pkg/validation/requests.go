package validation

import (
	"fmt"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

const (
	// MaxRetryAttempts caps per-endpoint retry policies so a misbehaving
	// destination cannot hold delivery workers indefinitely.
	MaxRetryAttempts = 10

	// MaxDeliveryTimeoutMs caps per-endpoint HTTP timeouts.
	MaxDeliveryTimeoutMs = 60000
)

// ValidateSubscriptionRequest checks a durable subscription request.
func (v *Validator) ValidateSubscriptionRequest(req *apix.CreateSubscriptionRequest) error {
	if req == nil {
		return fmt.Errorf("request cannot be nil")
	}
	if err := v.ValidateChannelName(req.Channel); err != nil {
		return err
	}
	return v.ValidateFilters(req.Filters)
}

// ValidateReplayRequest checks a historic replay window before a job is
// started.
func (v *Validator) ValidateReplayRequest(req *apix.ReplayRequest) error {
	if req == nil {
		return fmt.Errorf("request cannot be nil")
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() {
		return fmt.Errorf("startTime and endTime are required")
	}
	if req.EndTime.Before(req.StartTime) {
		return fmt.Errorf("endTime must not precede startTime")
	}
	if req.Channel != "" {
		if err := v.ValidateChannelName(req.Channel); err != nil {
			return err
		}
	}
	for _, et := range req.EventTypes {
		if err := v.ValidateEventType(et); err != nil {
			return err
		}
	}
	if req.MaxEvents < 0 {
		return fmt.Errorf("maxEvents must not be negative")
	}
	if req.ReplayRate < 0 {
		return fmt.Errorf("replayRateEventsPerSec must not be negative")
	}
	if req.ReplayRate > MaxReplayRate {
		return fmt.Errorf("replayRateEventsPerSec exceeds limit of %d", MaxReplayRate)
	}
	return nil
}

// ValidateEndpointRequest checks a webhook endpoint registration. Optional
// fields left empty are defaulted downstream; only supplied values are
// checked here.
func (v *Validator) ValidateEndpointRequest(req *apix.RegisterEndpointRequest) error {
	if req == nil {
		return fmt.Errorf("request cannot be nil")
	}
	if req.URL == "" {
		return fmt.Errorf("url is required")
	}
	switch req.Method {
	case "", "POST", "PUT", "PATCH":
	default:
		return fmt.Errorf("method %q is invalid: must be POST, PUT, or PATCH", req.Method)
	}
	if req.Semantics != "" && !models.DeliverySemantics(req.Semantics).Valid() {
		return fmt.Errorf("semantics %q is invalid: must be AT_MOST_ONCE, AT_LEAST_ONCE, or EXACTLY_ONCE", req.Semantics)
	}
	if req.TimeoutMs < 0 {
		return fmt.Errorf("timeoutMs must not be negative")
	}
	if req.TimeoutMs > MaxDeliveryTimeoutMs {
		return fmt.Errorf("timeoutMs exceeds limit of %d", MaxDeliveryTimeoutMs)
	}
	if req.RetryPolicy != nil {
		if err := v.ValidateRetryPolicy(req.RetryPolicy); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRetryPolicy checks a retry policy supplied by a client.
func (v *Validator) ValidateRetryPolicy(policy *models.RetryPolicy) error {
	if policy == nil {
		return fmt.Errorf("retry policy cannot be nil")
	}
	if policy.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be at least 1")
	}
	if policy.MaxAttempts > MaxRetryAttempts {
		return fmt.Errorf("maxAttempts exceeds limit of %d", MaxRetryAttempts)
	}
	switch policy.Backoff {
	case models.BackoffFixed, models.BackoffLinear, models.BackoffExponential, models.BackoffAdaptive:
	default:
		return fmt.Errorf("backoff %q is invalid: must be FIXED, LINEAR, EXPONENTIAL, or ADAPTIVE", policy.Backoff)
	}
	if policy.BaseDelayMs <= 0 {
		return fmt.Errorf("baseDelayMs must be positive")
	}
	if policy.MaxDelayMs < policy.BaseDelayMs {
		return fmt.Errorf("maxDelayMs must not be less than baseDelayMs")
	}
	return nil
}
