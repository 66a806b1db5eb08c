// Package validation provides schema and semantic validation for gateway
// frames, events, and REST request bodies. Gin's binding tags cover the
// structural layer at the HTTP edge; this package owns the rules that
// depend on gateway semantics, such as channel grammar, priority ordering,
// and subscribe limits, so that WebSocket frames and REST payloads are
// held to the same contract.
package validation

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

const (
	// MaxChannelsPerSubscribe caps how many channels a single subscribe
	// frame may carry. Larger batches must be split by the client.
	MaxChannelsPerSubscribe = 50

	// MaxNameLength bounds channel names and event types so they stay
	// usable inside Redis key paths.
	MaxNameLength = 200

	// MaxReplayRate is the highest replayRateEventsPerSec a client may
	// request. Zero means unthrottled.
	MaxReplayRate = 10000
)

var (
	channelNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	eventTypeRe   = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// Validator validates frames, events, and request bodies for the gateway.
type Validator struct {
	validator *validator.Validate
}

// NewValidator creates a validator with the gateway's custom rules
// registered.
func NewValidator() *Validator {
	v := validator.New()

	// Tag validators so struct-tagged request types can reuse the same
	// grammar as the frame-level checks below.
	v.RegisterValidation("channelname", func(fl validator.FieldLevel) bool {
		return channelNameRe.MatchString(fl.Field().String())
	})
	v.RegisterValidation("eventtype", func(fl validator.FieldLevel) bool {
		return eventTypeRe.MatchString(fl.Field().String())
	})

	return &Validator{validator: v}
}

// FieldErrors flattens a struct-tag validation error into per-field
// messages. Errors that are not validator.ValidationErrors (malformed
// JSON, wrong types) return nil so callers can fall back to a
// single-message rendering.
func FieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describeRule(fe)
	}
	return fields
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "channelname":
		return "must match [A-Za-z0-9_-]+"
	case "eventtype":
		return "must match [A-Za-z0-9_.-]+"
	default:
		return "violates rule " + fe.Tag()
	}
}

// ValidateChannelName checks a channel name against the gateway grammar:
// one or more of [A-Za-z0-9_-], bounded by MaxNameLength.
func (v *Validator) ValidateChannelName(name string) error {
	if name == "" {
		return fmt.Errorf("channel name is required")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("channel name exceeds %d characters", MaxNameLength)
	}
	if err := v.validator.Var(name, "channelname"); err != nil {
		return fmt.Errorf("channel name %q is invalid: must match [A-Za-z0-9_-]+", name)
	}
	return nil
}

// ValidateEventType checks an event type against the gateway grammar:
// one or more of [A-Za-z0-9_.-], bounded by MaxNameLength.
func (v *Validator) ValidateEventType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	if len(eventType) > MaxNameLength {
		return fmt.Errorf("event type exceeds %d characters", MaxNameLength)
	}
	if err := v.validator.Var(eventType, "eventtype"); err != nil {
		return fmt.Errorf("event type %q is invalid: must match [A-Za-z0-9_.-]+", eventType)
	}
	return nil
}

// ValidatePriority checks an event priority. The empty string is allowed
// and means the caller will default it to NORMAL.
func (v *Validator) ValidatePriority(priority models.EventPriority) error {
	if priority == "" {
		return nil
	}
	if !priority.Valid() {
		return fmt.Errorf("priority %q is invalid: must be one of LOW, NORMAL, HIGH, CRITICAL, URGENT", priority)
	}
	return nil
}

// ValidateEvent checks an event before it is appended to the log.
func (v *Validator) ValidateEvent(event *models.Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.OrgID == "" {
		return fmt.Errorf("organization ID is required")
	}
	if err := v.ValidateEventType(event.EventType); err != nil {
		return err
	}
	if err := v.ValidateChannelName(event.Channel); err != nil {
		return err
	}
	if err := v.ValidatePriority(event.Priority); err != nil {
		return err
	}
	return nil
}

// ValidateFilters checks subscription filters. A nil filter set is valid
// and matches every event.
func (v *Validator) ValidateFilters(filters *models.SubscriptionFilters) error {
	if filters == nil {
		return nil
	}
	for _, et := range filters.EventTypes {
		if err := v.ValidateEventType(et); err != nil {
			return fmt.Errorf("filter %w", err)
		}
	}
	if err := v.ValidatePriority(filters.MinPriority); err != nil {
		return fmt.Errorf("filter %w", err)
	}
	return nil
}

// ValidateFrame checks an inbound WebSocket frame. The frame type selects
// which fields are required; unknown types are rejected so clients get a
// deterministic error instead of silence.
func (v *Validator) ValidateFrame(frame *apix.ClientFrame) error {
	if frame == nil {
		return fmt.Errorf("frame cannot be nil")
	}

	switch frame.Type {
	case apix.FrameSubscribe:
		return v.validateSubscribeFrame(frame)
	case apix.FrameUnsubscribe:
		return v.validateUnsubscribeFrame(frame)
	case apix.FramePublish:
		return v.validatePublishFrame(frame)
	case apix.FramePing:
		return nil
	case apix.FrameAck:
		return v.validateAckFrame(frame)
	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

func (v *Validator) validateSubscribeFrame(frame *apix.ClientFrame) error {
	// An empty channel list is a no-op, not an error.
	if len(frame.Channels) > MaxChannelsPerSubscribe {
		return fmt.Errorf("subscribe requests %d channels, limit is %d", len(frame.Channels), MaxChannelsPerSubscribe)
	}
	for _, name := range frame.Channels {
		if err := v.ValidateChannelName(name); err != nil {
			return err
		}
	}
	return v.ValidateFilters(frame.Filters)
}

func (v *Validator) validateUnsubscribeFrame(frame *apix.ClientFrame) error {
	for _, name := range frame.Channels {
		if err := v.ValidateChannelName(name); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validatePublishFrame(frame *apix.ClientFrame) error {
	if err := v.ValidateEventType(frame.EventType); err != nil {
		return err
	}
	if err := v.ValidateChannelName(frame.Channel); err != nil {
		return err
	}
	if frame.Payload == nil {
		return fmt.Errorf("payload is required for publish frames")
	}
	return v.ValidatePriority(frame.Priority)
}

func (v *Validator) validateAckFrame(frame *apix.ClientFrame) error {
	if frame.MessageID == "" {
		return fmt.Errorf("messageId is required for ack frames")
	}
	return nil
}
