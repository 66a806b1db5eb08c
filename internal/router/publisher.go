package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/validation"
)

// ErrOrgMismatch rejects a publish whose body names a tenant other than the
// caller's. The body never selects the tenant; the check only exists to
// catch confused or malicious clients loudly.
var (
	ErrOrgMismatch  = errors.New("router: organizationId does not match caller")
	ErrInvalidEvent = errors.New("router: invalid event")
)

// PublishRequest is the transport-neutral publish body. The WS frame, the
// REST endpoint, and the ingest bridge all reduce to this shape.
type PublishRequest struct {
	EventType      string               `json:"eventType"`
	Channel        string               `json:"channel"`
	Payload        models.JSONB         `json:"payload,omitempty"`
	Metadata       models.JSONB         `json:"metadata,omitempty"`
	Priority       models.EventPriority `json:"priority,omitempty"`
	SessionID      string               `json:"sessionId,omitempty"`
	OrganizationID string               `json:"organizationId,omitempty"`
}

// MessageGate meters publishes against the tenant's message budget.
// Satisfied by *quota.Manager.
type MessageGate interface {
	AllowMessage(ctx context.Context, orgID string) error
}

// Publisher is the single validated entry point for events. Identity comes
// from the principal, never from the body.
type Publisher struct {
	router    *Router
	validator *validation.Validator
	messages  MessageGate
	logger    logging.Logger
}

// NewPublisher wires the publish path. messages may be nil to skip metering
// (trusted internal producers).
func NewPublisher(router *Router, validator *validation.Validator, messages MessageGate, logger logging.Logger) *Publisher {
	return &Publisher{router: router, validator: validator, messages: messages, logger: logger}
}

// Publish validates, stamps, meters, and routes one event. Returns the
// stored per-channel copies.
func (p *Publisher) Publish(ctx context.Context, principal models.Principal, req PublishRequest) ([]*models.Event, error) {
	if req.OrganizationID != "" && req.OrganizationID != principal.OrgID {
		return nil, fmt.Errorf("%w: body says %s, caller is %s", ErrOrgMismatch, req.OrganizationID, principal.OrgID)
	}

	event := models.Event{
		OrgID:     principal.OrgID,
		UserID:    principal.UserIDPtr(),
		EventType: req.EventType,
		Channel:   req.Channel,
		Payload:   req.Payload,
		Metadata:  req.Metadata,
		Priority:  req.Priority,
	}
	if req.SessionID != "" {
		sid := req.SessionID
		event.SessionID = &sid
	}
	if event.Priority == "" {
		event.Priority = models.PriorityNormal
	}
	if err := p.validator.ValidateEvent(&event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if p.messages != nil {
		if err := p.messages.AllowMessage(ctx, principal.OrgID); err != nil {
			return nil, err
		}
	}

	stored, err := p.router.Route(ctx, &event)
	if err != nil {
		return stored, err
	}
	p.logger.WithFields(logging.Fields{
		"org_id":     principal.OrgID,
		"event_type": event.EventType,
		"channels":   len(stored),
	}).Debug("Event published")
	return stored, nil
}
