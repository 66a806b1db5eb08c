// Package ingest bridges Kafka topics onto the event router. External
// producers publish PublishRequest records to the ingest topic; a consumer
// group reads them and pushes each through the same validated publish path
// as WebSocket and REST clients, so routing, metering, dedup, and the log
// behave identically regardless of ingress.
//
// Error handling follows the consumer's commit contract: a nil return
// commits the record, a non-nil return blocks the partition so the record
// is replayed after restart. Poison records (undecodable, invalid, org
// mismatch) and quota rejections are parked on the owner's dead-letter
// stream and committed; only infrastructure failures propagate.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/audit"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/metrics"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/quota"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/router"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/kafka"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// Config carries the bridge's topic identity.
type Config struct {
	Topic        string
	ConsumerName string
}

// DefaultConfig returns the standard ingest topic wiring.
func DefaultConfig() Config {
	return Config{Topic: "apix_events", ConsumerName: "apix-gateway"}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Topic == "" {
		c.Topic = d.Topic
	}
	if c.ConsumerName == "" {
		c.ConsumerName = d.ConsumerName
	}
	return c
}

// TenantGate answers whether a tenant may receive ingested traffic.
// Satisfied by *tenant.Directory.
type TenantGate interface {
	TenantActive(ctx context.Context, orgID string) (bool, error)
}

// Bridge turns consumed Kafka records into published events.
type Bridge struct {
	publisher *router.Publisher
	log       *eventlog.Log
	tenants   TenantGate
	audit     *audit.Ring
	metrics   *metrics.Metrics
	cfg       Config
	logger    logging.Logger
}

// NewBridge wires the ingest path. ring may be nil to skip audit emission
// (tests exercising only the commit contract); m may be nil to skip
// instrument updates.
func NewBridge(publisher *router.Publisher, log *eventlog.Log, tenants TenantGate, ring *audit.Ring, m *metrics.Metrics, cfg Config, logger logging.Logger) *Bridge {
	return &Bridge{
		publisher: publisher,
		log:       log,
		tenants:   tenants,
		audit:     ring,
		metrics:   m,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Topic returns the topic the bridge consumes.
func (b *Bridge) Topic() string {
	return b.cfg.Topic
}

// Handler returns the record handler to register on the consumer for the
// bridge's topic.
func (b *Bridge) Handler() kafka.Handler {
	return b.handle
}

func (b *Bridge) handle(ctx context.Context, msg kafka.Message) error {
	started := time.Now()
	status, err := b.process(ctx, msg)
	if b.metrics != nil {
		b.metrics.KafkaMessages.WithLabelValues(msg.Topic, "consume", status).Inc()
		b.metrics.KafkaDuration.WithLabelValues("consume").Observe(time.Since(started).Seconds())
	}
	return err
}

func (b *Bridge) process(ctx context.Context, msg kafka.Message) (string, error) {
	var req router.PublishRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		b.park(ctx, msg, orgIDOf(msg), eventlog.ReasonPoisonMessage, fmt.Errorf("decode publish request: %w", err))
		return "poison", nil
	}

	orgID := req.OrganizationID
	if orgID == "" {
		orgID = orgIDOf(msg)
	}
	if orgID == "" {
		// Without an owner there is no tenant stream to park on.
		b.logger.WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Dropping ingest record without organizationId")
		return "dropped", nil
	}

	active, err := b.tenants.TenantActive(ctx, orgID)
	if err != nil {
		return "retry", fmt.Errorf("tenant lookup for %s: %w", orgID, err)
	}
	if !active {
		b.logger.WithFields(logging.Fields{
			"org_id": orgID,
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Dropping ingest record for unknown or suspended tenant")
		return "dropped", nil
	}

	principal := models.Principal{OrgID: orgID, Roles: []string{"service"}, AuthType: "service"}
	req.OrganizationID = orgID

	copies, err := b.publisher.Publish(ctx, principal, req)
	b.recordAudit(ctx, principal, msg, copies, err)
	switch {
	case err == nil:
		if b.metrics != nil {
			b.metrics.EventsPublished.WithLabelValues(req.EventType, req.Channel).Inc()
			for _, ev := range copies {
				b.metrics.EventsRouted.WithLabelValues(ev.Channel).Inc()
			}
		}
		return "ok", nil
	case errors.Is(err, eventlog.ErrDuplicate):
		// At-least-once redelivery; the dedup gate already holds this record.
		return "duplicate", nil
	case errors.Is(err, quota.ErrQuotaExceeded):
		if b.metrics != nil {
			b.metrics.QuotaRejections.WithLabelValues("messages").Inc()
		}
		b.park(ctx, msg, orgID, eventlog.ReasonQuotaExceeded, err)
		return "quota", nil
	case errors.Is(err, router.ErrInvalidEvent), errors.Is(err, router.ErrOrgMismatch):
		b.park(ctx, msg, orgID, eventlog.ReasonPoisonMessage, err)
		return "poison", nil
	default:
		return "retry", err
	}
}

// recordAudit stamps one publish attempt from the ingest surface, success or
// failure. Audit write failures are logged and never change the commit
// decision; a retried record audits again on its next attempt.
func (b *Bridge) recordAudit(ctx context.Context, principal models.Principal, msg kafka.Message, copies []*models.Event, opErr error) {
	if b.audit == nil {
		return
	}
	d := audit.Details{Success: opErr == nil}
	if opErr != nil {
		d.Error = opErr.Error()
	} else if len(copies) > 0 {
		d.ResourceID = copies[0].ID
		d.NewValues = models.JSONB{
			"eventType": copies[0].EventType,
			"channel":   copies[0].Channel,
			"copies":    len(copies),
			"topic":     msg.Topic,
			"offset":    msg.Offset,
		}
	}
	if _, err := b.audit.LogEvent(ctx, &principal, "event.publish", "event", d); err != nil {
		b.logger.WithError(err).WithField("org_id", principal.OrgID).Warn("Failed to write audit record")
	}
}

// park encodes the original record and appends it to the tenant's DLQ. A
// record that cannot even be attributed is dropped with a log line; the
// partition must not stall on garbage.
func (b *Bridge) park(ctx context.Context, msg kafka.Message, orgID, reason string, cause error) {
	if orgID == "" {
		b.logger.WithError(cause).WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Dropping unattributable poison record")
		return
	}
	raw, err := kafka.EncodeDLQMessage(msg, cause, b.cfg.ConsumerName)
	if err != nil {
		b.logger.WithError(err).Error("Failed to encode DLQ payload")
		return
	}
	entry := &models.DLQEntry{
		OrgID:  orgID,
		Reason: reason,
		Error:  cause.Error(),
		Raw:    string(raw),
	}
	if _, err := b.log.Park(ctx, entry); err != nil {
		b.logger.WithError(err).WithField("org_id", orgID).Error("Failed to park poison record")
		return
	}
	b.logger.WithFields(logging.Fields{
		"org_id": orgID,
		"topic":  msg.Topic,
		"offset": msg.Offset,
		"reason": reason,
	}).Warn("Ingest record parked to DLQ")
}

func orgIDOf(msg kafka.Message) string {
	var probe struct {
		OrgID string `json:"organizationId"`
	}
	if err := json.Unmarshal(msg.Value, &probe); err == nil && probe.OrgID != "" {
		return probe.OrgID
	}
	if org, ok := msg.Headers["org_id"]; ok {
		return org
	}
	return msg.Headers["orgId"]
}
