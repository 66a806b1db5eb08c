// Package audit implements the append-only audit ring. Every mutating action
// in the gateway produces exactly one record here; records are graded by
// severity and category, indexed on a per-tenant timeline, and streamed as
// real-time alerts when they indicate trouble.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logstore"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/redis"
)

const (
	// anomalyWindow and anomalyThreshold implement the suspicious-activity
	// rule: this many HIGH/CRITICAL records from one user inside the window
	// fires a security event.
	anomalyWindow    = 5 * time.Minute
	anomalyThreshold = 10

	// ActionSuspiciousActivity is the synthetic action written when the
	// anomaly detector trips.
	ActionSuspiciousActivity = "SUSPICIOUS_ACTIVITY"
)

// Alert is the real-time notification published for records at or above
// HIGH severity, failures, and anomaly detections. It aliases the shared
// wire type so the hub relay decodes the same shape the ring publishes.
type Alert = models.AuditAlert

// Details carries the optional parts of one audit record. Success must be
// set explicitly by every call site.
type Details struct {
	ResourceID string
	OldValues  models.JSONB
	NewValues  models.JSONB
	Success    bool
	Error      string
	IPAddress  string
	UserAgent  string
}

// Ring stores audit records in the KV store with a retention TTL, keeps a
// per-tenant timeline for range queries, and runs the anomaly detector.
type Ring struct {
	store     *logstore.Store
	alerts    *redis.TypedPubSub[Alert]
	retention time.Duration
	logger    logging.Logger
}

func NewRing(store *logstore.Store, alerts *redis.TypedPubSub[Alert], retention time.Duration, logger logging.Logger) *Ring {
	return &Ring{store: store, alerts: alerts, retention: retention, logger: logger}
}

// LogEvent writes one audit record for the principal's action. Severity and
// category are derived from the action and resource type; the record is never
// mutated afterwards. Returns the stored record.
func (r *Ring) LogEvent(ctx context.Context, principal *models.Principal, action, resourceType string, d Details) (*models.AuditRecord, error) {
	record := r.buildRecord(principal, action, resourceType, d)
	if err := r.persist(ctx, record); err != nil {
		return nil, err
	}

	r.publishAlerts(ctx, record)

	if record.Severity.AtLeast(models.SeverityHigh) && record.UserID != nil {
		r.trackAnomaly(ctx, record)
	}
	return record, nil
}

func (r *Ring) buildRecord(principal *models.Principal, action, resourceType string, d Details) *models.AuditRecord {
	severity := DeriveSeverity(action, d.Success)
	record := &models.AuditRecord{
		ID:           uuid.New().String(),
		OrgID:        principal.OrgID,
		UserID:       principal.UserIDPtr(),
		Action:       action,
		ResourceType: resourceType,
		Success:      d.Success,
		Severity:     severity,
		Category:     DeriveCategory(action, resourceType),
		OldValues:    d.OldValues,
		NewValues:    d.NewValues,
		Error:        d.Error,
		Timestamp:    time.Now().UTC(),
		IPAddress:    d.IPAddress,
		UserAgent:    d.UserAgent,
	}
	if d.ResourceID != "" {
		id := d.ResourceID
		record.ResourceID = &id
	}
	return record
}

func (r *Ring) persist(ctx context.Context, record *models.AuditRecord) error {
	if err := r.store.SetJSON(ctx, redis.KeyAudit(record.OrgID, record.ID), record, r.retention); err != nil {
		return fmt.Errorf("store audit record: %w", err)
	}

	timeline := redis.KeyAuditTimeline(record.OrgID)
	score := float64(record.Timestamp.UnixMilli())
	if err := r.store.ZAdd(ctx, timeline, score, record.ID); err != nil {
		return fmt.Errorf("index audit record: %w", err)
	}

	// The timeline is a ring: entries older than the retention window are
	// trimmed on every write so it cannot grow without bound.
	cutoff := float64(time.Now().Add(-r.retention).UnixMilli())
	if _, err := r.store.ZTrimBefore(ctx, timeline, cutoff); err != nil {
		r.logger.WithError(err).WithField("org_id", record.OrgID).Warn("Failed to trim audit timeline")
	}
	return nil
}

// publishAlerts streams the record when it merits attention. Alert delivery
// is best-effort; the durable record is already written.
func (r *Ring) publishAlerts(ctx context.Context, record *models.AuditRecord) {
	var reason string
	switch {
	case record.Action == ActionSuspiciousActivity:
		reason = "anomaly"
	case !record.Success:
		reason = "failure"
	case record.Severity.AtLeast(models.SeverityHigh):
		reason = "severity"
	default:
		return
	}

	alert := Alert{Reason: reason, Record: *record}
	if err := r.alerts.Publish(ctx, redis.KeyAuditAlerts(record.OrgID), alert); err != nil {
		r.logger.WithError(err).WithFields(logging.Fields{
			"org_id":   record.OrgID,
			"audit_id": record.ID,
		}).Warn("Failed to publish audit alert")
	}
}

// trackAnomaly counts recent HIGH/CRITICAL records per user and fires a
// SUSPICIOUS_ACTIVITY security event at the threshold. The window is cleared
// after firing so one burst produces one event.
func (r *Ring) trackAnomaly(ctx context.Context, record *models.AuditRecord) {
	key := redis.KeyAuditAnomaly(record.OrgID, *record.UserID)
	now := record.Timestamp

	if err := r.store.ZAdd(ctx, key, float64(now.UnixMilli()), record.ID); err != nil {
		r.logger.WithError(err).Warn("Failed to track anomaly window")
		return
	}
	windowStart := float64(now.Add(-anomalyWindow).UnixMilli())
	if _, err := r.store.ZTrimBefore(ctx, key, windowStart); err != nil {
		r.logger.WithError(err).Warn("Failed to trim anomaly window")
	}

	count, err := r.store.ZCount(ctx, key, windowStart, float64(now.UnixMilli()))
	if err != nil {
		r.logger.WithError(err).Warn("Failed to count anomaly window")
		return
	}
	if count < anomalyThreshold {
		return
	}

	if err := r.store.Delete(ctx, key); err != nil {
		r.logger.WithError(err).Warn("Failed to reset anomaly window")
	}

	security := r.buildRecord(&models.Principal{OrgID: record.OrgID, UserID: *record.UserID},
		ActionSuspiciousActivity, "security", Details{
			Success: false,
			Error:   fmt.Sprintf("%d high-severity actions within %s", count, anomalyWindow),
		})
	security.Category = models.CategorySecurityEvent
	security.Severity = models.SeverityCritical

	if err := r.persist(ctx, security); err != nil {
		r.logger.WithError(err).WithFields(logging.Fields{
			"org_id":  record.OrgID,
			"user_id": *record.UserID,
		}).Error("Failed to record suspicious activity")
		return
	}
	r.publishAlerts(ctx, security)

	r.logger.WithFields(logging.Fields{
		"org_id":  record.OrgID,
		"user_id": *record.UserID,
		"count":   count,
	}).Warn("Suspicious activity detected")
}

// Query options for reading the timeline. Zero From/To mean unbounded;
// MinSeverity filters out lower grades; Limit caps the result (0 = all).
type Query struct {
	From        time.Time
	To          time.Time
	MinSeverity models.AuditSeverity
	Limit       int
}

// Query returns records in timestamp order for one tenant. Records whose KV
// entry has expired are dropped from the result and from the timeline.
func (r *Ring) Query(ctx context.Context, orgID string, q Query) ([]models.AuditRecord, error) {
	min := float64(0)
	if !q.From.IsZero() {
		min = float64(q.From.UnixMilli())
	}
	max := float64(time.Now().Add(time.Hour).UnixMilli())
	if !q.To.IsZero() {
		max = float64(q.To.UnixMilli())
	}

	ids, err := r.store.ZRangeByScore(ctx, redis.KeyAuditTimeline(orgID), min, max, 0)
	if err != nil {
		return nil, fmt.Errorf("query audit timeline: %w", err)
	}

	records := make([]models.AuditRecord, 0, len(ids))
	for _, id := range ids {
		var record models.AuditRecord
		found, err := r.store.GetJSON(ctx, redis.KeyAudit(orgID, id), &record)
		if err != nil {
			return nil, fmt.Errorf("load audit record %s: %w", id, err)
		}
		if !found {
			continue
		}
		if q.MinSeverity != "" && !record.Severity.AtLeast(q.MinSeverity) {
			continue
		}
		records = append(records, record)
		if q.Limit > 0 && len(records) >= q.Limit {
			break
		}
	}
	return records, nil
}

// Alerts consumes the tenant's alert channel until ctx is cancelled.
func (r *Ring) Alerts(ctx context.Context, orgID string, handler func(Alert)) error {
	return r.alerts.Subscribe(ctx, func(_ string, alert Alert) { handler(alert) }, redis.KeyAuditAlerts(orgID))
}

// DeriveSeverity grades an action. Destructive verbs grade highest; any
// failure is raised to at least HIGH regardless of the verb.
func DeriveSeverity(action string, success bool) models.AuditSeverity {
	severity := models.SeverityLow
	a := strings.ToLower(action)
	switch {
	case containsAny(a, "delete", "purge"):
		severity = models.SeverityCritical
	case containsAny(a, "update", "modify", "grant", "revoke"):
		severity = models.SeverityHigh
	case containsAny(a, "create", "login", "logout"):
		severity = models.SeverityMedium
	}
	if !success && !severity.AtLeast(models.SeverityHigh) {
		severity = models.SeverityHigh
	}
	return severity
}

// DeriveCategory buckets an action/resource pair for compliance queries.
func DeriveCategory(action, resourceType string) models.AuditCategory {
	a := strings.ToLower(action)
	res := strings.ToLower(resourceType)
	switch {
	case containsAny(a, "login", "logout", "authenticate", "token", "refresh"):
		return models.CategoryAuthentication
	case containsAny(a, "grant", "revoke", "permission") || containsAny(res, "role", "permission"):
		return models.CategoryAuthorization
	case containsAny(res, "security") || containsAny(a, "suspicious"):
		return models.CategorySecurityEvent
	case containsAny(a, "connect", "disconnect") || containsAny(res, "session", "connection"):
		return models.CategorySystemAccess
	case containsAny(a, "create", "update", "delete", "modify", "purge", "publish", "write", "redrive", "ack"):
		return models.CategoryDataModification
	case containsAny(a, "read", "list", "get", "query", "replay", "export"):
		return models.CategoryDataAccess
	default:
		return models.CategoryCompliance
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
