// Package quota enforces per-tenant consumption limits: API calls per hour,
// session messages per minute, and live resource counts such as concurrent
// sessions. Counters live in the KV store under quota:{orgId}:* keys with
// window TTLs, so every gateway instance sees the same totals.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logstore"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/redis"
)

// ErrQuotaExceeded reports a crossed tenant limit. Callers map it to HTTP
// 429 or a RATE_LIMITED frame.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Resource names tracked by the usage gauges.
const (
	ResourceSessions      = "sessions"
	ResourceSubscriptions = "subscriptions"
	ResourceEndpoints     = "endpoints"
)

// Defaults carries the gateway-wide limits applied when a tenant's settings
// blob has no override.
type Defaults struct {
	APICallsPerHour     int64
	WSMessagesPerMinute int64
	MaxSessions         int
}

// SettingsSource resolves a tenant's quota overrides. Implemented by the
// tenant directory; a nil source means defaults apply everywhere.
type SettingsSource func(ctx context.Context, orgID string) (models.TenantSettings, error)

// Manager owns the quota counters for every tenant.
type Manager struct {
	store    *logstore.Store
	defaults Defaults
	settings SettingsSource
	logger   logging.Logger
}

func NewManager(store *logstore.Store, defaults Defaults, settings SettingsSource, logger logging.Logger) *Manager {
	return &Manager{store: store, defaults: defaults, settings: settings, logger: logger}
}

func (m *Manager) limits(ctx context.Context, orgID string) Defaults {
	limits := m.defaults
	if m.settings == nil {
		return limits
	}
	s, err := m.settings(ctx, orgID)
	if err != nil {
		// Missing settings never block traffic; defaults apply.
		m.logger.WithError(err).WithField("org_id", orgID).Debug("Quota settings lookup failed, using defaults")
		return limits
	}
	if s.APICallsPerHour > 0 {
		limits.APICallsPerHour = s.APICallsPerHour
	}
	if s.WSMessagesPerMinute > 0 {
		limits.WSMessagesPerMinute = s.WSMessagesPerMinute
	}
	if s.MaxSessions > 0 {
		limits.MaxSessions = s.MaxSessions
	}
	return limits
}

// AllowAPICall counts one API call against the tenant's hourly window and
// reports whether it fit. The counter still records rejected calls so the
// monitoring view shows attempted load.
func (m *Manager) AllowAPICall(ctx context.Context, orgID string) error {
	limit := m.limits(ctx, orgID).APICallsPerHour
	if limit <= 0 {
		return nil
	}

	key := redis.KeyQuotaAPICalls(orgID, time.Now().Unix()/3600)
	n, err := m.store.IncrWindow(ctx, key, 2*time.Hour)
	if err != nil {
		return fmt.Errorf("quota api_calls: %w", err)
	}
	if n > limit {
		return fmt.Errorf("%w: api_calls %d/%d this hour", ErrQuotaExceeded, n, limit)
	}
	return nil
}

// AllowMessage counts one session message against the tenant's per-minute
// window.
func (m *Manager) AllowMessage(ctx context.Context, orgID string) error {
	limit := m.limits(ctx, orgID).WSMessagesPerMinute
	if limit <= 0 {
		return nil
	}

	key := redis.KeyQuotaWSMessages(orgID, time.Now().Unix()/60)
	n, err := m.store.IncrWindow(ctx, key, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("quota ws_messages: %w", err)
	}
	if n > limit {
		return fmt.Errorf("%w: ws_messages %d/%d this minute", ErrQuotaExceeded, n, limit)
	}
	return nil
}

// MaxSessions returns the tenant's concurrent session ceiling.
func (m *Manager) MaxSessions(ctx context.Context, orgID string) int {
	return m.limits(ctx, orgID).MaxSessions
}

// AcquireResource bumps a usage gauge and fails when the result would cross
// max. On rejection the gauge is rolled back, so rejected requests hold no
// capacity. max <= 0 means unlimited.
func (m *Manager) AcquireResource(ctx context.Context, orgID, resource string, max int64) error {
	key := redis.KeyQuotaUsage(orgID, resource)
	n, err := m.store.IncrBy(ctx, key, 1)
	if err != nil {
		return fmt.Errorf("quota usage %s: %w", resource, err)
	}
	if max > 0 && n > max {
		if _, derr := m.store.IncrBy(ctx, key, -1); derr != nil {
			m.logger.WithError(derr).WithFields(logging.Fields{
				"org_id":   orgID,
				"resource": resource,
			}).Warn("Failed to roll back quota gauge")
		}
		return fmt.Errorf("%w: %s %d/%d", ErrQuotaExceeded, resource, n, max)
	}
	return nil
}

// ReleaseResource drops a usage gauge by one, clamping at zero so crashed
// sessions that double-release cannot underflow the gauge.
func (m *Manager) ReleaseResource(ctx context.Context, orgID, resource string) error {
	key := redis.KeyQuotaUsage(orgID, resource)
	n, err := m.store.IncrBy(ctx, key, -1)
	if err != nil {
		return fmt.Errorf("quota usage %s: %w", resource, err)
	}
	if n < 0 {
		if _, err := m.store.IncrBy(ctx, key, -n); err != nil {
			return fmt.Errorf("quota usage clamp %s: %w", resource, err)
		}
	}
	return nil
}

// Usage reads one resource gauge.
func (m *Manager) Usage(ctx context.Context, orgID, resource string) (int64, error) {
	return m.store.GetInt(ctx, redis.KeyQuotaUsage(orgID, resource))
}

// Snapshot is the monitoring view of a tenant's counters for the current
// windows.
type Snapshot struct {
	OrgID               string `json:"orgId"`
	APICallsThisHour    int64  `json:"apiCallsThisHour"`
	APICallsPerHour     int64  `json:"apiCallsPerHour"`
	MessagesThisMinute  int64  `json:"messagesThisMinute"`
	WSMessagesPerMinute int64  `json:"wsMessagesPerMinute"`
	Sessions            int64  `json:"sessions"`
	MaxSessions         int    `json:"maxSessions"`
	Subscriptions       int64  `json:"subscriptions"`
	Endpoints           int64  `json:"endpoints"`
}

// Snapshot assembles the tenant's current counters and effective limits.
func (m *Manager) Snapshot(ctx context.Context, orgID string) (*Snapshot, error) {
	limits := m.limits(ctx, orgID)
	now := time.Now().Unix()

	snap := &Snapshot{
		OrgID:               orgID,
		APICallsPerHour:     limits.APICallsPerHour,
		WSMessagesPerMinute: limits.WSMessagesPerMinute,
		MaxSessions:         limits.MaxSessions,
	}

	var err error
	if snap.APICallsThisHour, err = m.store.GetInt(ctx, redis.KeyQuotaAPICalls(orgID, now/3600)); err != nil {
		return nil, err
	}
	if snap.MessagesThisMinute, err = m.store.GetInt(ctx, redis.KeyQuotaWSMessages(orgID, now/60)); err != nil {
		return nil, err
	}
	if snap.Sessions, err = m.Usage(ctx, orgID, ResourceSessions); err != nil {
		return nil, err
	}
	if snap.Subscriptions, err = m.Usage(ctx, orgID, ResourceSubscriptions); err != nil {
		return nil, err
	}
	if snap.Endpoints, err = m.Usage(ctx, orgID, ResourceEndpoints); err != nil {
		return nil, err
	}
	return snap, nil
}
