// Package connections owns the live session registry: who is connected,
// how healthy the link is, and whether a quiet session is worth waiting
// for. The registry is process-local; the tenant-wide session quota rides
// the shared counters so multiple gateways stay within one budget.
package connections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/quota"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

var (
	ErrSessionExists     = errors.New("connections: session already registered")
	ErrSessionNotFound   = errors.New("connections: session not found")
	ErrSessionTerminal   = errors.New("connections: session is terminal")
	ErrRateLimited       = errors.New("connections: rate limited")
	ErrInvalidTransition = errors.New("connections: invalid status transition")
)

// qualityWindow is how many heartbeat samples feed the windowed average.
const qualityWindow = 8

// SessionGate admits sessions against the tenant budget. Satisfied by
// *quota.Manager.
type SessionGate interface {
	MaxSessions(ctx context.Context, orgID string) int
	AcquireResource(ctx context.Context, orgID, resource string, max int64) error
	ReleaseResource(ctx context.Context, orgID, resource string) error
}

// ReconnectPolicy shapes the wait for a quiet session to come back.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// RatePolicy is the per-session fixed-window message budget.
type RatePolicy struct {
	Limit  int
	Window time.Duration
}

// Options tunes the registry.
type Options struct {
	// HeartbeatInterval is the expected client cadence; the sweeper treats
	// MissFactor straight misses as a lost link.
	HeartbeatInterval time.Duration
	MissFactor        int
	Reconnect         ReconnectPolicy
	Rate              RatePolicy
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.MissFactor <= 0 {
		o.MissFactor = 3
	}
	if o.Reconnect.BaseDelay <= 0 {
		o.Reconnect.BaseDelay = time.Second
	}
	if o.Reconnect.MaxDelay <= 0 {
		o.Reconnect.MaxDelay = 30 * time.Second
	}
	if o.Reconnect.MaxAttempts <= 0 {
		o.Reconnect.MaxAttempts = 10
	}
	if o.Rate.Limit <= 0 {
		o.Rate.Limit = 100
	}
	if o.Rate.Window <= 0 {
		o.Rate.Window = time.Minute
	}
	return o
}

// HeartbeatResult reports one heartbeat's measured latency and the session's
// windowed quality after absorbing it.
type HeartbeatResult struct {
	LatencyMs int64
	Quality   models.ConnectionQuality
}

type sessionState struct {
	session   models.Session
	latencies []int64

	rateCounts map[string]int
	rateStart  map[string]time.Time

	reconnectTimer *time.Timer
	quotaReleased  bool
}

// Registry is the live session table. All methods are safe for concurrent
// use; timers fire on their own goroutines and re-enter through the lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	byOrg    map[string]map[string]bool

	opts   Options
	gate   SessionGate
	logger logging.Logger

	// Evicted, when set, observes terminal transitions so the gateway can
	// tear down transport state.
	Evicted func(session models.Session, reason string)
}

// NewRegistry builds a registry. gate may be nil in tests to skip quota.
func NewRegistry(opts Options, gate SessionGate, logger logging.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionState),
		byOrg:    make(map[string]map[string]bool),
		opts:     opts.withDefaults(),
		gate:     gate,
		logger:   logger,
	}
}

// Register admits a new session for the principal. A blank sessionID gets a
// generated one. The tenant's concurrent-session quota is charged before the
// session becomes visible.
func (r *Registry) Register(ctx context.Context, sessionID string, principal models.Principal, clientType models.ClientType, meta models.JSONB) (*models.Session, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if !clientType.Valid() {
		return nil, fmt.Errorf("connections: unknown client type %q", clientType)
	}

	if r.gate != nil {
		max := int64(r.gate.MaxSessions(ctx, principal.OrgID))
		if err := r.gate.AcquireResource(ctx, principal.OrgID, quota.ResourceSessions, max); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	session := models.Session{
		SessionID:       sessionID,
		OrgID:           principal.OrgID,
		UserID:          principal.UserIDPtr(),
		ClientType:      clientType,
		Status:          models.SessionConnected,
		Quality:         models.QualityExcellent,
		Channels:        []string{},
		ConnectedAt:     now,
		LastHeartbeatAt: now,
		Metadata:        meta,
	}

	r.mu.Lock()
	if _, exists := r.sessions[sessionID]; exists {
		r.mu.Unlock()
		if r.gate != nil {
			if err := r.gate.ReleaseResource(ctx, principal.OrgID, quota.ResourceSessions); err != nil {
				r.logger.WithError(err).WithField("org_id", principal.OrgID).Warn("Failed to release session slot after duplicate register")
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	r.sessions[sessionID] = &sessionState{
		session:    session,
		rateCounts: make(map[string]int),
		rateStart:  make(map[string]time.Time),
	}
	if r.byOrg[session.OrgID] == nil {
		r.byOrg[session.OrgID] = make(map[string]bool)
	}
	r.byOrg[session.OrgID][sessionID] = true
	r.mu.Unlock()

	r.logger.WithFields(logging.Fields{
		"session_id":  sessionID,
		"org_id":      session.OrgID,
		"client_type": clientType,
	}).Info("Session registered")
	out := session
	return &out, nil
}

// Heartbeat absorbs one client ping. Latency is now − clientSent, clamped at
// zero for skewed clocks; quality classifies the mean of the last samples.
// A heartbeat from a RECONNECTING session proves the link recovered.
func (r *Registry) Heartbeat(sessionID string, clientSent time.Time) (*HeartbeatResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if terminal(st.session.Status) {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionTerminal, sessionID, st.session.Status)
	}

	now := time.Now().UTC()
	latency := now.Sub(clientSent).Milliseconds()
	if latency < 0 {
		latency = 0
	}

	st.latencies = append(st.latencies, latency)
	if len(st.latencies) > qualityWindow {
		st.latencies = st.latencies[len(st.latencies)-qualityWindow:]
	}
	quality := classify(mean(st.latencies))

	st.session.LatencyMs = latency
	st.session.Quality = quality
	st.session.LastHeartbeatAt = now
	if st.session.Status == models.SessionReconnecting {
		r.recoverLocked(st)
	}

	return &HeartbeatResult{LatencyMs: latency, Quality: quality}, nil
}

// UpdateStatus applies one transition of the session state machine.
func (r *Registry) UpdateStatus(sessionID string, status models.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	from := st.session.Status
	if !transitionOK(from, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	switch status {
	case models.SessionConnected:
		r.recoverLocked(st)
	case models.SessionDisconnected, models.SessionFailed:
		r.terminateLocked(st, status)
	default:
		st.session.Status = status
	}
	return nil
}

// ScheduleReconnect moves the session to RECONNECTING, charges one attempt,
// and arms the next probe timer. When the attempt budget is spent the
// session fails. Returns the armed delay (zero when the session failed).
func (r *Registry) ScheduleReconnect(sessionID string) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if terminal(st.session.Status) {
		return 0, fmt.Errorf("%w: %s is %s", ErrSessionTerminal, sessionID, st.session.Status)
	}

	if st.session.ReconnectAttempts >= r.opts.Reconnect.MaxAttempts {
		r.terminateLocked(st, models.SessionFailed)
		r.logger.WithFields(logging.Fields{
			"session_id": sessionID,
			"attempts":   st.session.ReconnectAttempts,
		}).Warn("Session failed after exhausting reconnect attempts")
		return 0, nil
	}
	st.session.Status = models.SessionReconnecting
	st.session.ReconnectAttempts++

	delay := r.opts.Reconnect.BaseDelay << (st.session.ReconnectAttempts - 1)
	if delay > r.opts.Reconnect.MaxDelay || delay <= 0 {
		delay = r.opts.Reconnect.MaxDelay
	}
	if st.reconnectTimer != nil {
		st.reconnectTimer.Stop()
	}
	st.reconnectTimer = time.AfterFunc(delay, func() { r.reconnectTick(sessionID) })
	return delay, nil
}

// reconnectTick fires when a probe window elapses without recovery.
func (r *Registry) reconnectTick(sessionID string) {
	r.mu.RLock()
	st, ok := r.sessions[sessionID]
	still := ok && st.session.Status == models.SessionReconnecting
	r.mu.RUnlock()
	if !still {
		return
	}
	if _, err := r.ScheduleReconnect(sessionID); err != nil {
		r.logger.WithError(err).WithField("session_id", sessionID).Debug("Reconnect ladder stopped")
	}
}

// Evict removes the session entirely, releasing its quota slot.
func (r *Registry) Evict(sessionID, reason string) error {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !terminal(st.session.Status) {
		r.terminateLocked(st, models.SessionDisconnected)
	}
	delete(r.sessions, sessionID)
	if orgSet := r.byOrg[st.session.OrgID]; orgSet != nil {
		delete(orgSet, sessionID)
		if len(orgSet) == 0 {
			delete(r.byOrg, st.session.OrgID)
		}
	}
	session := st.session
	r.mu.Unlock()

	r.logger.WithFields(logging.Fields{
		"session_id": sessionID,
		"org_id":     session.OrgID,
		"reason":     reason,
	}).Info("Session evicted")
	if r.Evicted != nil {
		r.Evicted(session, reason)
	}
	return nil
}

// CheckRate charges one unit of kind against the session's fixed window.
func (r *Registry) CheckRate(sessionID, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	now := time.Now()
	start, started := st.rateStart[kind]
	if !started || now.Sub(start) >= r.opts.Rate.Window {
		st.rateStart[kind] = now
		st.rateCounts[kind] = 0
	}
	st.rateCounts[kind]++
	if st.rateCounts[kind] > r.opts.Rate.Limit {
		return fmt.Errorf("%w: %s %s", ErrRateLimited, sessionID, kind)
	}
	return nil
}

// Get returns a copy of the session record.
func (r *Registry) Get(sessionID string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := st.session
	return &out, nil
}

// ForOrg returns copies of the tenant's sessions.
func (r *Registry) ForOrg(orgID string) []models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byOrg[orgID]
	out := make([]models.Session, 0, len(ids))
	for id := range ids {
		if st, ok := r.sessions[id]; ok {
			out = append(out, st.session)
		}
	}
	return out
}

// Count reports live (non-terminal) sessions for a tenant.
func (r *Registry) Count(orgID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for id := range r.byOrg[orgID] {
		if st, ok := r.sessions[id]; ok && !terminal(st.session.Status) {
			n++
		}
	}
	return n
}

// JoinChannel records a channel on the session.
func (r *Registry) JoinChannel(sessionID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	for _, c := range st.session.Channels {
		if c == channel {
			return nil
		}
	}
	st.session.Channels = append(st.session.Channels, channel)
	return nil
}

// LeaveChannel removes a channel from the session.
func (r *Registry) LeaveChannel(sessionID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	kept := st.session.Channels[:0]
	for _, c := range st.session.Channels {
		if c != channel {
			kept = append(kept, c)
		}
	}
	st.session.Channels = kept
	return nil
}

// Run sweeps for silent sessions until ctx ends. A CONNECTED session whose
// last heartbeat is older than MissFactor intervals moves to RECONNECTING
// and starts the probe ladder.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().UTC().Add(-time.Duration(r.opts.MissFactor) * r.opts.HeartbeatInterval)

	r.mu.RLock()
	var stale []string
	for id, st := range r.sessions {
		if st.session.Status == models.SessionConnected && st.session.LastHeartbeatAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		if _, err := r.ScheduleReconnect(id); err != nil {
			r.logger.WithError(err).WithField("session_id", id).Debug("Sweep could not schedule reconnect")
			continue
		}
		r.logger.WithField("session_id", id).Info("Session missed heartbeats, reconnecting")
	}
}

// recoverLocked returns a session to CONNECTED and disarms the probe ladder.
func (r *Registry) recoverLocked(st *sessionState) {
	st.session.Status = models.SessionConnected
	st.session.ReconnectAttempts = 0
	if st.reconnectTimer != nil {
		st.reconnectTimer.Stop()
		st.reconnectTimer = nil
	}
}

// terminateLocked parks a session in a terminal status and releases its
// quota slot exactly once.
func (r *Registry) terminateLocked(st *sessionState, status models.SessionStatus) {
	st.session.Status = status
	now := time.Now().UTC()
	st.session.DisconnectedAt = &now
	if st.reconnectTimer != nil {
		st.reconnectTimer.Stop()
		st.reconnectTimer = nil
	}
	if r.gate != nil && !st.quotaReleased {
		st.quotaReleased = true
		orgID := st.session.OrgID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.gate.ReleaseResource(ctx, orgID, quota.ResourceSessions); err != nil {
				r.logger.WithError(err).WithField("org_id", orgID).Warn("Failed to release session slot")
			}
		}()
	}
}

func terminal(s models.SessionStatus) bool {
	return s == models.SessionDisconnected || s == models.SessionFailed
}

// transitionOK encodes the session status machine. DISCONNECTED is reachable
// from anywhere and final; FAILED only follows a reconnect ladder.
func transitionOK(from, to models.SessionStatus) bool {
	if from == to {
		return true
	}
	if to == models.SessionDisconnected {
		return from != models.SessionDisconnected
	}
	switch from {
	case models.SessionConnected:
		return to == models.SessionReconnecting || to == models.SessionSuspended
	case models.SessionReconnecting:
		return to == models.SessionConnected || to == models.SessionFailed
	case models.SessionSuspended:
		return to == models.SessionConnected
	}
	return false
}

func classify(meanLatency int64) models.ConnectionQuality {
	switch {
	case meanLatency < 150:
		return models.QualityExcellent
	case meanLatency < 500:
		return models.QualityGood
	case meanLatency < 1500:
		return models.QualityPoor
	default:
		return models.QualityCritical
	}
}

func mean(samples []int64) int64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		sum += s
	}
	return sum / int64(len(samples))
}
