// Package gateway terminates live client sessions. It owns the websocket
// hub (rooms, fan-out, backpressure), the cross-instance relay that mirrors
// events appended on other nodes, and the taps feeding the SSE surface.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/audit"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/connections"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/router"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/subscriptions"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/auth"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/redis"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/validation"
)

// Room name builders. Every session joins its org room, its user room, and
// one role room per principal role; channel rooms are joined on subscribe.
func roomOrg(orgID string) string              { return "org:" + orgID }
func roomUser(userID string) string            { return "user:" + userID }
func roomRole(orgID, role string) string       { return "role:" + orgID + ":" + role }
func roomChannel(orgID, channel string) string { return "channel:" + orgID + ":" + channel }

// Authenticator resolves handshake credentials into a principal.
// *auth.ContextBuilder satisfies it.
type Authenticator interface {
	BuildContext(ctx context.Context, material auth.CredentialMaterial) (models.Principal, error)
}

// Config tunes the hub. Zero values take defaults.
type Config struct {
	// InstanceID distinguishes this node's fanout notifications from
	// remote ones on the relay.
	InstanceID string
	// HeartbeatInterval is advertised in the connected frame and paces the
	// server-initiated heartbeat frames.
	HeartbeatInterval time.Duration
	// AuthWait bounds how long an unauthenticated socket may take to send
	// its first-frame auth token.
	AuthWait time.Duration
	// SlowGrace is the blocking window granted to HIGH and above events
	// when a session's send buffer is full.
	SlowGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.AuthWait <= 0 {
		c.AuthWait = 10 * time.Second
	}
	if c.SlowGrace <= 0 {
		c.SlowGrace = 250 * time.Millisecond
	}
	return c
}

// Deps are the collaborators the hub drives. Alerts may be nil to disable
// the admin alert relay; Notes may be nil on single-node deployments.
type Deps struct {
	Registry      *connections.Registry
	Subscriptions *subscriptions.Manager
	Publisher     *router.Publisher
	Auth          Authenticator
	Validator     *validation.Validator
	Audit         *audit.Ring
	Notes         *redis.TypedPubSub[eventlog.Notification]
	Alerts        *redis.TypedPubSub[models.AuditAlert]
	Logger        logging.Logger
}

// Counters is a snapshot of the hub's delivery accounting.
type Counters struct {
	Delivered  int64
	Dropped    int64
	SlowClosed int64
	TapDropped int64
}

// Hub tracks live clients and their room membership and fans routed events
// out to them. All exported methods are safe for concurrent use.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*Client]bool
	bySession map[string]*Client
	rooms     map[string]map[*Client]bool
	taps      map[*Tap]bool

	unregister chan *Client

	registry  *connections.Registry
	subs      *subscriptions.Manager
	publisher *router.Publisher
	auth      Authenticator
	validator *validation.Validator
	audit     *audit.Ring
	notes     *redis.TypedPubSub[eventlog.Notification]
	alerts    *redis.TypedPubSub[models.AuditAlert]
	cfg       Config
	logger    logging.Logger

	totalSessions int64
	delivered     int64
	dropped       int64
	slowClosed    int64
	tapDropped    int64
}

// New builds a hub and hooks session eviction so that registry-initiated
// terminations (reconnect exhaustion, sweeper) also close the transport.
func New(cfg Config, deps Deps) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		bySession:  make(map[string]*Client),
		rooms:      make(map[string]map[*Client]bool),
		taps:       make(map[*Tap]bool),
		unregister: make(chan *Client),
		registry:   deps.Registry,
		subs:       deps.Subscriptions,
		publisher:  deps.Publisher,
		auth:       deps.Auth,
		validator:  deps.Validator,
		audit:      deps.Audit,
		notes:      deps.Notes,
		alerts:     deps.Alerts,
		cfg:        cfg.withDefaults(),
		logger:     deps.Logger,
	}
	if h.registry != nil {
		prev := h.registry.Evicted
		h.registry.Evicted = func(session models.Session, reason string) {
			if prev != nil {
				prev(session, reason)
			}
			h.onEvicted(session.SessionID, reason)
		}
	}
	return h
}

// Run consumes the unregister queue until ctx is cancelled, then tears down
// every remaining client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.unregister:
			h.removeClient(client, "disconnect")
		case <-ctx.Done():
			h.mu.RLock()
			remaining := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				remaining = append(remaining, c)
			}
			h.mu.RUnlock()
			for _, c := range remaining {
				c.conn.Close()
				h.removeClient(c, "shutdown")
			}
			return
		}
	}
}

// RunRelay mirrors fanout notifications from other instances into local
// rooms and forwards audit alerts to tenant admin sessions. Blocks until
// ctx is cancelled.
func (h *Hub) RunRelay(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if h.notes != nil {
		g.Go(func() error {
			return h.notes.PSubscribe(ctx, redis.PatternFanout(), func(_ string, note eventlog.Notification) {
				if note.Event == nil || note.Origin == h.cfg.InstanceID {
					return
				}
				h.deliver(note.Event)
			})
		})
	}
	if h.alerts != nil {
		g.Go(func() error {
			return h.alerts.PSubscribe(ctx, redis.PatternAlerts(), func(_ string, alert models.AuditAlert) {
				h.forwardAlert(alert)
			})
		})
	}
	return g.Wait()
}

// Broadcast satisfies router.Broadcaster: it fans a stored event out to the
// local subscribers of its channel. Remote instances receive the same event
// through the relay.
func (h *Hub) Broadcast(event *models.Event) {
	h.deliver(event)
}

func (h *Hub) deliver(event *models.Event) {
	data, err := json.Marshal(apix.EventFrame{Type: apix.FrameEvent, Event: event})
	if err != nil {
		h.logger.WithError(err).Warn("Dropping undeliverable event frame")
		return
	}

	room := roomChannel(event.OrgID, event.Channel)
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	taps := make([]*Tap, 0, len(h.taps))
	for t := range h.taps {
		taps = append(taps, t)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if c.principal.OrgID != event.OrgID {
			continue
		}
		if !c.allows(event) {
			continue
		}
		if c.trySend(data, event.Priority) {
			atomic.AddInt64(&h.delivered, 1)
		} else {
			atomic.AddInt64(&h.dropped, 1)
		}
	}
	for _, t := range taps {
		if !t.wants(event) {
			continue
		}
		select {
		case t.Events <- event:
		default:
			atomic.AddInt64(&h.tapDropped, 1)
		}
	}
}

// BroadcastToUser delivers an event to every live session of one user.
// Subscription filters do not apply; the caller targeted the user
// explicitly. Returns the number of sessions reached.
func (h *Hub) BroadcastToUser(orgID, userID string, event *models.Event) int {
	return h.sendEventToRoom(roomUser(userID), orgID, event)
}

// BroadcastToOrg delivers an event to every live session of a tenant.
func (h *Hub) BroadcastToOrg(orgID string, event *models.Event) int {
	return h.sendEventToRoom(roomOrg(orgID), orgID, event)
}

func (h *Hub) sendEventToRoom(room, orgID string, event *models.Event) int {
	data, err := json.Marshal(apix.EventFrame{Type: apix.FrameEvent, Event: event})
	if err != nil {
		return 0
	}
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range members {
		if c.principal.OrgID != orgID {
			continue
		}
		if c.trySend(data, event.Priority) {
			atomic.AddInt64(&h.delivered, 1)
			sent++
		} else {
			atomic.AddInt64(&h.dropped, 1)
		}
	}
	return sent
}

// forwardAlert surfaces a HIGH or CRITICAL audit record to the tenant's
// admin sessions as a synthetic system event.
func (h *Hub) forwardAlert(alert models.AuditAlert) {
	rec := alert.Record
	if rec.Severity.Rank() < models.SeverityHigh.Rank() && rec.Success {
		return
	}
	payload := models.JSONB{
		"auditId":      rec.ID,
		"reason":       alert.Reason,
		"action":       rec.Action,
		"resourceType": rec.ResourceType,
		"severity":     string(rec.Severity),
		"category":     string(rec.Category),
		"success":      rec.Success,
	}
	if rec.Error != "" {
		payload["error"] = rec.Error
	}
	event := &models.Event{
		ID:        rec.ID,
		OrgID:     rec.OrgID,
		UserID:    rec.UserID,
		EventType: "audit.alert",
		Channel:   "system",
		Payload:   payload,
		CreatedAt: rec.Timestamp,
		Priority:  models.PriorityHigh,
		Status:    models.EventCompleted,
	}
	h.sendEventToRoom(roomRole(rec.OrgID, "admin"), rec.OrgID, event)
}

// Stats reports live hub occupancy for the health surface.
func (h *Hub) Stats() apix.HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := make(map[string]int)
	for room, members := range h.rooms {
		if len(members) == 0 {
			continue
		}
		subs[room] = len(members)
	}
	return apix.HubStats{
		Connections:          len(h.clients),
		TotalSessions:        int(atomic.LoadInt64(&h.totalSessions)),
		ChannelSubscriptions: subs,
	}
}

// CountersSnapshot returns cumulative delivery counters.
func (h *Hub) CountersSnapshot() Counters {
	return Counters{
		Delivered:  atomic.LoadInt64(&h.delivered),
		Dropped:    atomic.LoadInt64(&h.dropped),
		SlowClosed: atomic.LoadInt64(&h.slowClosed),
		TapDropped: atomic.LoadInt64(&h.tapDropped),
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.bySession[c.sessionID] = c
	h.joinRoomLocked(c, roomOrg(c.principal.OrgID))
	if c.principal.UserID != "" {
		h.joinRoomLocked(c, roomUser(c.principal.UserID))
	}
	for _, role := range c.principal.Roles {
		h.joinRoomLocked(c, roomRole(c.principal.OrgID, role))
	}
	h.mu.Unlock()
	atomic.AddInt64(&h.totalSessions, 1)
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	delete(h.bySession, c.sessionID)
	for room := range c.roomSet() {
		h.leaveRoomLocked(c, room)
	}
	h.mu.Unlock()

	c.closeSend()
	if err := h.registry.Evict(c.sessionID, reason); err != nil {
		// Registry-initiated evictions reach here with the session gone.
		h.logger.WithField("session_id", c.sessionID).Debug("Session already evicted")
	}
}

func (h *Hub) joinRoom(c *Client, room string) {
	h.mu.Lock()
	h.joinRoomLocked(c, room)
	h.mu.Unlock()
}

func (h *Hub) leaveRoom(c *Client, room string) {
	h.mu.Lock()
	h.leaveRoomLocked(c, room)
	h.mu.Unlock()
}

func (h *Hub) joinRoomLocked(c *Client, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[c] = true
	c.addRoom(room)
}

func (h *Hub) leaveRoomLocked(c *Client, room string) {
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	c.removeRoom(room)
}

// onEvicted closes the transport of a session the registry terminated. Map
// cleanup happens on the normal unregister path once the pumps exit.
func (h *Hub) onEvicted(sessionID, reason string) {
	h.mu.RLock()
	c := h.bySession[sessionID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	c.closeWith(apix.CodeTransient, "session "+reason)
}

func (h *Hub) closeSlow(c *Client) {
	atomic.AddInt64(&h.slowClosed, 1)
	h.logger.WithFields(logging.Fields{
		"session_id": c.sessionID,
		"org_id":     c.principal.OrgID,
	}).Warn("Closing slow consumer")
	c.closeWith(apix.CodeTransient, "slow consumer")
}
