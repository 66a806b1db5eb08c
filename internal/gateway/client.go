package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/audit"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/connections"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/quota"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/router"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/auth"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Publish payloads ride inside frames.
	maxMessageSize = 64 * 1024

	// Outbound frame buffer per session.
	sendBuffer = 256

	// Upper bound for storage and routing calls made on behalf of a frame.
	opTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin enforcement happens at the edge proxy.
		return true
	},
}

// Client is one live websocket session.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	principal models.Principal
	logger    *logrus.Entry

	mu       sync.RWMutex
	closed   bool
	channels map[string]*models.SubscriptionFilters
	rooms    map[string]bool
}

// ServeWS upgrades the request, authenticates the socket, registers the
// session, and starts the pump pair.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	principal, err := h.authenticate(conn, r)
	if err != nil {
		refuse(conn, apix.CodeAuthRequired, err.Error())
		return
	}

	clientType := models.ClientWeb
	if v := r.URL.Query().Get("clientType"); v != "" {
		clientType = models.ClientType(strings.ToUpper(v))
		if !clientType.Valid() {
			refuse(conn, apix.CodeInvalidArgument, "unknown clientType")
			return
		}
	}

	meta := models.JSONB{"remoteAddr": conn.RemoteAddr().String()}
	if ua := r.UserAgent(); ua != "" {
		meta["userAgent"] = ua
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	session, err := h.registry.Register(ctx, "", principal, clientType, meta)
	cancel()
	if err != nil {
		refuse(conn, errorCode(err), err.Error())
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		sessionID: session.SessionID,
		principal: principal,
		channels:  make(map[string]*models.SubscriptionFilters),
		rooms:     make(map[string]bool),
		logger: h.logger.WithFields(logging.Fields{
			"session_id": session.SessionID,
			"org_id":     principal.OrgID,
		}),
	}
	h.addClient(client)
	h.resumeSubscriptions(client)

	client.reply(apix.ConnectedFrame{
		Type:              apix.FrameConnected,
		SessionID:         session.SessionID,
		OrgID:             principal.OrgID,
		UserID:            principal.UserID,
		HeartbeatInterval: int(h.cfg.HeartbeatInterval / time.Second),
		ServerTime:        time.Now().UTC(),
	})

	go client.writePump()
	go client.readPump()
}

// resumeSubscriptions rejoins the user's durable subscriptions so a fresh
// socket keeps receiving its channels without an explicit subscribe frame.
func (h *Hub) resumeSubscriptions(c *Client) {
	if c.principal.UserID == "" || h.subs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	subs, err := h.subs.ListByUser(ctx, c.principal.OrgID, c.principal.UserID)
	if err != nil {
		c.logger.WithError(err).Warn("Durable subscription resume failed")
		return
	}
	for _, sub := range subs {
		if err := h.registry.JoinChannel(c.sessionID, sub.Channel); err != nil {
			continue
		}
		c.setChannel(sub.Channel, sub.Filters)
		h.joinRoom(c, roomChannel(c.principal.OrgID, sub.Channel))
	}
	if len(subs) > 0 {
		c.logger.WithField("channels", len(subs)).Debug("Resumed durable subscriptions")
	}
}

// authenticate resolves the handshake principal. Requests without
// credentials get one chance to send an auth frame before the deadline.
func (h *Hub) authenticate(conn *websocket.Conn, r *http.Request) (models.Principal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.AuthWait)
	defer cancel()

	material := auth.MaterialFromHTTP(r)
	principal, err := h.auth.BuildContext(ctx, material)
	if err == nil {
		return principal, nil
	}
	if !errors.Is(err, auth.ErrUnauthenticated) {
		return models.Principal{}, err
	}

	conn.SetReadDeadline(time.Now().Add(h.cfg.AuthWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return models.Principal{}, auth.ErrUnauthenticated
	}
	conn.SetReadDeadline(time.Time{})

	var frame apix.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != apix.FrameAuth || frame.Token == "" {
		return models.Principal{}, auth.ErrUnauthenticated
	}
	material.BearerToken = frame.Token
	return h.auth.BuildContext(ctx, material)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Debug("Session read error")
			}
			return
		}
		// Application pings also prove liveness.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame apix.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply(apix.NewErrorFrame(apix.CodeInvalidArgument, "malformed frame"))
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	heartbeat := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		heartbeat.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-heartbeat.C:
			data, err := json.Marshal(apix.HeartbeatFrame{Type: apix.FrameHeartbeat, Ts: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// handleFrame demultiplexes one inbound frame. Channel names are always
// resolved within the session's own tenant: rooms and log keys carry the
// principal's orgId, never one from the frame body.
func (c *Client) handleFrame(frame *apix.ClientFrame) {
	if err := c.hub.validator.ValidateFrame(frame); err != nil {
		c.reply(apix.NewErrorFrame(apix.CodeInvalidArgument, err.Error()))
		return
	}
	if frame.OrganizationID != "" && frame.OrganizationID != c.principal.OrgID {
		c.reply(apix.NewErrorFrame(apix.CodePermissionDenied, "organizationId does not match session tenant"))
		return
	}
	if frame.Type != apix.FramePing {
		if err := c.hub.registry.CheckRate(c.sessionID, "messages"); err != nil {
			c.reply(apix.NewErrorFrame(errorCode(err), "message rate exceeded"))
			return
		}
	}

	switch frame.Type {
	case apix.FrameSubscribe:
		c.handleSubscribe(frame)
	case apix.FrameUnsubscribe:
		c.handleUnsubscribe(frame)
	case apix.FramePublish:
		c.handlePublish(frame)
	case apix.FramePing:
		c.handlePing(frame)
	case apix.FrameAck:
		c.handleAck(frame)
	}
}

func (c *Client) handleSubscribe(frame *apix.ClientFrame) {
	for _, channel := range frame.Channels {
		if err := c.hub.registry.JoinChannel(c.sessionID, channel); err != nil {
			c.reply(apix.NewErrorFrame(errorCode(err), err.Error()))
			return
		}
		c.setChannel(channel, frame.Filters)
		c.hub.joinRoom(c, roomChannel(c.principal.OrgID, channel))
	}
	c.reply(apix.ChannelsFrame{Type: apix.FrameSubscribed, Channels: c.channelList()})
}

func (c *Client) handleUnsubscribe(frame *apix.ClientFrame) {
	for _, channel := range frame.Channels {
		if err := c.hub.registry.LeaveChannel(c.sessionID, channel); err != nil {
			c.reply(apix.NewErrorFrame(errorCode(err), err.Error()))
			return
		}
		c.removeChannel(channel)
		c.hub.leaveRoom(c, roomChannel(c.principal.OrgID, channel))
	}
	c.reply(apix.ChannelsFrame{Type: apix.FrameUnsubscribed, Channels: c.channelList()})
}

func (c *Client) handlePublish(frame *apix.ClientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	stored, err := c.hub.publisher.Publish(ctx, c.principal, router.PublishRequest{
		EventType:      frame.EventType,
		Channel:        frame.Channel,
		Payload:        frame.Payload,
		Metadata:       frame.Metadata,
		Priority:       frame.Priority,
		SessionID:      c.sessionID,
		OrganizationID: frame.OrganizationID,
	})
	if err != nil {
		c.recordAudit(ctx, "event.publish", "event", "", err, nil)
		c.reply(apix.NewErrorFrame(errorCode(err), err.Error()))
		return
	}
	if len(stored) == 0 {
		c.reply(apix.NewErrorFrame(apix.CodeInternal, "publish stored no events"))
		return
	}
	c.recordAudit(ctx, "event.publish", "event", stored[0].ID, nil, models.JSONB{
		"eventType": frame.EventType,
		"channel":   frame.Channel,
		"copies":    len(stored),
	})
	c.reply(apix.PublishedFrame{Type: apix.FramePublished, MessageID: stored[0].ID, Channel: stored[0].Channel})
}

// recordAudit stamps one mutating frame for the session's principal, success
// or failure. Audit write failures are logged and never surfaced to the
// session.
func (c *Client) recordAudit(ctx context.Context, action, resourceType, resourceID string, opErr error, newValues models.JSONB) {
	if c.hub.audit == nil {
		return
	}
	d := audit.Details{
		ResourceID: resourceID,
		NewValues:  newValues,
		Success:    opErr == nil,
		IPAddress:  c.conn.RemoteAddr().String(),
	}
	if opErr != nil {
		d.Error = opErr.Error()
	}
	if _, err := c.hub.audit.LogEvent(ctx, &c.principal, action, resourceType, d); err != nil {
		c.logger.WithError(err).Warn("Failed to write audit record")
	}
}

func (c *Client) handlePing(frame *apix.ClientFrame) {
	clientSent := time.Now()
	if frame.ClientTs > 0 {
		clientSent = time.UnixMilli(frame.ClientTs)
	}
	hb, err := c.hub.registry.Heartbeat(c.sessionID, clientSent)
	if err != nil {
		c.reply(apix.NewErrorFrame(errorCode(err), err.Error()))
		return
	}
	c.reply(apix.PongFrame{
		Type:      apix.FramePong,
		Ts:        time.Now().UnixMilli(),
		LatencyMs: hb.LatencyMs,
		Quality:   string(hb.Quality),
	})
}

func (c *Client) handleAck(frame *apix.ClientFrame) {
	c.logger.WithField("message_id", frame.MessageID).Debug("Event acknowledged")
}

// reply queues a control frame. A session that cannot even absorb control
// frames is closed as a slow consumer.
func (c *Client) reply(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.WithError(err).Error("Marshal reply frame")
		return
	}
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.RUnlock()
	default:
		c.mu.RUnlock()
		c.hub.closeSlow(c)
	}
}

// trySend queues an event frame. When the buffer is full, NORMAL and LOW
// events are dropped; HIGH and above get a short blocking grace before the
// session is closed as a slow consumer.
func (c *Client) trySend(data []byte, priority models.EventPriority) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	select {
	case c.send <- data:
		c.mu.RUnlock()
		return true
	default:
	}
	if priority.Rank() < models.PriorityHigh.Rank() {
		c.mu.RUnlock()
		return false
	}

	timer := time.NewTimer(c.hub.cfg.SlowGrace)
	defer timer.Stop()
	select {
	case c.send <- data:
		c.mu.RUnlock()
		return true
	case <-timer.C:
		c.mu.RUnlock()
		c.hub.closeSlow(c)
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// closeWith signals a close reason and drops the transport. Map cleanup
// happens when the pumps exit. Close payloads are capped at 125 bytes.
func (c *Client) closeWith(code, message string) {
	text := code + ": " + message
	if len(text) > 120 {
		text = text[:120]
	}
	deadline := time.Now().Add(writeWait)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, text), deadline)
	c.conn.Close()
}

func (c *Client) setChannel(channel string, filters *models.SubscriptionFilters) {
	c.mu.Lock()
	c.channels[channel] = filters
	c.mu.Unlock()
}

func (c *Client) removeChannel(channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

// allows applies the filter chosen at subscribe time.
func (c *Client) allows(event *models.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	filters, ok := c.channels[event.Channel]
	if !ok {
		return false
	}
	return filters.Matches(event)
}

func (c *Client) channelList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Client) addRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
}

func (c *Client) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Client) roomSet() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.rooms))
	for room := range c.rooms {
		out[room] = true
	}
	return out
}

func refuse(conn *websocket.Conn, code, message string) {
	if data, err := json.Marshal(apix.NewErrorFrame(code, message)); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, data)
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(writeWait))
	conn.Close()
}

// errorCode maps component sentinels onto wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		return apix.CodeQuotaExceeded
	case errors.Is(err, connections.ErrRateLimited):
		return apix.CodeRateLimited
	case errors.Is(err, eventlog.ErrDuplicate):
		return apix.CodeDuplicateEvent
	case errors.Is(err, router.ErrOrgMismatch):
		return apix.CodePermissionDenied
	case errors.Is(err, router.ErrInvalidEvent):
		return apix.CodeInvalidArgument
	case errors.Is(err, connections.ErrSessionNotFound):
		return apix.CodeTransient
	case errors.Is(err, connections.ErrSessionExists):
		return apix.CodeConflict
	default:
		return apix.CodeInternal
	}
}
