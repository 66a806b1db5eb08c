// Package apix defines the wire types shared by the session transport, the
// server-sent stream, and the REST surface.
package apix

import (
	"time"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// Frame type constants for the bidirectional session transport.
const (
	// Client -> server
	FrameAuth        = "auth"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FramePing        = "ping"
	FrameAck         = "ack"

	// Server -> client
	FrameConnected    = "connected"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FramePublished    = "published"
	FrameEvent        = "event"
	FramePong         = "pong"
	FrameHeartbeat    = "heartbeat"
	FrameError        = "error"
)

// Error codes carried by error frames and REST error bodies.
const (
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeDuplicateEvent   = "DUPLICATE_EVENT"
	CodeOutOfOrder       = "OUT_OF_ORDER_EVENT"
	CodeTransient        = "TRANSIENT"
	CodeCircuitOpen      = "CIRCUIT_OPEN"
	CodeInternal         = "INTERNAL"
)

// ClientFrame is the inbound envelope. Type selects which fields apply:
// auth uses Token (only as the first frame of an unauthenticated handshake),
// subscribe/unsubscribe use Channels (and Filters), publish uses EventType,
// Channel, Payload and Metadata, ping uses ClientTs, ack uses MessageID.
type ClientFrame struct {
	Type     string                      `json:"type"`
	Token    string                      `json:"token,omitempty"`
	Channels []string                    `json:"channels,omitempty"`
	Filters  *models.SubscriptionFilters `json:"filters,omitempty"`

	EventType string               `json:"eventType,omitempty"`
	Channel   string               `json:"channel,omitempty"`
	Payload   models.JSONB         `json:"payload,omitempty"`
	Metadata  models.JSONB         `json:"metadata,omitempty"`
	Priority  models.EventPriority `json:"priority,omitempty"`

	ClientTs  int64  `json:"clientTs,omitempty"` // epoch milliseconds
	MessageID string `json:"messageId,omitempty"`

	// OrganizationID is only ever cross-checked against the session's
	// principal. It is never used as the tenant identity.
	OrganizationID string `json:"organizationId,omitempty"`
}

// ConnectedFrame confirms a successful handshake.
type ConnectedFrame struct {
	Type              string    `json:"type"`
	SessionID         string    `json:"sessionId"`
	OrgID             string    `json:"orgId"`
	UserID            string    `json:"userId,omitempty"`
	HeartbeatInterval int       `json:"heartbeatIntervalSec"`
	ServerTime        time.Time `json:"serverTime"`
}

// ChannelsFrame confirms a subscribe or unsubscribe, echoing the session's
// resulting channel set.
type ChannelsFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// PublishedFrame acknowledges an accepted publish.
type PublishedFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Channel   string `json:"channel"`
}

// EventFrame carries one routed event to a subscriber.
type EventFrame struct {
	Type  string        `json:"type"`
	Event *models.Event `json:"event"`
}

// PongFrame answers a client ping.
type PongFrame struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"` // server receive time, epoch milliseconds
	LatencyMs int64  `json:"latencyMs"`
	Quality   string `json:"quality"`
}

// HeartbeatFrame is the server-initiated liveness probe.
type HeartbeatFrame struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// ErrorFrame reports a per-frame failure without closing the session.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorFrame builds an error frame with the given code.
func NewErrorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Code: code, Message: message}
}

// === REST request/response types ===

// LoginRequest authenticates an existing user by email.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// RegisterRequest provisions a tenant together with its first admin user.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	OrgName  string `json:"orgName" binding:"required"`
	OrgSlug  string `json:"orgSlug,omitempty"`
}

// RefreshRequest exchanges a refresh token for a new access token.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// TokenResponse carries issued tokens and the resolved principal.
type TokenResponse struct {
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	Principal    models.Principal `json:"principal"`
}

// CreateSubscriptionRequest creates a durable channel subscription.
type CreateSubscriptionRequest struct {
	Channel string                      `json:"channel" binding:"required"`
	Filters *models.SubscriptionFilters `json:"filters,omitempty"`
}

// ReplayRequest describes a historic replay window.
type ReplayRequest struct {
	StartTime  time.Time `json:"startTime" binding:"required"`
	EndTime    time.Time `json:"endTime" binding:"required"`
	EventTypes []string  `json:"eventTypes,omitempty"`
	SessionIDs []string  `json:"sessionIds,omitempty"`
	UserIDs    []string  `json:"userIds,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	MaxEvents  int       `json:"maxEvents,omitempty"`
	ReplayRate int       `json:"replayRateEventsPerSec,omitempty"`
	EndpointID string    `json:"endpointId,omitempty"`
}

// ReplayStatusResponse reports a replay job's progress.
type ReplayStatusResponse struct {
	ReplayID  string  `json:"replayId"`
	Active    bool    `json:"active"`
	Progress  float64 `json:"progress"`
	Delivered int     `json:"delivered"`
	Failed    int     `json:"failed"`
	Total     int     `json:"total"`
}

// RegisterEndpointRequest registers or updates a webhook destination.
type RegisterEndpointRequest struct {
	URL         string              `json:"url" binding:"required,url"`
	Method      string              `json:"method,omitempty"`
	Headers     map[string]string   `json:"headers,omitempty"`
	Secret      string              `json:"secret,omitempty"`
	TimeoutMs   int64               `json:"timeoutMs,omitempty"`
	RetryPolicy *models.RetryPolicy `json:"retryPolicy,omitempty"`
	Semantics   string              `json:"semantics,omitempty"`
	Active      *bool               `json:"active,omitempty"`
}

// DeliverRequest triggers delivery of one event to selected endpoints. An
// empty EndpointIDs targets every active endpoint of the tenant.
type DeliverRequest struct {
	EndpointIDs []string `json:"endpointIds,omitempty"`
}

// AcknowledgeRequest confirms receipt of a delivered webhook.
type AcknowledgeRequest struct {
	AckData models.JSONB `json:"ackData,omitempty"`
}

// HealthResponse is the /status body: service identity plus hub occupancy.
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	WebSocket *HubStats `json:"websocket,omitempty"`
}

// HubStats represents live session statistics
type HubStats struct {
	Connections          int            `json:"connections"`
	TotalSessions        int            `json:"total_sessions"`
	ChannelSubscriptions map[string]int `json:"channel_subscriptions"`
}
