package models

import (
	"time"
)

// ClientType identifies the kind of client holding a session.
type ClientType string

const (
	ClientWeb       ClientType = "WEB"
	ClientMobile    ClientType = "MOBILE"
	ClientSDK       ClientType = "SDK"
	ClientAPI       ClientType = "API"
	ClientService   ClientType = "SERVICE"
	ClientDesktop   ClientType = "DESKTOP"
	ClientCLI       ClientType = "CLI"
	ClientExtension ClientType = "EXTENSION"
)

// Valid reports whether t is a known client type.
func (t ClientType) Valid() bool {
	switch t {
	case ClientWeb, ClientMobile, ClientSDK, ClientAPI, ClientService, ClientDesktop, ClientCLI, ClientExtension:
		return true
	}
	return false
}

// SessionStatus tracks the connection lifecycle.
// CONNECTED -> RECONNECTING -> {CONNECTED | FAILED | DISCONNECTED},
// CONNECTED -> SUSPENDED -> CONNECTED, any -> DISCONNECTED (terminal).
type SessionStatus string

const (
	SessionConnected    SessionStatus = "CONNECTED"
	SessionReconnecting SessionStatus = "RECONNECTING"
	SessionSuspended    SessionStatus = "SUSPENDED"
	SessionDisconnected SessionStatus = "DISCONNECTED"
	SessionFailed       SessionStatus = "FAILED"
)

// ConnectionQuality classifies a session by windowed heartbeat latency.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "EXCELLENT"
	QualityGood      ConnectionQuality = "GOOD"
	QualityPoor      ConnectionQuality = "POOR"
	QualityCritical  ConnectionQuality = "CRITICAL"
)

// Session is a live bidirectional client connection.
type Session struct {
	SessionID         string            `json:"sessionId"`
	OrgID             string            `json:"orgId"`
	UserID            *string           `json:"userId,omitempty"`
	ClientType        ClientType        `json:"clientType"`
	Status            SessionStatus     `json:"status"`
	Quality           ConnectionQuality `json:"quality"`
	LatencyMs         int64             `json:"latencyMs"`
	Channels          []string          `json:"channels"`
	ConnectedAt       time.Time         `json:"connectedAt"`
	LastHeartbeatAt   time.Time         `json:"lastHeartbeatAt"`
	DisconnectedAt    *time.Time        `json:"disconnectedAt,omitempty"`
	ReconnectAttempts int               `json:"reconnectAttempts"`
	Metadata          JSONB             `json:"metadata,omitempty"`
}
