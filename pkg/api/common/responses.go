package common

import (
	"time"
)

// ErrorResponse represents a standard error response used across all surfaces
type ErrorResponse struct {
	Error      string                 `json:"error"`
	Message    string                 `json:"message,omitempty"`
	Code       string                 `json:"code,omitempty"`       // Stable machine-readable error code
	StatusCode int                    `json:"statusCode,omitempty"` // HTTP status mirrored into the body
	RequestID  string                 `json:"requestId,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"` // Additional error context
}

// ValidationErrorResponse carries a rejected request's per-field messages.
type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"` // field_name -> error_message
}
