package models

import (
	"time"
)

// AuditSeverity grades an audit record.
type AuditSeverity string

const (
	SeverityLow      AuditSeverity = "LOW"
	SeverityMedium   AuditSeverity = "MEDIUM"
	SeverityHigh     AuditSeverity = "HIGH"
	SeverityCritical AuditSeverity = "CRITICAL"
)

// severityRanks orders LOW < MEDIUM < HIGH < CRITICAL.
var severityRanks = map[AuditSeverity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the numeric rank of a severity.
func (s AuditSeverity) Rank() int {
	return severityRanks[s]
}

// AtLeast reports whether s is at or above the given severity.
func (s AuditSeverity) AtLeast(min AuditSeverity) bool {
	return s.Rank() >= min.Rank()
}

// AuditCategory buckets audit records for compliance queries.
type AuditCategory string

const (
	CategoryAuthentication   AuditCategory = "AUTHENTICATION"
	CategoryAuthorization    AuditCategory = "AUTHORIZATION"
	CategoryDataAccess       AuditCategory = "DATA_ACCESS"
	CategoryDataModification AuditCategory = "DATA_MODIFICATION"
	CategorySystemAccess     AuditCategory = "SYSTEM_ACCESS"
	CategorySecurityEvent    AuditCategory = "SECURITY_EVENT"
	CategoryCompliance       AuditCategory = "COMPLIANCE"
)

// AuditAlert is the wire envelope for records streamed in real time:
// the record plus why it merited an alert (severity | failure | anomaly).
type AuditAlert struct {
	Reason string      `json:"reason"`
	Record AuditRecord `json:"record"`
}

// AuditRecord is an immutable, append-only trace of one mutating action.
type AuditRecord struct {
	ID           string        `json:"id"`
	OrgID        string        `json:"orgId"`
	UserID       *string       `json:"userId,omitempty"`
	Action       string        `json:"action"`
	ResourceType string        `json:"resourceType"`
	ResourceID   *string       `json:"resourceId,omitempty"`
	Success      bool          `json:"success"`
	Severity     AuditSeverity `json:"severity"`
	Category     AuditCategory `json:"category"`
	OldValues    JSONB         `json:"oldValues,omitempty"`
	NewValues    JSONB         `json:"newValues,omitempty"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	IPAddress    string        `json:"ipAddress,omitempty"`
	UserAgent    string        `json:"userAgent,omitempty"`
}
