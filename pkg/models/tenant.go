package models

import (
	"time"
)

// Tenant is the top-level isolation boundary. Tenants are created externally;
// the gateway validates existence and reads a settings blob with quota
// overrides.
type Tenant struct {
	OrgID     string         `json:"orgId" db:"org_id"`
	Slug      string         `json:"slug" db:"slug"`
	Name      string         `json:"name" db:"name"`
	Settings  TenantSettings `json:"settings" db:"settings"`
	IsActive  bool           `json:"isActive" db:"is_active"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time      `json:"updatedAt" db:"updated_at"`
}

// TenantSettings carries per-tenant quota overrides. Zero values fall back to
// the gateway defaults.
type TenantSettings struct {
	MaxSessions         int   `json:"maxSessions,omitempty"`
	APICallsPerHour     int64 `json:"apiCallsPerHour,omitempty"`
	WSMessagesPerMinute int64 `json:"wsMessagesPerMinute,omitempty"`
	EventRetentionHours int   `json:"eventRetentionHours,omitempty"`
	PayloadEncryption   bool  `json:"payloadEncryption,omitempty"`
}

// Principal is a verified identity bound to exactly one tenant. UserID is
// empty for service-to-service contexts. Immutable within a request or
// session lifetime.
type Principal struct {
	OrgID       string   `json:"orgId"`
	OrgSlug     string   `json:"orgSlug,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	AuthType    string   `json:"authType,omitempty"`
}

// IsService reports whether the principal has no bound user.
func (p *Principal) IsService() bool {
	return p.UserID == ""
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// UserIDPtr returns the user id as a nullable pointer for record stamping.
func (p *Principal) UserIDPtr() *string {
	if p.UserID == "" {
		return nil
	}
	u := p.UserID
	return &u
}
