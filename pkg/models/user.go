package models

import (
	"time"
)

// User is an account scoped to a single tenant. Email uniqueness holds
// per org, not globally.
type User struct {
	ID           string     `json:"id" db:"id"`
	OrgID        string     `json:"orgId" db:"org_id"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Roles        []string   `json:"roles" db:"roles"`
	Permissions  []string   `json:"permissions" db:"permissions"`
	IsActive     bool       `json:"isActive" db:"is_active"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty" db:"last_login_at"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}
