package testutil

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// Fixtures provides row data for sqlmock-backed store tests.
type Fixtures struct{}

// NewFixtures creates a new fixtures helper.
func NewFixtures() *Fixtures {
	return &Fixtures{}
}

// TenantColumns returns the column order used by tenant queries.
func (f *Fixtures) TenantColumns() []string {
	return []string{"org_id", "slug", "name", "settings", "is_active", "created_at", "updated_at"}
}

// TenantActive creates an active tenant with quota overrides.
func (f *Fixtures) TenantActive() *models.Tenant {
	return &models.Tenant{
		OrgID: "org1",
		Slug:  "acme",
		Name:  "Acme Corp",
		Settings: models.TenantSettings{
			MaxSessions:         500,
			APICallsPerHour:     100000,
			WSMessagesPerMinute: 6000,
			EventRetentionHours: 48,
		},
		IsActive:  true,
		CreatedAt: time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 3, 2, 14, 30, 0, 0, time.UTC),
	}
}

// TenantSuspended creates a deactivated tenant.
func (f *Fixtures) TenantSuspended() *models.Tenant {
	return &models.Tenant{
		OrgID:     "org2",
		Slug:      "globex",
		Name:      "Globex",
		IsActive:  false,
		CreatedAt: time.Date(2024, 11, 5, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

// TenantRow converts a tenant to a driver row matching TenantColumns.
func (f *Fixtures) TenantRow(t *models.Tenant) []driver.Value {
	settings, _ := json.Marshal(t.Settings)
	return []driver.Value{t.OrgID, t.Slug, t.Name, settings, t.IsActive, t.CreatedAt, t.UpdatedAt}
}

// UserColumns returns the column order used by user queries.
func (f *Fixtures) UserColumns() []string {
	return []string{"id", "org_id", "email", "password_hash", "roles", "permissions", "is_active", "last_login_at", "created_at", "updated_at"}
}

// UserMember creates a regular org1 member. The password hash corresponds
// to no real password; login tests must stub the bcrypt comparison or
// insert their own hash.
func (f *Fixtures) UserMember() *models.User {
	return &models.User{
		ID:           "user1",
		OrgID:        "org1",
		Email:        "dev@acme.example",
		PasswordHash: "$2a$10$invalidinvalidinvalidinvalidinvalidinvalidinvalidinva",
		Roles:        []string{"member"},
		Permissions:  []string{"events:publish", "events:subscribe"},
		IsActive:     true,
		CreatedAt:    time.Date(2025, 1, 12, 8, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2025, 1, 12, 8, 0, 0, 0, time.UTC),
	}
}

// UserRow converts a user to a driver row matching UserColumns. Roles and
// permissions are encoded as JSON arrays the way the store persists them.
func (f *Fixtures) UserRow(u *models.User) []driver.Value {
	roles, _ := json.Marshal(u.Roles)
	perms, _ := json.Marshal(u.Permissions)
	var lastLogin driver.Value
	if u.LastLoginAt != nil {
		lastLogin = *u.LastLoginAt
	}
	return []driver.Value{u.ID, u.OrgID, u.Email, u.PasswordHash, roles, perms, u.IsActive, lastLogin, u.CreatedAt, u.UpdatedAt}
}
