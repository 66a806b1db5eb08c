// Package metadata owns the relational records the gateway reads but does
// not invent: tenants with their settings blobs and tenant-scoped users.
// Event data never flows through here; the durable log lives in Redis.
package metadata

import (
	"context"
	"errors"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

var (
	// ErrNotFound reports a missing tenant or user.
	ErrNotFound = errors.New("metadata: not found")
	// ErrConflict reports a uniqueness violation (slug or org-scoped email).
	ErrConflict = errors.New("metadata: already exists")
)

// Store is the metadata contract. The Postgres implementation backs real
// deployments; the in-memory one serves single-node setups without a
// DATABASE_URL and the test suites.
type Store interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, orgID string) (*models.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	UpdateTenantSettings(ctx context.Context, orgID string, settings models.TenantSettings) error

	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, orgID, userID string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UserInTenant(ctx context.Context, orgID, userID string) (bool, error)
	TouchLastLogin(ctx context.Context, orgID, userID string) error

	Ping(ctx context.Context) error
	Close() error
}
