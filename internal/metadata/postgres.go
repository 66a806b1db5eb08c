package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// PostgresStore persists tenants and users in Postgres.
type PostgresStore struct {
	db     *sql.DB
	logger logging.Logger
}

// NewPostgresStore wraps an existing connection. The caller owns migration
// and connection lifecycle; see database.Connect and database.Migrate.
func NewPostgresStore(db *sql.DB, logger logging.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	settings, err := json.Marshal(t.Settings)
	if err != nil {
		return fmt.Errorf("marshal tenant settings: %w", err)
	}

	query := `
		INSERT INTO tenants (org_id, slug, name, settings, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, query, t.OrgID, t.Slug, t.Name, settings, t.IsActive, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: tenant %s", ErrConflict, t.Slug)
		}
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, orgID string) (*models.Tenant, error) {
	query := `
		SELECT org_id, slug, name, settings, is_active, created_at, updated_at
		FROM tenants WHERE org_id = $1`
	return s.scanTenant(s.db.QueryRowContext(ctx, query, orgID))
}

func (s *PostgresStore) GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	query := `
		SELECT org_id, slug, name, settings, is_active, created_at, updated_at
		FROM tenants WHERE slug = $1`
	return s.scanTenant(s.db.QueryRowContext(ctx, query, slug))
}

func (s *PostgresStore) scanTenant(row *sql.Row) (*models.Tenant, error) {
	var (
		t           models.Tenant
		settingsRaw []byte
	)
	err := row.Scan(&t.OrgID, &t.Slug, &t.Name, &settingsRaw, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	if len(settingsRaw) > 0 {
		if err := json.Unmarshal(settingsRaw, &t.Settings); err != nil {
			return nil, fmt.Errorf("decode tenant settings: %w", err)
		}
	}
	return &t, nil
}

func (s *PostgresStore) UpdateTenantSettings(ctx context.Context, orgID string, settings models.TenantSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal tenant settings: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET settings = $2, updated_at = now() WHERE org_id = $1`,
		orgID, raw)
	if err != nil {
		return fmt.Errorf("update tenant settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tenant settings: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	perms, err := json.Marshal(u.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}

	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	query := `
		INSERT INTO users (id, org_id, email, password_hash, roles, permissions, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.db.ExecContext(ctx, query,
		u.ID, u.OrgID, u.Email, u.PasswordHash, roles, perms, u.IsActive, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s", ErrConflict, u.Email)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, orgID, userID string) (*models.User, error) {
	query := `
		SELECT id, org_id, email, password_hash, roles, permissions, is_active, last_login_at, created_at, updated_at
		FROM users WHERE org_id = $1 AND id = $2`
	return s.scanUser(s.db.QueryRowContext(ctx, query, orgID, userID))
}

// GetUserByEmail looks a user up across tenants. Login is the only caller;
// every other path is org-scoped.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT id, org_id, email, password_hash, roles, permissions, is_active, last_login_at, created_at, updated_at
		FROM users WHERE email = $1 AND is_active = TRUE
		ORDER BY created_at LIMIT 1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, email))
}

func (s *PostgresStore) scanUser(row *sql.Row) (*models.User, error) {
	var (
		u         models.User
		rolesRaw  []byte
		permsRaw  []byte
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.OrgID, &u.Email, &u.PasswordHash, &rolesRaw, &permsRaw, &u.IsActive, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if len(rolesRaw) > 0 {
		if err := json.Unmarshal(rolesRaw, &u.Roles); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
	}
	if len(permsRaw) > 0 {
		if err := json.Unmarshal(permsRaw, &u.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

func (s *PostgresStore) UserInTenant(ctx context.Context, orgID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE org_id = $1 AND id = $2 AND is_active = TRUE)`,
		orgID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) TouchLastLogin(ctx context.Context, orgID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = now() WHERE org_id = $1 AND id = $2`,
		orgID, userID)
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
