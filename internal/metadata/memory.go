package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// MemoryStore keeps tenants and users in process memory. It backs
// single-node deployments without a DATABASE_URL and all the test suites.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*models.Tenant // orgID -> tenant
	slugs   map[string]string         // slug -> orgID
	users   map[string]*models.User   // orgID/userID -> user
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*models.Tenant),
		slugs:   make(map[string]string),
		users:   make(map[string]*models.User),
	}
}

func userKey(orgID, userID string) string {
	return orgID + "/" + userID
}

func (s *MemoryStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[t.OrgID]; ok {
		return fmt.Errorf("%w: tenant %s", ErrConflict, t.OrgID)
	}
	if _, ok := s.slugs[t.Slug]; ok {
		return fmt.Errorf("%w: slug %s", ErrConflict, t.Slug)
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	cp := *t
	s.tenants[t.OrgID] = &cp
	s.slugs[t.Slug] = t.OrgID
	return nil
}

func (s *MemoryStore) GetTenant(_ context.Context, orgID string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	s.mu.RLock()
	orgID, ok := s.slugs[slug]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetTenant(ctx, orgID)
}

func (s *MemoryStore) UpdateTenantSettings(_ context.Context, orgID string, settings models.TenantSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[orgID]
	if !ok {
		return ErrNotFound
	}
	t.Settings = settings
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey(u.OrgID, u.ID)
	if _, ok := s.users[key]; ok {
		return fmt.Errorf("%w: user %s", ErrConflict, u.ID)
	}
	for _, existing := range s.users {
		if existing.OrgID == u.OrgID && existing.Email == u.Email {
			return fmt.Errorf("%w: email %s", ErrConflict, u.Email)
		}
	}

	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	cp := *u
	s.users[key] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, orgID, userID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userKey(orgID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.User
	for _, u := range s.users {
		if u.Email != email || !u.IsActive {
			continue
		}
		if found == nil || u.CreatedAt.Before(found.CreatedAt) {
			found = u
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *MemoryStore) UserInTenant(_ context.Context, orgID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userKey(orgID, userID)]
	return ok && u.IsActive, nil
}

func (s *MemoryStore) TouchLastLogin(_ context.Context, orgID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userKey(orgID, userID)]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	u.LastLoginAt = &now
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
