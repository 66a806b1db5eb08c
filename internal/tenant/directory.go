// Package tenant resolves tenant identity and settings for the hot path.
// It fronts the metadata store with a small in-process cache so per-frame
// auth checks do not round-trip to Postgres.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/metadata"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/auth"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/cache"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// Options tunes the directory cache. Zero values take the defaults below.
type Options struct {
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration
	NegativeTTL          time.Duration
	MaxEntries           int
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.StaleWhileRevalidate <= 0 {
		o.StaleWhileRevalidate = 30 * time.Second
	}
	if o.NegativeTTL <= 0 {
		o.NegativeTTL = 5 * time.Second
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 10000
	}
	return o
}

// Directory implements auth.Directory over the metadata store and answers
// settings lookups for the quota manager.
type Directory struct {
	store   metadata.Store
	tenants *cache.Cache[*models.Tenant]
	slugs   *cache.Cache[string]
	members *cache.Cache[bool]
	ttl     time.Duration
	logger  logging.Logger
}

var _ auth.Directory = (*Directory)(nil)

func NewDirectory(store metadata.Store, opts Options, hooks cache.MetricsHooks, logger logging.Logger) *Directory {
	opts = opts.withDefaults()
	cacheOpts := cache.Options{
		TTL:                  opts.TTL,
		StaleWhileRevalidate: opts.StaleWhileRevalidate,
		NegativeTTL:          opts.NegativeTTL,
		MaxEntries:           opts.MaxEntries,
	}
	return &Directory{
		store:   store,
		tenants: cache.New[*models.Tenant](cacheOpts, hooks),
		slugs:   cache.New[string](cacheOpts, hooks),
		members: cache.New[bool](cacheOpts, hooks),
		ttl:     opts.TTL,
		logger:  logger,
	}
}

// Prime seeds the cache with a freshly provisioned tenant. A slug probed
// before registration leaves a negative entry behind; seeding replaces it so
// the tenant's first requests resolve immediately.
func (d *Directory) Prime(t *models.Tenant) {
	if t == nil || t.OrgID == "" {
		return
	}
	d.tenants.Set(t.OrgID, t, d.ttl)
	if t.Slug != "" {
		d.slugs.Set(t.Slug, t.OrgID, d.ttl)
	}
}

// ResolveSlug maps a URL slug to an orgId.
func (d *Directory) ResolveSlug(ctx context.Context, slug string) (string, error) {
	orgID, found, err := d.slugs.Get(ctx, slug, func(ctx context.Context, key string) (string, bool, error) {
		t, err := d.store.GetTenantBySlug(ctx, key)
		if errors.Is(err, metadata.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return t.OrgID, true, nil
	})
	if err != nil {
		return "", fmt.Errorf("resolve slug %q: %w", slug, err)
	}
	if !found {
		return "", auth.ErrTenantUnknown
	}
	return orgID, nil
}

// TenantActive reports whether the tenant exists and is active. An unknown
// tenant is an error, not merely inactive, so callers can distinguish the
// two in audit records.
func (d *Directory) TenantActive(ctx context.Context, orgID string) (bool, error) {
	t, err := d.tenant(ctx, orgID)
	if err != nil {
		return false, err
	}
	return t.IsActive, nil
}

// UserInTenant reports membership. Both outcomes are cached so repeated
// denials cannot hammer the store.
func (d *Directory) UserInTenant(ctx context.Context, orgID, userID string) (bool, error) {
	key := orgID + ":" + userID
	ok, found, err := d.members.Get(ctx, key, func(ctx context.Context, _ string) (bool, bool, error) {
		in, err := d.store.UserInTenant(ctx, orgID, userID)
		if err != nil {
			return false, false, err
		}
		return in, true, nil
	})
	if err != nil {
		return false, fmt.Errorf("membership %s: %w", key, err)
	}
	if !found {
		return false, nil
	}
	return ok, nil
}

// Settings returns the tenant's quota overrides. Satisfies quota.SettingsSource.
func (d *Directory) Settings(ctx context.Context, orgID string) (models.TenantSettings, error) {
	t, err := d.tenant(ctx, orgID)
	if err != nil {
		return models.TenantSettings{}, err
	}
	return t.Settings, nil
}

// Tenant returns the full cached record.
func (d *Directory) Tenant(ctx context.Context, orgID string) (*models.Tenant, error) {
	return d.tenant(ctx, orgID)
}

func (d *Directory) tenant(ctx context.Context, orgID string) (*models.Tenant, error) {
	t, found, err := d.tenants.Get(ctx, orgID, func(ctx context.Context, key string) (*models.Tenant, bool, error) {
		t, err := d.store.GetTenant(ctx, key)
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return t, true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", orgID, err)
	}
	if !found {
		return nil, auth.ErrTenantUnknown
	}
	return t, nil
}

// Invalidate drops every cached entry derived from one tenant. Called after
// settings updates so the next read reloads.
func (d *Directory) Invalidate(orgID string) {
	d.tenants.Delete(orgID)
	d.members.Invalidate(func(key string) bool {
		return len(key) > len(orgID) && key[:len(orgID)] == orgID && key[len(orgID)] == ':'
	})
	// Slugs map to orgIds; a rename is rare enough to just flush them all.
	d.slugs.Invalidate(func(string) bool { return true })
}
