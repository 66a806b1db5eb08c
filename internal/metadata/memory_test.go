package metadata

import (
	"context"
	"errors"
	"testing"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/testutil"
)

func TestMemoryTenantLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tenant := testutil.NewFixtures().TenantActive()

	if err := store.CreateTenant(ctx, tenant); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if err := store.CreateTenant(ctx, tenant); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate, got %v", err)
	}

	got, err := store.GetTenantBySlug(ctx, tenant.Slug)
	if err != nil {
		t.Fatalf("GetTenantBySlug: %v", err)
	}
	if got.OrgID != tenant.OrgID {
		t.Fatalf("expected org %q, got %q", tenant.OrgID, got.OrgID)
	}

	newSettings := models.TenantSettings{MaxSessions: 7}
	if err := store.UpdateTenantSettings(ctx, tenant.OrgID, newSettings); err != nil {
		t.Fatalf("UpdateTenantSettings: %v", err)
	}
	got, err = store.GetTenant(ctx, tenant.OrgID)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if got.Settings.MaxSessions != 7 {
		t.Fatalf("settings not updated: %+v", got.Settings)
	}

	if _, err := store.GetTenant(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryUserMembership(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	fx := testutil.NewFixtures()

	if err := store.CreateTenant(ctx, fx.TenantActive()); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	user := fx.UserMember()
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := store.CreateUser(ctx, user); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate user, got %v", err)
	}

	ok, err := store.UserInTenant(ctx, user.OrgID, user.ID)
	if err != nil || !ok {
		t.Fatalf("expected membership, got ok=%v err=%v", ok, err)
	}
	ok, err = store.UserInTenant(ctx, "org2", user.ID)
	if err != nil || ok {
		t.Fatalf("membership must be org-scoped, got ok=%v err=%v", ok, err)
	}

	byEmail, err := store.GetUserByEmail(ctx, user.Email)
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if byEmail.ID != user.ID {
		t.Fatalf("expected user %q, got %q", user.ID, byEmail.ID)
	}

	if err := store.TouchLastLogin(ctx, user.OrgID, user.ID); err != nil {
		t.Fatalf("TouchLastLogin: %v", err)
	}
	touched, _ := store.GetUser(ctx, user.OrgID, user.ID)
	if touched.LastLoginAt == nil {
		t.Fatal("expected last login to be stamped")
	}
}
