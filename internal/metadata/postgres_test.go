package metadata

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/testutil"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db, logrus.New()), mock
}

func TestGetTenantScansSettings(t *testing.T) {
	store, mock := newMockStore(t)
	fx := testutil.NewFixtures()
	tenant := fx.TenantActive()

	mock.ExpectQuery("FROM tenants WHERE org_id").
		WithArgs(tenant.OrgID).
		WillReturnRows(sqlmock.NewRows(fx.TenantColumns()).AddRow(fx.TenantRow(tenant)...))

	got, err := store.GetTenant(context.Background(), tenant.OrgID)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if got.Slug != tenant.Slug {
		t.Fatalf("expected slug %q, got %q", tenant.Slug, got.Slug)
	}
	if got.Settings.MaxSessions != tenant.Settings.MaxSessions {
		t.Fatalf("settings not decoded: %+v", got.Settings)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetTenantNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM tenants WHERE org_id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetTenant(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetTenantBySlug(t *testing.T) {
	store, mock := newMockStore(t)
	fx := testutil.NewFixtures()
	tenant := fx.TenantActive()

	mock.ExpectQuery("FROM tenants WHERE slug").
		WithArgs(tenant.Slug).
		WillReturnRows(sqlmock.NewRows(fx.TenantColumns()).AddRow(fx.TenantRow(tenant)...))

	got, err := store.GetTenantBySlug(context.Background(), tenant.Slug)
	if err != nil {
		t.Fatalf("GetTenantBySlug: %v", err)
	}
	if got.OrgID != tenant.OrgID {
		t.Fatalf("expected org %q, got %q", tenant.OrgID, got.OrgID)
	}
}

func TestGetUserDecodesRolesAndPermissions(t *testing.T) {
	store, mock := newMockStore(t)
	fx := testutil.NewFixtures()
	user := fx.UserMember()

	mock.ExpectQuery("FROM users WHERE org_id").
		WithArgs(user.OrgID, user.ID).
		WillReturnRows(sqlmock.NewRows(fx.UserColumns()).AddRow(fx.UserRow(user)...))

	got, err := store.GetUser(context.Background(), user.OrgID, user.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if len(got.Roles) != 1 || got.Roles[0] != "member" {
		t.Fatalf("roles not decoded: %v", got.Roles)
	}
	if len(got.Permissions) != 2 {
		t.Fatalf("permissions not decoded: %v", got.Permissions)
	}
}

func TestUserInTenant(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("org1", "user1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.UserInTenant(context.Background(), "org1", "user1")
	if err != nil {
		t.Fatalf("UserInTenant: %v", err)
	}
	if !ok {
		t.Fatal("expected membership to hold")
	}
}

func TestUpdateTenantSettingsMissingTenant(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE tenants SET settings").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateTenantSettings(context.Background(), "missing", testutil.NewFixtures().TenantActive().Settings)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateTenantConflict(t *testing.T) {
	store, mock := newMockStore(t)
	fx := testutil.NewFixtures()
	tenant := fx.TenantActive()

	mock.ExpectExec("INSERT INTO tenants").
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "tenants_slug_key"`))

	// A generic driver error is not classified as a conflict; only a typed
	// pq unique violation is. The memory store covers the conflict path.
	err := store.CreateTenant(context.Background(), tenant)
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, ErrConflict) {
		t.Fatal("plain errors must not map to ErrConflict")
	}
}
