package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logstore"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

func newManager(t *testing.T, defaults Defaults, settings SettingsSource) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := logrus.New()
	return NewManager(logstore.New(client, logger), defaults, settings, logger), mr
}

func TestAllowAPICallHourlyWindow(t *testing.T) {
	m, mr := newManager(t, Defaults{APICallsPerHour: 3}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.AllowAPICall(ctx, "org1"); err != nil {
			t.Fatalf("call %d should fit: %v", i+1, err)
		}
	}

	err := m.AllowAPICall(ctx, "org1")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	// Another tenant's window is untouched.
	if err := m.AllowAPICall(ctx, "org2"); err != nil {
		t.Fatalf("org2 should have its own window: %v", err)
	}

	mr.FastForward(2*time.Hour + time.Second)

	if err := m.AllowAPICall(ctx, "org1"); err != nil {
		t.Fatalf("expected a fresh window after expiry: %v", err)
	}
}

func TestAllowMessageMinuteWindow(t *testing.T) {
	m, mr := newManager(t, Defaults{WSMessagesPerMinute: 2}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.AllowMessage(ctx, "org1"); err != nil {
			t.Fatalf("message %d should fit: %v", i+1, err)
		}
	}
	if err := m.AllowMessage(ctx, "org1"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	mr.FastForward(2*time.Minute + time.Second)

	if err := m.AllowMessage(ctx, "org1"); err != nil {
		t.Fatalf("expected a fresh window after expiry: %v", err)
	}
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
	m, _ := newManager(t, Defaults{}, nil)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		if err := m.AllowAPICall(ctx, "org1"); err != nil {
			t.Fatalf("unlimited tenant rejected at call %d: %v", i+1, err)
		}
	}
}

func TestTenantSettingsOverrideDefaults(t *testing.T) {
	settings := func(ctx context.Context, orgID string) (models.TenantSettings, error) {
		if orgID == "org-strict" {
			return models.TenantSettings{APICallsPerHour: 1}, nil
		}
		return models.TenantSettings{}, nil
	}
	m, _ := newManager(t, Defaults{APICallsPerHour: 100}, settings)
	ctx := context.Background()

	if err := m.AllowAPICall(ctx, "org-strict"); err != nil {
		t.Fatalf("first call should fit the override: %v", err)
	}
	if err := m.AllowAPICall(ctx, "org-strict"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected the override limit of 1, got %v", err)
	}

	// A tenant with no override keeps the default headroom.
	for i := 0; i < 10; i++ {
		if err := m.AllowAPICall(ctx, "org-default"); err != nil {
			t.Fatalf("default tenant rejected at call %d: %v", i+1, err)
		}
	}
}

func TestSettingsLookupFailureFallsBackToDefaults(t *testing.T) {
	settings := func(ctx context.Context, orgID string) (models.TenantSettings, error) {
		return models.TenantSettings{}, errors.New("directory down")
	}
	m, _ := newManager(t, Defaults{APICallsPerHour: 2}, settings)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.AllowAPICall(ctx, "org1"); err != nil {
			t.Fatalf("defaults should apply when settings fail: %v", err)
		}
	}
	if err := m.AllowAPICall(ctx, "org1"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected default limit to hold, got %v", err)
	}
}

func TestAcquireResourceRollsBackOnRejection(t *testing.T) {
	m, _ := newManager(t, Defaults{}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.AcquireResource(ctx, "org1", ResourceSessions, 2); err != nil {
			t.Fatalf("acquire %d: %v", i+1, err)
		}
	}

	if err := m.AcquireResource(ctx, "org1", ResourceSessions, 2); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	// The rejected acquire must not hold capacity.
	n, err := m.Usage(ctx, "org1", ResourceSessions)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected gauge 2 after rollback, got %d", n)
	}

	if err := m.ReleaseResource(ctx, "org1", ResourceSessions); err != nil {
		t.Fatalf("ReleaseResource: %v", err)
	}
	if err := m.AcquireResource(ctx, "org1", ResourceSessions, 2); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestReleaseResourceClampsAtZero(t *testing.T) {
	m, _ := newManager(t, Defaults{}, nil)
	ctx := context.Background()

	// Double release of a never-acquired gauge must not go negative.
	if err := m.ReleaseResource(ctx, "org1", ResourceEndpoints); err != nil {
		t.Fatalf("ReleaseResource: %v", err)
	}
	if err := m.ReleaseResource(ctx, "org1", ResourceEndpoints); err != nil {
		t.Fatalf("ReleaseResource repeat: %v", err)
	}

	n, err := m.Usage(ctx, "org1", ResourceEndpoints)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected gauge clamped at 0, got %d", n)
	}
}

func TestSnapshotReportsCountersAndLimits(t *testing.T) {
	m, _ := newManager(t, Defaults{APICallsPerHour: 100, WSMessagesPerMinute: 50, MaxSessions: 10}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.AllowAPICall(ctx, "org1"); err != nil {
			t.Fatalf("AllowAPICall: %v", err)
		}
	}
	if err := m.AllowMessage(ctx, "org1"); err != nil {
		t.Fatalf("AllowMessage: %v", err)
	}
	if err := m.AcquireResource(ctx, "org1", ResourceSessions, 10); err != nil {
		t.Fatalf("AcquireResource: %v", err)
	}
	if err := m.AcquireResource(ctx, "org1", ResourceSubscriptions, 0); err != nil {
		t.Fatalf("AcquireResource subscriptions: %v", err)
	}

	snap, err := m.Snapshot(ctx, "org1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.APICallsThisHour != 3 {
		t.Fatalf("expected 3 api calls, got %d", snap.APICallsThisHour)
	}
	if snap.MessagesThisMinute != 1 {
		t.Fatalf("expected 1 message, got %d", snap.MessagesThisMinute)
	}
	if snap.Sessions != 1 || snap.Subscriptions != 1 || snap.Endpoints != 0 {
		t.Fatalf("unexpected gauges: %+v", snap)
	}
	if snap.APICallsPerHour != 100 || snap.WSMessagesPerMinute != 50 || snap.MaxSessions != 10 {
		t.Fatalf("unexpected limits: %+v", snap)
	}
}
