package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// peek reads a live entry without loading, for assertions only.
func (c *Cache[V]) peek(key string) (V, bool) {
	var zero V
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || e.negative || time.Now().After(e.staleAt) {
		return zero, false
	}
	return e.value, true
}

func TestCacheSetAndDelete(t *testing.T) {
	c := New[string](Options{TTL: 50 * time.Millisecond, StaleWhileRevalidate: 20 * time.Millisecond, MaxEntries: 10}, MetricsHooks{})

	c.Set("tenant:org1", "acme", 50*time.Millisecond)
	if val, ok := c.peek("tenant:org1"); !ok || val != "acme" {
		t.Fatalf("expected stored value")
	}

	c.Delete("tenant:org1")
	if _, ok := c.peek("tenant:org1"); ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestCacheSetReplacesNegativeEntry(t *testing.T) {
	c := New[string](Options{TTL: time.Minute, NegativeTTL: time.Minute, MaxEntries: 10}, MetricsHooks{})

	miss := func(_ context.Context, _ string) (string, bool, error) { return "", false, nil }
	if _, ok, err := c.Get(context.Background(), "slug:acme", miss); ok || err != nil {
		t.Fatalf("expected negative result, got ok=%v err=%v", ok, err)
	}

	c.Set("slug:acme", "org1", time.Minute)

	poison := func(_ context.Context, _ string) (string, bool, error) {
		return "", false, errors.New("loader must not run")
	}
	val, ok, err := c.Get(context.Background(), "slug:acme", poison)
	if err != nil || !ok || val != "org1" {
		t.Fatalf("expected seeded value to win over negative entry, got %q ok=%v err=%v", val, ok, err)
	}
}

func TestCacheGetHitMissStaleRefresh(t *testing.T) {
	c := New[int](Options{TTL: 20 * time.Millisecond, StaleWhileRevalidate: 50 * time.Millisecond, MaxEntries: 10}, MetricsHooks{})

	var mu sync.Mutex
	callCount := 0
	refreshCalled := make(chan struct{}, 1)
	loader := func(_ context.Context, _ string) (int, bool, error) {
		mu.Lock()
		callCount++
		count := callCount
		mu.Unlock()
		if count == 2 {
			refreshCalled <- struct{}{}
		}
		return count, true, nil
	}

	val, ok, err := c.Get(context.Background(), "tenant:org1", loader)
	if err != nil || !ok || val != 1 {
		t.Fatalf("expected first load")
	}

	val, ok, err = c.Get(context.Background(), "tenant:org1", loader)
	if err != nil || !ok || val != 1 {
		t.Fatalf("expected cache hit")
	}

	time.Sleep(25 * time.Millisecond)
	val, ok, err = c.Get(context.Background(), "tenant:org1", loader)
	if err != nil || !ok || val != 1 {
		t.Fatalf("expected stale value")
	}

	select {
	case <-refreshCalled:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected refresh to run")
	}

	time.Sleep(10 * time.Millisecond)
	val, ok = c.peek("tenant:org1")
	if !ok || val != 2 {
		t.Fatalf("expected refreshed value")
	}
}

func TestCacheStaleRefreshSurvivesCanceledContext(t *testing.T) {
	c := New[int](Options{TTL: 10 * time.Millisecond, StaleWhileRevalidate: time.Second, MaxEntries: 10}, MetricsHooks{})

	refreshed := make(chan struct{}, 1)
	calls := 0
	loader := func(ctx context.Context, _ string) (int, bool, error) {
		calls++
		if calls > 1 {
			if ctx.Err() != nil {
				return 0, false, ctx.Err()
			}
			refreshed <- struct{}{}
		}
		return calls, true, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	if _, _, err := c.Get(ctx, "tenant:org1", loader); err != nil {
		t.Fatalf("expected first load, got %v", err)
	}

	time.Sleep(15 * time.Millisecond)

	// Cancel immediately after the stale read, like a finished HTTP
	// request. The background refresh must still complete.
	if _, ok, _ := c.Get(ctx, "tenant:org1", loader); !ok {
		t.Fatal("expected stale value")
	}
	cancel()

	select {
	case <-refreshed:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected refresh to run despite canceled caller context")
	}
}

func TestCacheNegativeTTL(t *testing.T) {
	c := New[string](Options{TTL: 50 * time.Millisecond, StaleWhileRevalidate: 20 * time.Millisecond, NegativeTTL: 30 * time.Millisecond, MaxEntries: 10}, MetricsHooks{})

	var mu sync.Mutex
	callCount := 0
	errUnknown := errors.New("tenant unknown")
	loader := func(_ context.Context, _ string) (string, bool, error) {
		mu.Lock()
		callCount++
		mu.Unlock()
		return "", false, errUnknown
	}

	_, ok, err := c.Get(context.Background(), "tenant:ghost", loader)
	if ok || err == nil {
		t.Fatalf("expected negative load error")
	}

	_, ok, err = c.Get(context.Background(), "tenant:ghost", loader)
	if ok || err == nil {
		t.Fatalf("expected cached negative error")
	}

	mu.Lock()
	firstCount := callCount
	mu.Unlock()
	if firstCount != 1 {
		t.Fatalf("expected single loader call, got %d", firstCount)
	}

	time.Sleep(35 * time.Millisecond)
	_, _, _ = c.Get(context.Background(), "tenant:ghost", loader)

	mu.Lock()
	secondCount := callCount
	mu.Unlock()
	if secondCount < 2 {
		t.Fatalf("expected loader to run after negative ttl")
	}
}

func TestCacheEviction(t *testing.T) {
	c := New[string](Options{TTL: time.Minute, StaleWhileRevalidate: 0, MaxEntries: 2}, MetricsHooks{})

	c.Set("first", "one", time.Minute)
	c.Set("second", "two", time.Minute)
	c.Set("third", "three", time.Minute)

	if _, ok := c.peek("first"); ok {
		t.Fatalf("expected first entry to be evicted")
	}
	if _, ok := c.peek("second"); !ok {
		t.Fatalf("expected second entry to remain")
	}
	if _, ok := c.peek("third"); !ok {
		t.Fatalf("expected third entry to remain")
	}
}

func TestCacheInvalidateByPrefix(t *testing.T) {
	c := New[string](Options{TTL: time.Minute, MaxEntries: 10}, MetricsHooks{})

	c.Set("tenant:org1", "acme", time.Minute)
	c.Set("slug:acme", "org1", time.Minute)
	c.Set("tenant:org2", "globex", time.Minute)

	removed := c.Invalidate(func(key string) bool {
		return strings.HasPrefix(key, "tenant:")
	})
	if removed != 2 {
		t.Fatalf("expected 2 invalidated entries, got %d", removed)
	}
	if _, ok := c.peek("tenant:org1"); ok {
		t.Fatal("expected tenant:org1 to be invalidated")
	}
	if _, ok := c.peek("slug:acme"); !ok {
		t.Fatal("expected slug:acme to remain")
	}
}
