// Package cache provides a small in-process read cache with singleflight
// loading, stale-while-revalidate, and negative caching. The gateway uses
// it in front of the tenant directory so hot-path auth checks do not hit
// Postgres on every frame.
package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration
	NegativeTTL          time.Duration
	MaxEntries           int
}

type MetricsHooks struct {
	OnHit   func(labels map[string]string)
	OnMiss  func(labels map[string]string)
	OnStale func(labels map[string]string)
	OnStore func(labels map[string]string)
	OnError func(labels map[string]string)
}

// Loader fetches the value for a key on miss. ok=false with a nil error
// means "definitively absent"; ok=false with an error is a load failure.
// Both are cached for NegativeTTL when it is positive.
type Loader[V any] func(ctx context.Context, key string) (V, bool, error)

type entry[V any] struct {
	value     V
	err       error
	expiresAt time.Time
	staleAt   time.Time
	negative  bool
	lastUsed  time.Time
}

// Cache is a bounded map with TTL-based expiry. Concurrent loads of the
// same key are collapsed through singleflight.
type Cache[V any] struct {
	mu      sync.RWMutex
	items   map[string]*entry[V]
	order   []string
	opts    Options
	metrics MetricsHooks
	sf      singleflight.Group
}

func New[V any](opts Options, hooks MetricsHooks) *Cache[V] {
	return &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   make([]string, 0, 128),
		opts:    opts,
		metrics: hooks,
	}
}

type loadResult[V any] struct {
	val V
	ok  bool
	err error
}

func (c *Cache[V]) Get(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	var zero V
	now := time.Now()

	c.mu.RLock()
	if e, ok := c.items[key]; ok {
		if now.Before(e.expiresAt) {
			e.lastUsed = now
			c.mu.RUnlock()
			if c.metrics.OnHit != nil {
				c.metrics.OnHit(map[string]string{"key": key})
			}
			if e.negative {
				return zero, false, e.err
			}
			return e.value, true, nil
		}
		if now.Before(e.staleAt) {
			// Serve stale and refresh in the background once. The refresh
			// must outlive the caller's request context.
			if c.metrics.OnStale != nil {
				c.metrics.OnStale(map[string]string{"key": key})
			}
			refreshCtx := context.WithoutCancel(ctx)
			go func() {
				_, _, _ = c.sf.Do("refresh:"+key, func() (interface{}, error) {
					c.refresh(refreshCtx, key, loader)
					return nil, nil
				})
			}()
			val, ok := e.value, !e.negative
			loadErr := e.err
			c.mu.RUnlock()
			if ok {
				return val, true, nil
			}
			return zero, false, loadErr
		}
		// Hard expired: drop and load synchronously.
		c.mu.RUnlock()
		c.mu.Lock()
		delete(c.items, key)
		c.removeFromOrder(key)
		c.mu.Unlock()
	} else {
		c.mu.RUnlock()
	}

	if c.metrics.OnMiss != nil {
		c.metrics.OnMiss(map[string]string{"key": key})
	}
	result, _, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		c.store(key, val, ok, err)
		return loadResult[V]{val: val, ok: ok, err: err}, nil
	})
	res := result.(loadResult[V])
	if !res.ok {
		return zero, false, res.err
	}
	return res.val, true, nil
}

func (c *Cache[V]) refresh(ctx context.Context, key string, loader Loader[V]) {
	val, ok, err := loader(ctx, key)
	c.store(key, val, ok, err)
}

func (c *Cache[V]) store(key string, val V, ok bool, err error) {
	now := time.Now()
	e := &entry[V]{lastUsed: now}
	if ok {
		e.value = val
		e.expiresAt = now.Add(c.opts.TTL)
		e.staleAt = e.expiresAt.Add(c.opts.StaleWhileRevalidate)
	} else {
		if c.opts.NegativeTTL <= 0 {
			if c.metrics.OnError != nil {
				c.metrics.OnError(map[string]string{"key": key})
			}
			return
		}
		e.err = err
		e.negative = true
		e.expiresAt = now.Add(c.opts.NegativeTTL)
		e.staleAt = e.expiresAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	c.evictIfNeeded()
	if c.metrics.OnStore != nil {
		c.metrics.OnStore(map[string]string{"key": key, "ok": strconv.FormatBool(ok)})
	}
}

func (c *Cache[V]) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Cache[V]) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 || len(c.items) <= c.opts.MaxEntries {
		return
	}
	// FIFO eviction keeps the bookkeeping cheap; tenant settings churn is
	// low enough that recency tracking buys nothing.
	excess := len(c.items) - c.opts.MaxEntries
	for excess > 0 && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
		excess--
	}
}

// Set stores a value directly, replacing any existing entry including a
// negative one. Callers use it to seed records they just created.
func (c *Cache[V]) Set(key string, val V, ttl time.Duration) {
	now := time.Now()
	e := &entry[V]{
		value:     val,
		expiresAt: now.Add(ttl),
		staleAt:   now.Add(ttl).Add(c.opts.StaleWhileRevalidate),
		lastUsed:  now,
	}
	c.mu.Lock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	c.evictIfNeeded()
	c.mu.Unlock()
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.removeFromOrder(key)
	c.mu.Unlock()
}

// Invalidate removes every key for which match returns true. It is used
// when a tenant's settings change and all derived entries must reload.
func (c *Cache[V]) Invalidate(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	kept := c.order[:0]
	for _, k := range c.order {
		if match(k) {
			delete(c.items, k)
			removed++
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
	return removed
}
