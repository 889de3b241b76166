// Package cache provides the bounded TTL caches that sit in front of every
// third-party API. Each cache keeps a second, expiry-free copy of the last
// value written per key so callers can degrade to it when a refresh fails.
package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/goodtune/restatus/internal/metrics"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a size-bounded LRU with per-entry expiry.
type Cache[V any] struct {
	name  string
	ttl   time.Duration
	clock Clock

	mu    sync.Mutex
	fresh *lru.Cache[string, entry[V]]
	stale *lru.Cache[string, V]
}

// New creates a cache holding at most maxEntries keys. A nil clock uses
// the system clock.
func New[V any](name string, maxEntries int, ttl time.Duration, clock Clock) (*Cache[V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("cache %s: max entries must be positive, got %d", name, maxEntries)
	}
	if clock == nil {
		clock = RealClock{}
	}

	fresh, err := lru.New[string, entry[V]](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", name, err)
	}
	stale, err := lru.New[string, V](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", name, err)
	}

	return &Cache[V]{
		name:  name,
		ttl:   ttl,
		clock: clock,
		fresh: fresh,
		stale: stale,
	}, nil
}

// MustNew is New for statically sized caches; it panics on a bad size.
func MustNew[V any](name string, maxEntries int, ttl time.Duration, clock Clock) *Cache[V] {
	c, err := New[V](name, maxEntries, ttl, clock)
	if err != nil {
		panic(err)
	}
	return c
}

// Name returns the cache name used in metrics and logs.
func (c *Cache[V]) Name() string {
	return c.name
}

// Get returns the value for key if it has not expired. Expired entries are
// removed from the fresh set but remain reachable through GetStale.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.fresh.Get(key)
	if !ok {
		metrics.CacheRequestsTotal.WithLabelValues(c.name, "miss").Inc()
		return zero, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.fresh.Remove(key)
		metrics.CacheRequestsTotal.WithLabelValues(c.name, "miss").Inc()
		return zero, false
	}

	metrics.CacheRequestsTotal.WithLabelValues(c.name, "hit").Inc()
	return e.value, true
}

// GetStale returns the last value written for key regardless of expiry.
func (c *Cache[V]) GetStale(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.stale.Get(key)
	if ok {
		metrics.CacheRequestsTotal.WithLabelValues(c.name, "stale").Inc()
	}
	return v, ok
}

// Set stores value under key and starts a new TTL window.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fresh.Add(key, entry[V]{value: value, expiresAt: c.clock.Now().Add(c.ttl)})
	c.stale.Add(key, value)
}

// Delete removes key from both the fresh and stale sets.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fresh.Remove(key)
	c.stale.Remove(key)
}

// Clear drops every entry, including stale copies.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fresh.Purge()
	c.stale.Purge()
}

// Len returns the number of keys holding a fresh or expired-but-unchecked entry.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fresh.Len()
}
