// Package cache is a small generic in-memory cache with per-entry expiry.
//
// It sits in front of lookups that run on every request but change rarely.
// The auth middleware uses it for users: every authenticated REST call
// resolves the token's user, and without the cache each of those is a
// SQLite read.
//
// Behaviour:
//   - Every entry lives for the same ttl, counted from its last Set.
//   - Get never returns an expired entry, even before the sweep runs.
//   - A background goroutine sweeps expired entries every cleanupInterval,
//     so keys that are never read again do not pile up.
//   - Delete drops an entry early. Otherwise a changed value may be served
//     for up to ttl.
//
// The cache is per process. Several coordinator instances each hold their
// own copy, which ttl keeps close enough for user profiles.
package cache

import (
	"sync"
	"time"
)

// entry is one cached value and the moment it stops being served.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is safe for concurrent use: reads take a shared lock, writes and
// the sweep an exclusive one. Expired entries are never returned and are
// removed from memory by the sweep.
//
// Values are stored as given. Callers caching pointers or slices should
// store copies if they mutate what they got back.
//
//	users := cache.New[string, models.User](30*time.Second, time.Minute)
//	users.Set(id, *u)
//	u, ok := users.Get(id)
type TTLCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	ttl     time.Duration

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// New creates a cache whose entries live for ttl and starts the sweep that
// runs every cleanupInterval. Call Close when done with it.
func New[K comparable, V any](ttl, cleanupInterval time.Duration) *TTLCache[K, V] {
	c := &TTLCache[K, V]{
		entries:     make(map[K]entry[V]),
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.evictExpired()
			case <-c.stopCleanup:
				return
			}
		}
	}()

	return c
}

// Get returns the value for key if it is present and not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for the cache's ttl.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Delete removes key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// Len counts stored entries, expired ones included until the next sweep.
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Close stops the sweep goroutine.
func (c *TTLCache[K, V]) Close() {
	c.closeOnce.Do(func() { close(c.stopCleanup) })
}

func (c *TTLCache[K, V]) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}
