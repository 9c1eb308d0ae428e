// Package cache is a small in-memory TTL cache.
package cache

import (
	"sync"
	"time"
)

type entry[T any] struct {
	v       T
	expires time.Time
}

// Cache is safe for concurrent use. Expired entries are removed lazily on
// Get, so no background goroutine is needed.
type Cache[T any] struct {
	mu    sync.RWMutex
	store map[string]entry[T]
	ttl   time.Duration
	now   func() time.Time
}

// New creates a cache with the provided default TTL. now may be nil.
func New[T any](ttl time.Duration, now func() time.Time) *Cache[T] {
	if now == nil {
		now = time.Now
	}
	return &Cache[T]{store: make(map[string]entry[T]), ttl: ttl, now: now}
}

// Get returns cached value and true if present and not expired.
func (c *Cache[T]) Get(k string) (T, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	var zero T
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expires) {
		c.mu.Lock()
		if cur, ok := c.store[k]; ok && cur.expires.Equal(e.expires) {
			delete(c.store, k)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.v, true
}

// Set stores a value with the default TTL.
func (c *Cache[T]) Set(k string, v T) {
	c.SetTTL(k, v, c.ttl)
}

func (c *Cache[T]) SetTTL(k string, v T, ttl time.Duration) {
	c.mu.Lock()
	c.store[k] = entry[T]{v: v, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.store = make(map[string]entry[T])
	c.mu.Unlock()
}
