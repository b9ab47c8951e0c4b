package secrets

import (
	"sync"
	"time"
)

// Cache is an in-memory TTL cache for resolved secret bundles. Expired
// entries are evicted lazily by the read that finds them; a service holds a
// handful of bundle keys, so no background cleaner is needed.
type Cache[T any] struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry[T]
}

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// NewCache creates a cache whose entries live for ttl after each Put.
func NewCache[T any](ttl time.Duration) *Cache[T] {
	return &Cache[T]{ttl: ttl, entries: make(map[string]cacheEntry[T])}
}

// Get returns the value under key when present and not expired.
func (c *Cache[T]) Get(key string) (T, bool) {
	var zero T

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}

	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Put stores value under key for the cache's TTL, replacing any prior entry.
func (c *Cache[T]) Put(key string, value T) {
	c.mu.Lock()
	c.entries[key] = cacheEntry[T]{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Bust drops key immediately, forcing the next Get to miss. Callers use it
// when a bundle is known to have rotated.
func (c *Cache[T]) Bust(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
