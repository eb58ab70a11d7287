package geocode

import (
	"sync"
	"time"
)

// Cache is a tiny in-memory cache for reverse geocode labels keyed by the
// rounded coordinate pair.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  string
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(k string) (string, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return "", false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(k, v string) {
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
