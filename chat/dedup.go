package chat

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Default cache bounds. A key lapses once it has gone unobserved for the TTL,
// so a phrase reposted after a long gap fires again while a message that stays
// on screen does not.
const (
	DefaultCacheCapacity = 10000
	DefaultCacheTTL      = 5 * time.Minute
)

// Cache is a capacity and time bounded set of dedup keys.
type Cache struct {
	mu    sync.Mutex
	items *lru.Cache[string, time.Time] // key -> expiry
	ttl   time.Duration
	now   func() time.Time
}

// NewCache builds a cache. Non-positive arguments fall back to the defaults.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	items, err := lru.New[string, time.Time](capacity)
	if err != nil {
		// only possible for a non-positive size, which is guarded above
		panic(err)
	}
	return &Cache{items: items, ttl: ttl, now: time.Now}
}

// WithClock swaps the time source; used by tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Seen reports whether key was remembered within the TTL. Expired entries are evicted.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.items.Get(key)
	if !ok {
		return false
	}
	if !c.now().Before(expiry) {
		c.items.Remove(key)
		return false
	}
	return true
}

// Remember records key with a fresh expiry.
func (c *Cache) Remember(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Add(key, c.now().Add(c.ttl))
}

// CheckAndRemember returns true when key is new. Either way the key's expiry
// is pushed out to now+TTL.
func (c *Cache) CheckAndRemember(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	expiry, ok := c.items.Get(key)
	c.items.Add(key, now.Add(c.ttl))
	return !ok || !now.Before(expiry)
}

// Len is the number of tracked keys, expired ones included until they are touched.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}
