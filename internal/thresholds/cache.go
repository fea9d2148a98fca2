package thresholds

import (
	"sync"
	"time"

	"vitalpaw/internal/models"
)

type cacheEntry struct {
	value     models.Thresholds
	expiresAt time.Time
}

// cache holds remote answers per breed for a fixed TTL.
type cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

func newCache(ttl time.Duration, now func() time.Time) *cache {
	return &cache{ttl: ttl, now: now, entries: make(map[string]cacheEntry)}
}

func (c *cache) get(breed string) (models.Thresholds, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[breed]
	if !ok {
		return models.Thresholds{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, breed)
		return models.Thresholds{}, false
	}
	return e.value, true
}

func (c *cache) put(breed string, th models.Thresholds) {
	c.mu.Lock()
	c.entries[breed] = cacheEntry{value: th, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}
