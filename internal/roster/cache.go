package roster

import (
	"context"
	"sync"
	"time"

	"coteacher/pkg/types"
)

// Cache is a bounded-lifetime roster snapshot cache. Turn handling reads
// whatever snapshot is in effect; staleness up to the TTL is acceptable
// because the core does not own roster consistency.
type Cache struct {
	inner Provider
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	roster    types.Roster
	fetchedAt time.Time
}

// NewCache wraps a provider with a TTL snapshot cache.
func NewCache(inner Provider, ttl time.Duration) *Cache {
	return &Cache{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Students returns the cached snapshot when fresh, fetching otherwise.
// A failed refresh falls back to the stale snapshot when one exists.
func (c *Cache) Students(ctx context.Context, classID string) (types.Roster, error) {
	c.mu.RLock()
	entry, ok := c.entries[classID]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.roster, nil
	}

	roster, err := c.inner.Students(ctx, classID)
	if err != nil {
		if ok {
			return entry.roster, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[classID] = cacheEntry{roster: roster, fetchedAt: time.Now()}
	c.mu.Unlock()

	return roster, nil
}

var _ Provider = (*Cache)(nil)
