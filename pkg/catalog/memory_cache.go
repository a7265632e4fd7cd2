package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/speedrun-hq/paygate/pkg/models"
)

// MemoryCache keeps resource rows in process memory for a fixed TTL.
type MemoryCache struct {
	mu       sync.RWMutex
	cache    map[string]*cachedResource
	cacheTTL time.Duration
	now      func() time.Time
}

type cachedResource struct {
	resource  models.Resource
	timestamp time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty cache
func NewMemoryCache(cacheTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		cache:    make(map[string]*cachedResource),
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Get returns a copy of the cached resource if it is still fresh.
func (c *MemoryCache) Get(_ context.Context, id string) (*models.Resource, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.cache[id]
	if !exists {
		return nil, false
	}
	if c.now().Sub(cached.timestamp) > c.cacheTTL {
		return nil, false
	}

	r := cached.resource
	return &r, true
}

// Set stores the resource stamped with the current time
func (c *MemoryCache) Set(_ context.Context, r *models.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[r.ID] = &cachedResource{
		resource:  *r,
		timestamp: c.now(),
	}
}

// Invalidate drops a single entry.
func (c *MemoryCache) Invalidate(_ context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, id)
}

// Clear removes all cached entries
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*cachedResource)
}

// Len reports the number of entries, fresh or stale.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
