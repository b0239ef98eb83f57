package idempotency

import (
	"context"
	"sync"
	"time"

	"questline-settlement/pkg/rediskey"
)

// MemoryCache keeps marks in a TTL map guarded by a RWMutex.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
}

func NewMemory(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		items: make(map[string]time.Time),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *MemoryCache) Seen(ctx context.Context, workspaceID, eventID string) (bool, error) {
	key := rediskey.BuildWebhookEventKey(workspaceID, eventID)

	c.mu.RLock()
	defer c.mu.RUnlock()

	markedAt, ok := c.items[key]
	if !ok || c.now().Sub(markedAt) > c.ttl {
		return false, nil
	}

	return true, nil
}

func (c *MemoryCache) Mark(ctx context.Context, workspaceID, eventID string) error {
	key := rediskey.BuildWebhookEventKey(workspaceID, eventID)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = c.now()
	return nil
}

func (c *MemoryCache) Sweep(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0

	for key, markedAt := range c.items {
		if now.Sub(markedAt) > c.ttl {
			delete(c.items, key)
			removed++
		}
	}

	return removed
}
