package rates

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"session_billing/internal/cache"
	"session_billing/internal/models"
)

// Cached memoizes a slower resolver. Concurrent misses for the same key share one lookup.
// Unavailable rates are not cached, so a newly published rate is picked up immediately.
type Cached struct {
	next  Resolver
	cache *cache.LRU[int64]
	group singleflight.Group
}

// NewCached wraps next with an LRU of the given size and TTL
func NewCached(next Resolver, size int, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: cache.NewLRU[int64](size, ttl)}
}

// Resolve returns a cached rate or asks the wrapped resolver
func (c *Cached) Resolve(ctx context.Context, sessionType models.SessionType, providerID string) (int64, error) {
	key := providerID + "/" + string(sessionType)
	if rate, ok := c.cache.Get(key); ok {
		return rate, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		rate, err := c.next.Resolve(ctx, sessionType, providerID)
		if err != nil {
			return int64(0), err
		}
		c.cache.Set(key, rate)
		return rate, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Invalidate drops a cached rate, e.g. after a provider changes prices
func (c *Cached) Invalidate(sessionType models.SessionType, providerID string) {
	c.cache.Delete(providerID + "/" + string(sessionType))
}

// Stats exposes cache statistics
func (c *Cached) Stats() cache.Stats {
	return c.cache.GetStats()
}
