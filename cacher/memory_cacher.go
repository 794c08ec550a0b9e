package cacher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCacher is an in-process Cacher backed by go-cache, with singleflight
// collapsing concurrent misses on one key into a single fetch.
//
// A fetch that overlaps an invalidation does not store its result, so a
// value read before a write cannot be cached after that write's Delete.
type MemoryCacher[T any] struct {
	cache  *cache.Cache
	group  singleflight.Group
	hits   atomic.Uint64
	misses atomic.Uint64

	// mu orders stores against invalidations; epoch counts invalidations.
	mu    sync.Mutex
	epoch uint64
}

// NewMemoryCacher creates an in-memory cache.
//
// Parameters:
//   - defaultExpiration: Default TTL for cached items (cache.NoExpiration for none)
//   - cleanupInterval: Interval at which expired items are removed
//
// Returns:
//   - A new MemoryCacher
func NewMemoryCacher[T any](defaultExpiration, cleanupInterval time.Duration) Cacher[T] {
	return &MemoryCacher[T]{
		cache: cache.New(defaultExpiration, cleanupInterval),
	}
}

func (c *MemoryCacher[T]) lookup(key string) (T, bool) {
	if val, found := c.cache.Get(key); found {
		if typed, ok := val.(T); ok {
			return typed, true
		}
	}

	var zero T
	return zero, false
}

// GetOrFetch implements Cacher.
func (c *MemoryCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, nil
	}

	// Flights are per epoch, so a caller arriving after an invalidation
	// never joins a fetch that started before it.
	epoch := c.currentEpoch()
	flight := strconv.FormatUint(epoch, 10) + ":" + key

	val, err, _ := c.group.Do(flight, func() (interface{}, error) {
		// Another caller may have filled the key while we waited.
		if v, ok := c.lookup(key); ok {
			c.hits.Add(1)
			return v, nil
		}

		c.misses.Add(1)
		fetched, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		c.mu.Lock()
		if c.epoch == epoch {
			c.cache.Set(key, fetched, ttl)
		}
		c.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return zero, err
	}

	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type in cache for key %s", key)
	}

	return typed, nil
}

func (c *MemoryCacher[T]) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// invalidate runs drop with stores held off and marks every fetch in flight
// as stale.
func (c *MemoryCacher[T]) invalidate(drop func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	drop()
}

// Delete implements Cacher.
func (c *MemoryCacher[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.invalidate(func() { c.cache.Delete(key) })
	return nil
}

// Clear implements Cacher.
func (c *MemoryCacher[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.invalidate(c.cache.Flush)
	return nil
}

// ItemCount implements Cacher.
func (c *MemoryCacher[T]) ItemCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return c.cache.ItemCount(), nil
}

// DeleteByPrefix implements Cacher.
func (c *MemoryCacher[T]) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	c.invalidate(func() {
		for key := range c.cache.Items() {
			if strings.HasPrefix(key, prefix) {
				c.cache.Delete(key)
				deleted++
			}
		}
	})

	return deleted, nil
}

// Stats implements Cacher.
func (c *MemoryCacher[T]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
