// Package cacher provides read-through caches with stampede protection. The
// character store decorator keeps single records and the full listing in two
// Cacher instances.
package cacher

import (
	"context"
	"time"
)

// FetchFunc loads a value from the source on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Stats counts lookups served from the cache and lookups that had to fetch.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Cacher is a thread-safe read-through cache. Concurrent misses on the same
// key trigger a single fetch.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or calls fetchFn, caches
	// its result for ttl and returns it. Fetch errors are returned as-is and
	// nothing is cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key to retrieve or set
	//   - ttl: Time-to-live duration for the cached value
	//   - fetchFn: Function to fetch the value if not in cache
	//
	// Returns:
	//   - The cached or fetched value of type T
	//   - An error if retrieval or fetching fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes a key from the cache.
	Delete(ctx context.Context, key string) error

	// Clear removes every item this cacher owns.
	Clear(ctx context.Context) error

	// ItemCount returns the number of items this cacher owns.
	ItemCount(ctx context.Context) (int, error)

	// DeleteByPrefix deletes all keys with the given prefix.
	//
	// Returns:
	//   - The number of keys deleted
	//   - An error if the operation fails
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// Stats returns hit and miss counts since creation.
	Stats() Stats
}
