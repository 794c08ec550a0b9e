package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockTTL     = 30 * time.Second
	waitTimeout = 30 * time.Second
)

// Lua scripts that act on a lock only while it still holds our token.
var (
	releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	// storeIfCurrentScript stores a fetched value only if neither the key's
	// generation nor the namespace generation moved since the fetch began.
	storeIfCurrentScript = redis.NewScript(`
if (redis.call("get", KEYS[2]) or "0") ~= ARGV[3] or (redis.call("get", KEYS[3]) or "0") ~= ARGV[4] then
	return 0
end
if tonumber(ARGV[2]) > 0 then
	redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[2])
else
	redis.call("set", KEYS[1], ARGV[1])
end
return 1`)
)

const genSuffix = ":gen"

// redisCacher is a Cacher shared by every server process pointing at the
// same Redis. Values are JSON encoded. A SETNX lock per key makes one
// process fetch while the others poll for the result.
//
// Every key lives under namespace, so Clear and ItemCount never touch keys
// that belong to other users of the database.
//
// Invalidation bumps a generation counter next to the key (or one for the
// whole namespace), and a fetch stores its result only if the counters it
// read before fetching are unchanged. A value read before a write is never
// cached after that write's Delete, in this process or another.
type redisCacher[T any] struct {
	client    *redis.Client
	namespace string
	hits      atomic.Uint64
	misses    atomic.Uint64
}

// NewRedisCacher creates a Redis-backed cacher whose keys are prefixed by
// namespace.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	records := NewRedisCacher[character.Character](client, "charcache:record:")
func NewRedisCacher[T any](client *redis.Client, namespace string) Cacher[T] {
	return &redisCacher[T]{client: client, namespace: namespace}
}

func (c *redisCacher[T]) key(k string) string {
	return c.namespace + k
}

func (c *redisCacher[T]) namespaceGen() string {
	return c.namespace + genSuffix
}

// generations reads the key and namespace generations.
func (c *redisCacher[T]) generations(ctx context.Context, full string) (keyGen, nsGen string, err error) {
	vals, err := c.client.MGet(ctx, full+genSuffix, c.namespaceGen()).Result()
	if err != nil {
		return "", "", fmt.Errorf("redis mget error: %w", err)
	}
	return genValue(vals[0]), genValue(vals[1]), nil
}

func genValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "0"
}

func (c *redisCacher[T]) load(ctx context.Context, key string) (T, bool, error) {
	var result T

	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return result, false, nil
	}
	if err != nil {
		return result, false, fmt.Errorf("redis get error: %w", err)
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		return result, false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return result, true, nil
}

// GetOrFetch implements Cacher.
//
// On a miss it tries to take "<key>:lock". The winner fetches, stores the
// value and releases the lock, extending it while the fetch runs. Losers
// poll with exponential backoff until the value appears or the lock goes
// away empty-handed.
func (c *redisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T
	full := c.key(key)

	if v, ok, err := c.load(ctx, full); err != nil || ok {
		if ok {
			c.hits.Add(1)
		}
		return v, err
	}

	keyGen, nsGen, err := c.generations(ctx, full)
	if err != nil {
		return zero, err
	}

	lockKey := full + ":lock"
	token := strconv.FormatInt(time.Now().UnixNano(), 10)

	acquired, err := c.client.SetNX(ctx, lockKey, token, lockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return c.waitForCache(ctx, full, lockKey, fetchFn)
	}

	c.misses.Add(1)
	defer releaseLockScript.Run(context.Background(), c.client, []string{lockKey}, token)

	extendCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.extendLock(extendCtx, lockKey, token)

	result, err := fetchFn(ctx)
	if err != nil {
		return zero, fmt.Errorf("fetch function failed: %w", err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal result: %w", err)
	}

	err = storeIfCurrentScript.Run(context.Background(), c.client,
		[]string{full, full + genSuffix, c.namespaceGen()},
		data, ttl.Milliseconds(), keyGen, nsGen,
	).Err()
	if err != nil {
		return zero, fmt.Errorf("failed to cache result: %w", err)
	}

	return result, nil
}

// extendLock refreshes the lock every third of its TTL until ctx ends.
func (c *redisCacher[T]) extendLock(ctx context.Context, lockKey, token string) {
	ticker := time.NewTicker(lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendLockScript.Run(ctx, c.client, []string{lockKey}, token, lockTTL.Milliseconds())
		}
	}
}

// waitForCache polls for a value another process is fetching. If the lock
// goes away without a value (the fetch failed or was invalidated), it
// fetches directly without caching.
func (c *redisCacher[T]) waitForCache(ctx context.Context, key, lockKey string, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	backoff := 10 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond
	deadline := time.Now().Add(waitTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if time.Now().After(deadline) {
			return zero, errors.New("timeout waiting for cache")
		}

		if v, ok, err := c.load(ctx, key); err != nil || ok {
			if ok {
				c.hits.Add(1)
			}
			return v, err
		}

		exists, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("failed to check lock existence: %w", err)
		}

		if exists == 0 {
			// The value may have landed just before the lock was released.
			if v, ok, err := c.load(ctx, key); err != nil || ok {
				return v, err
			}
			c.misses.Add(1)
			return fetchFn(ctx)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Delete implements Cacher.
func (c *redisCacher[T]) Delete(ctx context.Context, key string) error {
	full := c.key(key)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, full+genSuffix)
		pipe.Del(ctx, full)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Clear implements Cacher.
func (c *redisCacher[T]) Clear(ctx context.Context) error {
	_, err := c.DeleteByPrefix(ctx, "")
	return err
}

// ItemCount implements Cacher.
func (c *redisCacher[T]) ItemCount(ctx context.Context) (int, error) {
	keys, err := c.scan(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// DeleteByPrefix implements Cacher.
func (c *redisCacher[T]) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if err := c.client.Incr(ctx, c.namespaceGen()).Err(); err != nil {
		return 0, fmt.Errorf("failed to invalidate namespace: %w", err)
	}

	keys, err := c.scan(ctx, prefix)
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	deleted, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}
	return int(deleted), nil
}

// Stats implements Cacher.
func (c *redisCacher[T]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// scan lists the namespaced value keys starting with prefix, skipping lock
// and generation keys.
func (c *redisCacher[T]) scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := c.client.Scan(ctx, 0, c.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if strings.HasSuffix(k, ":lock") || strings.HasSuffix(k, genSuffix) {
			continue
		}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return keys, nil
}
