package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/character-server/cacher"
	"github.com/cyberinferno/character-server/character"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"badger": func(t *testing.T) Store {
			s, err := NewBadgerStore(context.Background(), BadgerStoreConfig{InMemory: true}, nil)
			require.NoError(t, err)
			return s
		},
		"badger-disk": func(t *testing.T) Store {
			s, err := NewBadgerStore(context.Background(), BadgerStoreConfig{Path: t.TempDir()}, nil)
			require.NoError(t, err)
			return s
		},
		"cached-memory": func(t *testing.T) Store {
			return NewCachedStore(
				NewMemoryStore(),
				cacher.NewMemoryCacher[character.Character](cache.NoExpiration, time.Minute),
				cacher.NewMemoryCacher[[]character.Character](cache.NoExpiration, time.Minute),
				time.Minute,
			)
		},
		"redis": func(t *testing.T) Store {
			addr := os.Getenv("CHARSERVER_TEST_REDIS_ADDR")
			if addr == "" {
				t.Skip("CHARSERVER_TEST_REDIS_ADDR not set")
			}

			client := redis.NewClient(&redis.Options{Addr: addr})
			require.NoError(t, client.Ping(context.Background()).Err())
			prefix := fmt.Sprintf("storetest:%d:", time.Now().UnixNano())
			t.Cleanup(func() {
				keys, _ := client.Keys(context.Background(), prefix+"*").Result()
				if len(keys) > 0 {
					client.Del(context.Background(), keys...)
				}
				_ = client.Close()
			})
			return NewRedisStoreWithClient(client, prefix)
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func ann() character.Character {
	return character.Character{Name: "Ann", Surname: "Lee", Age: 30, Bio: "hi"}
}

func TestStore_InsertAssignsIncreasingIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		in := ann()
		in.ID = 999
		a, err := s.Insert(ctx, in)
		require.NoError(t, err)
		b, err := s.Insert(ctx, ann())
		require.NoError(t, err)

		assert.Positive(t, a.ID)
		assert.Greater(t, b.ID, a.ID)
		assert.NotEqual(t, int32(999), a.ID)

		got, err := s.GetByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a, got)
	})
}

func TestStore_GetAllSortedByID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)

		var want []character.Character
		for i := 0; i < 5; i++ {
			c := ann()
			c.Name = fmt.Sprintf("n%d", i)
			c, err := s.Insert(ctx, c)
			require.NoError(t, err)
			want = append(want, c)
		}

		all, err = s.GetAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, all)
	})
}

func TestStore_Update(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		c, err := s.Insert(ctx, ann())
		require.NoError(t, err)

		// Prime caching backends so the update has to invalidate.
		_, err = s.GetByID(ctx, c.ID)
		require.NoError(t, err)
		_, err = s.GetAll(ctx)
		require.NoError(t, err)

		changed := character.Character{ID: 12345, Name: "Bob", Surname: "Ray", Age: 41, Bio: "new"}
		require.NoError(t, s.Update(ctx, c.ID, changed))

		got, err := s.GetByID(ctx, c.ID)
		require.NoError(t, err)
		changed.ID = c.ID
		assert.Equal(t, changed, got)

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []character.Character{changed}, all)

		assert.ErrorIs(t, s.Update(ctx, c.ID+100, changed), ErrNotFound)
	})
}

func TestStore_Delete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		c, err := s.Insert(ctx, ann())
		require.NoError(t, err)
		_, err = s.GetByID(ctx, c.ID)
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, c.ID))
		assert.ErrorIs(t, s.Delete(ctx, c.ID), ErrNotFound)

		_, err = s.GetByID(ctx, c.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)

		// Ids are not reused.
		d, err := s.Insert(ctx, ann())
		require.NoError(t, err)
		assert.Greater(t, d.ID, c.ID)
	})
}

func TestStore_GetByIDMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.GetByID(context.Background(), 42)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ConcurrentInserts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 50

		ids := make([]int32, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c, err := s.Insert(ctx, ann())
				assert.NoError(t, err)
				ids[i] = c.ID
			}(i)
		}
		wg.Wait()

		seen := make(map[int32]bool, n)
		for _, id := range ids {
			assert.False(t, seen[id], "duplicate id %d", id)
			seen[id] = true
		}

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, n)
	})
}

func TestStore_ClosedStoreFails(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			require.NoError(t, s.Close())

			_, err := s.Insert(context.Background(), ann())
			assert.ErrorIs(t, err, ErrClosed)
			_, err = s.GetAll(context.Background())
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestStore_CancelledContext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Insert(ctx, ann())
		assert.ErrorIs(t, err, context.Canceled)
	})
}
