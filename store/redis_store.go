package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/character-server/character"
)

// RedisStoreConfig configures NewRedisStore.
type RedisStoreConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// KeyPrefix namespaces every key. Default "charserver:".
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisStore keeps each record as a binary string value, an INCR counter for
// ids and a sorted set of live ids for ordered listing.
//
// Keys:
//
//	<prefix>next_id      counter
//	<prefix>ids          sorted set, score = id
//	<prefix>record:<id>  record encoding
type RedisStore struct {
	client    *redis.Client
	ownClient bool
	prefix    string
	closed    atomic.Bool
}

// NewRedisStore connects to Redis and verifies the connection with PING.
//
// Returns:
//   - The store, owning its client
//   - An error if Redis is unreachable
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis store: addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	s := NewRedisStoreWithClient(client, cfg.KeyPrefix)
	s.ownClient = true
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. Close leaves the client
// open.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "charserver:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) counterKey() string { return s.prefix + "next_id" }
func (s *RedisStore) indexKey() string   { return s.prefix + "ids" }

func (s *RedisStore) recordKey(id int32) string {
	return s.prefix + "record:" + strconv.FormatInt(int64(id), 10)
}

func (s *RedisStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *RedisStore) Insert(ctx context.Context, c character.Character) (character.Character, error) {
	if err := s.check(ctx); err != nil {
		return character.Character{}, err
	}

	next, err := s.client.Incr(ctx, s.counterKey()).Result()
	if err != nil {
		return character.Character{}, fmt.Errorf("failed to allocate id: %w", err)
	}
	if next > 1<<31-1 {
		return character.Character{}, errors.New("id space exhausted")
	}
	c.ID = int32(next)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(c.ID), character.Marshal(c), 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(c.ID), Member: c.ID})
		return nil
	})
	if err != nil {
		return character.Character{}, fmt.Errorf("failed to insert character: %w", err)
	}

	return c, nil
}

func (s *RedisStore) Update(ctx context.Context, id int32, c character.Character) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	c.ID = id
	ok, err := s.client.SetXX(ctx, s.recordKey(id), character.Marshal(c), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update character: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id int32) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.recordKey(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete character: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) GetAll(ctx context.Context) ([]character.Character, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	members, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list ids: %w", err)
	}
	if len(members) == 0 {
		return []character.Character{}, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.prefix + "record:" + m
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load characters: %w", err)
	}

	out := make([]character.Character, 0, len(vals))
	for i, v := range vals {
		// Deleted between ZRANGE and MGET.
		if v == nil {
			continue
		}

		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s has type %T", ErrCorrupt, keys[i], v)
		}

		c, err := character.Unmarshal([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, keys[i], err)
		}
		out = append(out, c)
	}

	return out, nil
}

func (s *RedisStore) GetByID(ctx context.Context, id int32) (character.Character, error) {
	if err := s.check(ctx); err != nil {
		return character.Character{}, err
	}

	raw, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return character.Character{}, ErrNotFound
	}
	if err != nil {
		return character.Character{}, fmt.Errorf("failed to get character: %w", err)
	}

	c, err := character.Unmarshal(raw)
	if err != nil {
		return character.Character{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return c, nil
}

// Close closes the client if the store created it.
func (s *RedisStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}
