package config

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/character-server/cacher"
	"github.com/cyberinferno/character-server/character"
	"github.com/cyberinferno/character-server/logger"
	"github.com/cyberinferno/character-server/store"
)

// RedisCacheConfig is the decoded form of cache.redis.
type RedisCacheConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// Namespace prefixes every cache key. Default "charcache:".
	Namespace string `mapstructure:"namespace"`
}

// decodeOptions decodes a backend option map into out. Values that came
// from the environment arrive as strings and are converted.
func decodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(options)
}

func decodeBadgerOptions(options map[string]any) (store.BadgerStoreConfig, error) {
	var cfg store.BadgerStoreConfig
	if err := decodeOptions(options, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid badger config: %w", err)
	}
	return cfg, nil
}

func decodeRedisStoreOptions(options map[string]any) (store.RedisStoreConfig, error) {
	var cfg store.RedisStoreConfig
	if err := decodeOptions(options, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid redis config: %w", err)
	}
	return cfg, nil
}

func decodeRedisCacheOptions(options map[string]any) (RedisCacheConfig, error) {
	var cfg RedisCacheConfig
	if err := decodeOptions(options, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid redis cache config: %w", err)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "charcache:"
	}
	return cfg, nil
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg LoggingConfig, service string) (logger.Logger, error) {
	return logger.New(logger.Options{
		Service: service,
		Level:   cfg.Level,
		Format:  cfg.Format,
		Output:  cfg.Output,
		Dir:     cfg.Dir,
	})
}

// CreateStore opens the record store selected by cfg.Type.
//
// Parameters:
//   - ctx: Bounds connecting to the backend
//   - cfg: Store selection and backend options
//   - log: Receives backend log output
//
// Returns:
//   - The store; the caller owns it and must Close it
//   - An error for an unknown type, bad options or an unreachable backend
func CreateStore(ctx context.Context, cfg *StoreConfig, log logger.Logger) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		return store.NewMemoryStore(), nil

	case "badger":
		opts, err := decodeBadgerOptions(cfg.Badger)
		if err != nil {
			return nil, err
		}
		return store.NewBadgerStore(ctx, opts, log)

	case "redis":
		opts, err := decodeRedisStoreOptions(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return store.NewRedisStore(ctx, opts)

	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}

// WrapWithCache puts the cache selected by cfg.Type in front of inner. With
// type none, inner is returned unchanged.
//
// Returns:
//   - The store to serve from; closing it closes inner and the cache client
//   - An error if the cache backend cannot be reached
func WrapWithCache(ctx context.Context, inner store.Store, cfg *CacheConfig) (store.Store, error) {
	switch cfg.Type {
	case "none", "":
		return inner, nil

	case "memory":
		return store.NewCachedStore(
			inner,
			cacher.NewMemoryCacher[character.Character](cfg.TTL, cfg.CleanupInterval),
			cacher.NewMemoryCacher[[]character.Character](cfg.TTL, cfg.CleanupInterval),
			cfg.TTL,
		), nil

	case "redis":
		opts, err := decodeRedisCacheOptions(cfg.Redis)
		if err != nil {
			return nil, err
		}

		client := redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Username: opts.Username,
			Password: opts.Password,
			DB:       opts.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to cache redis at %s: %w", opts.Addr, err)
		}

		cached := store.NewCachedStore(
			inner,
			cacher.NewRedisCacher[character.Character](client, opts.Namespace+"record:"),
			cacher.NewRedisCacher[[]character.Character](client, opts.Namespace+"list:"),
			cfg.TTL,
		)
		cached.OnClose(client.Close)
		return cached, nil

	default:
		return nil, fmt.Errorf("unknown cache type: %q", cfg.Type)
	}
}
