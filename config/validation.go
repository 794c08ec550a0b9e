package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks cfg against its struct tags and the rules that tags
// cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	switch cfg.Store.Type {
	case "badger":
		opts, err := decodeBadgerOptions(cfg.Store.Badger)
		if err != nil {
			return fmt.Errorf("store.badger: %w", err)
		}
		if opts.Path == "" && !opts.InMemory {
			return errors.New("store.badger: path is required unless in_memory is set")
		}
	case "redis":
		opts, err := decodeRedisStoreOptions(cfg.Store.Redis)
		if err != nil {
			return fmt.Errorf("store.redis: %w", err)
		}
		if opts.Addr == "" {
			return errors.New("store.redis: addr is required")
		}
	}

	if cfg.Cache.Type == "redis" {
		opts, err := decodeRedisCacheOptions(cfg.Cache.Redis)
		if err != nil {
			return fmt.Errorf("cache.redis: %w", err)
		}
		if opts.Addr == "" {
			return errors.New("cache.redis: addr is required")
		}
	}

	if cfg.Server.MaxPipelined > cfg.Server.QueueSize {
		return fmt.Errorf("server: max_pipelined (%d) must not exceed queue_size (%d)",
			cfg.Server.MaxPipelined, cfg.Server.QueueSize)
	}

	return nil
}

// formatValidationError reports the first failing field by its config
// path.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
