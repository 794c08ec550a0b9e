package config

import (
	"strings"
	"time"

	"github.com/cyberinferno/character-server/protocol"
)

const (
	DefaultListenAddr      = "0.0.0.0"
	DefaultPort            = protocol.DefaultPort
	DefaultMaxConnections  = protocol.DefaultMaxConnections
	DefaultWorkers         = protocol.DefaultWorkers
	DefaultQueueSize       = 1024
	DefaultMaxPipelined    = 64
	DefaultMaxFrameSize    = 1 << 20
	DefaultKeepAlive       = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultStatsInterval   = time.Minute

	// DefaultReadTimeout and DefaultWriteTimeout are flag defaults only.
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultLogOutput = "stdout"

	DefaultStoreType       = "memory"
	DefaultBadgerPath      = "data/characters"
	DefaultCacheType       = "none"
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
	DefaultMetricsAddr     = ":9102"
)

// defaultValues lists every key viper should know about. The timeouts are
// left out so that a missing value fails validation.
func defaultValues() map[string]any {
	return map[string]any{
		"server.listen_addr":      DefaultListenAddr,
		"server.port":             DefaultPort,
		"server.max_connections":  DefaultMaxConnections,
		"server.workers":          DefaultWorkers,
		"server.queue_size":       DefaultQueueSize,
		"server.max_pipelined":    DefaultMaxPipelined,
		"server.max_frame_size":   DefaultMaxFrameSize,
		"server.keep_alive":       DefaultKeepAlive,
		"server.shutdown_timeout": DefaultShutdownTimeout,
		"server.stats_interval":   DefaultStatsInterval,
		"server.lock_file":        "",

		"logging.level":  DefaultLogLevel,
		"logging.format": DefaultLogFormat,
		"logging.output": DefaultLogOutput,
		"logging.dir":    "",

		"store.type":                      DefaultStoreType,
		"store.badger.path":               DefaultBadgerPath,
		"store.badger.in_memory":          false,
		"store.badger.sequence_bandwidth": 100,
		"store.redis.addr":                "",
		"store.redis.password":            "",
		"store.redis.db":                  0,
		"store.redis.key_prefix":          "",

		"cache.type":             DefaultCacheType,
		"cache.ttl":              DefaultCacheTTL,
		"cache.cleanup_interval": DefaultCleanupInterval,
		"cache.redis.addr":       "",
		"cache.redis.password":   "",
		"cache.redis.db":         0,
		"cache.redis.namespace":  "",

		"metrics.enabled": false,
		"metrics.addr":    DefaultMetricsAddr,
	}
}

// ApplyDefaults fills zero-valued fields with their defaults and
// normalizes enumerations to lowercase. Explicit values are kept.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyLoggingDefaults(&cfg.Logging)
	applyStoreDefaults(&cfg.Store)
	applyCacheDefaults(&cfg.Cache)

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = DefaultMetricsAddr
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxPipelined == 0 {
		cfg.MaxPipelined = DefaultMaxPipelined
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = DefaultLogLevel
	}
	cfg.Level = strings.ToLower(cfg.Level)
	if cfg.Level == "warning" {
		cfg.Level = "warn"
	}

	if cfg.Format == "" {
		cfg.Format = DefaultLogFormat
	}
	cfg.Format = strings.ToLower(cfg.Format)

	if cfg.Output == "" {
		cfg.Output = DefaultLogOutput
	}
	cfg.Output = strings.ToLower(cfg.Output)
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = DefaultStoreType
	}
	cfg.Type = strings.ToLower(cfg.Type)

	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.Redis == nil {
		cfg.Redis = make(map[string]any)
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Type == "" {
		cfg.Type = DefaultCacheType
	}
	cfg.Type = strings.ToLower(cfg.Type)

	if cfg.TTL == 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Redis == nil {
		cfg.Redis = make(map[string]any)
	}
}

// GetDefaultConfig returns a complete configuration with every default
// applied, including the flag defaults for the socket timeouts.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Server.ReadTimeout = DefaultReadTimeout
	cfg.Server.WriteTimeout = DefaultWriteTimeout
	cfg.Server.KeepAlive = DefaultKeepAlive
	cfg.Server.StatsInterval = DefaultStatsInterval
	cfg.Store.Badger["path"] = DefaultBadgerPath
	return cfg
}
