// Package config loads the character server configuration.
//
// Sources, highest precedence first:
//  1. Command-line flags registered with RegisterFlags
//  2. Environment variables (CHARSERVER_*, e.g. CHARSERVER_SERVER_PORT)
//  3. Configuration file (YAML, TOML or JSON)
//  4. Defaults
//
// Store and cache backends take their options as free-form maps that are
// decoded into the backend's own config type once the backend is chosen.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cyberinferno/character-server/tcpserver"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "CHARSERVER"

// Config is the complete server configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Store   StoreConfig   `mapstructure:"store"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig holds the listener and session settings.
type ServerConfig struct {
	ListenAddr     string `mapstructure:"listen_addr" validate:"required"`
	Port           int    `mapstructure:"port" validate:"min=1,max=65535"`
	MaxConnections int    `mapstructure:"max_connections" validate:"min=1"`
	Workers        int    `mapstructure:"workers" validate:"min=1"`
	QueueSize      int    `mapstructure:"queue_size" validate:"min=1"`
	MaxPipelined   int    `mapstructure:"max_pipelined" validate:"min=1"`
	MaxFrameSize   int    `mapstructure:"max_frame_size" validate:"min=64"`

	// ReadTimeout and WriteTimeout have no default in the file or the
	// environment. The flags default to DefaultReadTimeout and
	// DefaultWriteTimeout.
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gt=0,lte=24h"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0,lte=24h"`

	KeepAlive       time.Duration `mapstructure:"keep_alive" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	StatsInterval   time.Duration `mapstructure:"stats_interval" validate:"gte=0"`

	// LockFile is the single-instance lock. Empty disables the check.
	LockFile string `mapstructure:"lock_file"`
}

// Address returns the host:port the server listens on.
func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.Port))
}

// TCPServerConfig converts c into the session manager's settings.
func (c ServerConfig) TCPServerConfig() tcpserver.Config {
	return tcpserver.Config{
		Name:            "character",
		Addr:            c.Address(),
		MaxConnections:  c.MaxConnections,
		Workers:         c.Workers,
		QueueSize:       c.QueueSize,
		MaxPipelined:    c.MaxPipelined,
		MaxFrameSize:    c.MaxFrameSize,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		KeepAlivePeriod: c.KeepAlive,
		StatsInterval:   c.StatsInterval,
	}
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (normalized to lowercase).
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`

	// Format is json or console.
	Format string `mapstructure:"format" validate:"required,oneof=json console"`

	// Output is stdout, stderr or file.
	Output string `mapstructure:"output" validate:"required,oneof=stdout stderr file"`

	// Dir holds the daily log files when Output is file.
	Dir string `mapstructure:"dir" validate:"required_if=Output file"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	// Type is memory, badger or redis.
	Type string `mapstructure:"type" validate:"required,oneof=memory badger redis"`

	// Badger is decoded into store.BadgerStoreConfig when Type is badger.
	Badger map[string]any `mapstructure:"badger"`

	// Redis is decoded into store.RedisStoreConfig when Type is redis.
	Redis map[string]any `mapstructure:"redis"`
}

// CacheConfig configures the read-through cache in front of the store.
type CacheConfig struct {
	// Type is none, memory or redis.
	Type string `mapstructure:"type" validate:"required,oneof=none memory redis"`

	// TTL bounds how long a cached read may be served.
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`

	// CleanupInterval is how often the memory cache purges expired items.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`

	// Redis is decoded into RedisCacheConfig when Type is redis.
	Redis map[string]any `mapstructure:"redis"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

// flagKeys maps each flag registered by RegisterFlags to its config key.
var flagKeys = map[string]string{
	"listen-addr":      "server.listen_addr",
	"port":             "server.port",
	"max-connections":  "server.max_connections",
	"workers":          "server.workers",
	"read-timeout":     "server.read_timeout",
	"write-timeout":    "server.write_timeout",
	"shutdown-timeout": "server.shutdown_timeout",
	"lock-file":        "server.lock_file",
	"log-level":        "logging.level",
	"log-format":       "logging.format",
	"store":            "store.type",
	"cache":            "cache.type",
	"metrics":          "metrics.enabled",
	"metrics-addr":     "metrics.addr",
}

// RegisterFlags adds the server's command-line flags to fs.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("listen-addr", DefaultListenAddr, "address to listen on")
	flags.Int("port", DefaultPort, "TCP port")
	flags.Int("max-connections", DefaultMaxConnections, "maximum concurrent sessions")
	flags.Int("workers", DefaultWorkers, "dispatch worker count")
	flags.Duration("read-timeout", DefaultReadTimeout, "per-read socket timeout")
	flags.Duration("write-timeout", DefaultWriteTimeout, "per-write socket timeout")
	flags.Duration("shutdown-timeout", DefaultShutdownTimeout, "graceful shutdown bound")
	flags.String("lock-file", "", "single-instance lock file (empty disables)")
	flags.String("log-level", DefaultLogLevel, "debug, info, warn or error")
	flags.String("log-format", DefaultLogFormat, "json or console")
	flags.String("store", DefaultStoreType, "record store: memory, badger or redis")
	flags.String("cache", DefaultCacheType, "read cache: none, memory or redis")
	flags.Bool("metrics", false, "serve Prometheus metrics")
	flags.String("metrics-addr", DefaultMetricsAddr, "metrics listen address")
}

// Load reads the configuration, applies defaults and validates it.
//
// Parameters:
//   - configPath: Config file to read; empty reads no file, and a missing
//     file is not an error
//   - flags: Flags registered with RegisterFlags, or nil
//
// Returns:
//   - The loaded configuration
//   - An error if the file is unreadable or the result is invalid
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setupViper(v)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := readConfigFile(v); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper enables environment overrides and registers every key with
// its default, which viper needs to map environment variables onto keys
// that appear in no file.
func setupViper(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaultValues() {
		v.SetDefault(key, value)
	}
	_ = v.BindEnv("server.read_timeout")
	_ = v.BindEnv("server.write_timeout")
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}
