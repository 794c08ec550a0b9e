package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/character-server/character"
	"github.com/cyberinferno/character-server/store"
)

func sample() character.Character {
	return character.Character{Name: "Ann", Surname: "Lee", Age: 30, Bio: "hi"}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoad_FlagDefaults(t *testing.T) {
	cfg, err := Load("", newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.Server.ListenAddr)
	assert.Equal(t, 12345, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Server.MaxConnections)
	assert.Equal(t, 16, cfg.Server.Workers)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "none", cfg.Cache.Type)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_TimeoutsAreRequired(t *testing.T) {
	_, err := Load("", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReadTimeout")
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  port: 4000
  read_timeout: 2s
  write_timeout: 1s
  max_connections: 5
logging:
  level: DEBUG
  format: console
store:
  type: badger
  badger:
    path: /var/lib/characters
cache:
  type: memory
  ttl: 30s
metrics:
  enabled: true
  addr: 127.0.0.1:9999
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 5, cfg.Server.MaxConnections)
	assert.Equal(t, 16, cfg.Server.Workers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "badger", cfg.Store.Type)
	assert.Equal(t, "/var/lib/characters", cfg.Store.Badger["path"])
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Addr)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
port = 4100
read_timeout = "3s"
write_timeout = "3s"

[logging]
level = "warn"
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, 12345, cfg.Server.Port)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "server: [port: 1\n")
	_, err := Load(path, newFlags(t))
	assert.Error(t, err)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("CHARSERVER_SERVER_PORT", "5555")
	t.Setenv("CHARSERVER_SERVER_READ_TIMEOUT", "7s")
	t.Setenv("CHARSERVER_SERVER_WRITE_TIMEOUT", "8s")
	t.Setenv("CHARSERVER_LOGGING_LEVEL", "ERROR")
	t.Setenv("CHARSERVER_STORE_TYPE", "badger")
	t.Setenv("CHARSERVER_STORE_BADGER_IN_MEMORY", "true")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 5555, cfg.Server.Port)
	assert.Equal(t, 7*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 8*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "error", cfg.Logging.Level)

	opts, err := decodeBadgerOptions(cfg.Store.Badger)
	require.NoError(t, err)
	assert.True(t, opts.InMemory)
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("CHARSERVER_SERVER_PORT", "5555")
	t.Setenv("CHARSERVER_SERVER_READ_TIMEOUT", "7s")

	cfg, err := Load("", newFlags(t, "--port=7000", "--workers=4"))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Server.Workers)
	// Unchanged flags do not mask the environment.
	assert.Equal(t, 7*time.Second, cfg.Server.ReadTimeout)
}

func TestApplyDefaults_Normalizes(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "WARNING", Format: "JSON", Output: "Stderr"},
		Store:   StoreConfig{Type: "Badger"},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, "badger", cfg.Store.Type)
	assert.NotNil(t, cfg.Store.Badger)
	assert.NotNil(t, cfg.Cache.Redis)
	assert.Zero(t, cfg.Server.ReadTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "Port"},
		{"zero read timeout", func(c *Config) { c.Server.ReadTimeout = 0 }, "ReadTimeout"},
		{"write timeout over a day", func(c *Config) { c.Server.WriteTimeout = 25 * time.Hour }, "WriteTimeout"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
		{"file output needs dir", func(c *Config) { c.Logging.Output = "file" }, "Dir"},
		{"unknown store", func(c *Config) { c.Store.Type = "mysql" }, "Type"},
		{"badger needs path", func(c *Config) {
			c.Store.Type = "badger"
			c.Store.Badger = map[string]any{"path": ""}
		}, "path is required"},
		{"badger in memory needs no path", func(c *Config) {
			c.Store.Type = "badger"
			c.Store.Badger = map[string]any{"in_memory": true}
		}, ""},
		{"redis store needs addr", func(c *Config) { c.Store.Type = "redis" }, "addr is required"},
		{"redis cache needs addr", func(c *Config) { c.Cache.Type = "redis" }, "addr is required"},
		{"metrics needs addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = ""
		}, "Addr"},
		{"pipeline deeper than queue", func(c *Config) {
			c.Server.MaxPipelined = 10
			c.Server.QueueSize = 5
		}, "max_pipelined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestServerConfig_TCPServerConfig(t *testing.T) {
	cfg := GetDefaultConfig().Server
	cfg.ListenAddr = "127.0.0.1"

	tc := cfg.TCPServerConfig()
	assert.Equal(t, "127.0.0.1:12345", tc.Addr)
	assert.Equal(t, cfg.MaxConnections, tc.MaxConnections)
	assert.Equal(t, cfg.ReadTimeout, tc.ReadTimeout)
	assert.Equal(t, cfg.KeepAlive, tc.KeepAlivePeriod)
}

func TestWriteSample_LoadsBack(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSample(&buf, nil))
	assert.Contains(t, buf.String(), "read_timeout: 30s")

	path := writeConfig(t, "sample.yaml", buf.String())
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	want := GetDefaultConfig()
	assert.Equal(t, want.Server, cfg.Server)
	assert.Equal(t, want.Logging, cfg.Logging)
	assert.Equal(t, want.Metrics, cfg.Metrics)
	assert.Equal(t, want.Cache.TTL, cfg.Cache.TTL)
	assert.Equal(t, want.Store.Type, cfg.Store.Type)
	assert.Equal(t, DefaultBadgerPath, cfg.Store.Badger["path"])
}

func TestWriteSampleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, WriteSampleFile(path, false))
	assert.ErrorIs(t, WriteSampleFile(path, false), ErrConfigExists)

	require.NoError(t, os.WriteFile(path, []byte("junk"), 0644))
	require.NoError(t, WriteSampleFile(path, true))

	_, err := Load(path, nil)
	assert.NoError(t, err)
}

func TestCreateStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s, err := CreateStore(ctx, &StoreConfig{Type: "memory"}, nil)
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &store.MemoryStore{}, s)
	})

	t.Run("badger from string options", func(t *testing.T) {
		s, err := CreateStore(ctx, &StoreConfig{
			Type:   "badger",
			Badger: map[string]any{"in_memory": "true", "sequence_bandwidth": "10"},
		}, nil)
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &store.BadgerStore{}, s)
	})

	t.Run("badger with bad options", func(t *testing.T) {
		_, err := CreateStore(ctx, &StoreConfig{
			Type:   "badger",
			Badger: map[string]any{"in_memory": "maybe"},
		}, nil)
		assert.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := CreateStore(ctx, &StoreConfig{Type: "mysql"}, nil)
		assert.Error(t, err)
	})
}

func TestWrapWithCache(t *testing.T) {
	ctx := context.Background()

	t.Run("none", func(t *testing.T) {
		inner := store.NewMemoryStore()
		s, err := WrapWithCache(ctx, inner, &CacheConfig{Type: "none"})
		require.NoError(t, err)
		assert.Same(t, inner, s)
	})

	t.Run("memory", func(t *testing.T) {
		s, err := WrapWithCache(ctx, store.NewMemoryStore(), &CacheConfig{
			Type:            "memory",
			TTL:             time.Minute,
			CleanupInterval: time.Minute,
		})
		require.NoError(t, err)
		defer s.Close()

		cached, ok := s.(*store.CachedStore)
		require.True(t, ok)

		c, err := s.Insert(ctx, sample())
		require.NoError(t, err)
		_, err = s.GetByID(ctx, c.ID)
		require.NoError(t, err)
		_, err = s.GetByID(ctx, c.ID)
		require.NoError(t, err)

		records, _ := cached.CacheStats()
		assert.Equal(t, uint64(1), records.Hits)
		assert.Equal(t, uint64(1), records.Misses)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := WrapWithCache(ctx, store.NewMemoryStore(), &CacheConfig{Type: "memcached"})
		assert.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: "stderr"}, "test")
	require.NoError(t, err)
	assert.NoError(t, log.Close())

	_, err = NewLogger(LoggingConfig{Level: "loud"}, "test")
	assert.Error(t, err)

	dir := t.TempDir()
	log, err = NewLogger(LoggingConfig{Level: "info", Format: "json", Output: "file", Dir: dir}, "test")
	require.NoError(t, err)
	log.Info("hello")
	require.NoError(t, log.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
