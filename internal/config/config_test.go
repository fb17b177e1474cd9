package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 10*time.Second, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, "hooktrap.db", cfg.Storage.Path)
	assert.EqualValues(t, 1048576, cfg.Capture.MaxBodyBytes)
	assert.Empty(t, cfg.Capture.TrustedProxies)
	assert.Equal(t, 24*time.Hour, cfg.Endpoints.DefaultTTL)
	assert.Equal(t, 720*time.Hour, cfg.Endpoints.MaxTTL)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.Equal(t, 60, cfg.RateLimit.Limit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.True(t, cfg.RateLimit.FailOpen)
	assert.Equal(t, time.Minute, cfg.Reaper.Interval)
	assert.Zero(t, cfg.Reaper.RecordTTL)
	assert.Equal(t, 100, cfg.Reaper.BatchSize)
	assert.Equal(t, 32, cfg.Hub.SubscriberBuffer)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
capture:
  max_body_bytes: 4096
  trusted_proxies:
    - 10.0.0.0/8
ratelimit:
  backend: redis
  redis:
    addr: redis.internal:6379
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.EqualValues(t, 4096, cfg.Capture.MaxBodyBytes)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Capture.TrustedProxies)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.RateLimit.Redis.Addr)
	// Untouched keys keep their defaults.
	assert.Equal(t, "hooktrap.db", cfg.Storage.Path)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HOOKTRAP_SERVER_PORT", "7070")
	t.Setenv("HOOKTRAP_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/hooktrap.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.RateLimit.Backend = "etcd"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.Backend = "etcd"
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Reaper.Interval = 0
	assert.Error(t, cfg.Validate())
}
