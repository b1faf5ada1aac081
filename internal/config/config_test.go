package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)

	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.False(t, cfg.Database.Enabled)

	assert.Equal(t, 100, cfg.Sync.SaveThreshold)
	assert.Equal(t, 100, cfg.Sync.RetainVersions)
	assert.Equal(t, 100, cfg.Sync.QueueCapacity)
	assert.Equal(t, "text", cfg.Sync.Engine)

	assert.Equal(t, 54*time.Second, cfg.Hub.PingPeriod)
	assert.True(t, cfg.Hub.RelayEnabled)

	assert.Equal(t, uint64(10), cfg.Client.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Client.MaxElapsedTime)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("COLLAB_SERVER_PORT", "9000")
	t.Setenv("COLLAB_SYNC_SAVE_THRESHOLD", "5")
	t.Setenv("COLLAB_SYNC_ENGINE", "json-patch")
	t.Setenv("COLLAB_HUB_WRITE_WAIT", "3s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Sync.SaveThreshold)
	assert.Equal(t, "json-patch", cfg.Sync.Engine)
	assert.Equal(t, 3*time.Second, cfg.Hub.WriteWait)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	content := `
server:
  port: 8181
redis:
  host: redis.internal
  key_prefix: "docs:"
database:
  enabled: true
  host: pg.internal
sync:
  save_threshold: 50
  retain_versions: 0
  queue_capacity: 8
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, "docs:", cfg.Redis.KeyPrefix)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "pg.internal", cfg.Database.Host)
	assert.Equal(t, "pairdoc", cfg.Database.Database)
	assert.Equal(t, 50, cfg.Sync.SaveThreshold)
	assert.Equal(t, 0, cfg.Sync.RetainVersions)
	assert.Equal(t, 8, cfg.Sync.QueueCapacity)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [port"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"no redis", func(c *Config) { c.Redis.Host = "" }, "redis.host"},
		{"database without host", func(c *Config) {
			c.Database.Enabled = true
			c.Database.Host = ""
		}, "database.host"},
		{"zero threshold", func(c *Config) { c.Sync.SaveThreshold = 0 }, "save_threshold"},
		{"negative retention", func(c *Config) { c.Sync.RetainVersions = -1 }, "retain_versions"},
		{"zero capacity", func(c *Config) { c.Sync.QueueCapacity = 0 }, "queue_capacity"},
		{"unknown engine", func(c *Config) { c.Sync.Engine = "crdt" }, "sync.engine"},
		{"ping after pong", func(c *Config) { c.Hub.PingPeriod = 2 * c.Hub.PongWait }, "ping_period"},
		{"unbounded retries", func(c *Config) {
			c.Client.MaxRetries = 0
			c.Client.MaxElapsedTime = 0
		}, "bounded"},
		{"rate limiter burst", func(c *Config) { c.RateLimiter.BurstSize = 0 }, "burst size"},
		{"metrics collides", func(c *Config) { c.Metrics.Port = c.Server.Port }, "collides"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
