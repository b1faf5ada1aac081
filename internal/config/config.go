// Package config provides configuration management for the collaboration server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devrev/pairdoc/internal/transform"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. COLLAB_REDIS_HOST
const EnvPrefix = "COLLAB"

// Config holds all configuration for the collaboration server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Hub         HubConfig         `mapstructure:"hub"`
	Client      ClientConfig      `mapstructure:"client"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// RedisConfig holds the version store connection.
type RedisConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	PoolSize   int    `mapstructure:"pool_size"`
	MaxRetries int    `mapstructure:"max_retries"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// DatabaseConfig holds the PostgreSQL document store. When disabled the
// server keeps documents in memory.
type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
	Migrate        bool   `mapstructure:"migrate"`
}

// SyncConfig holds the ordering engine settings.
type SyncConfig struct {
	SaveThreshold int `mapstructure:"save_threshold"`
	// RetainVersions is how many persisted versions stay readable after a
	// save, so clients that far behind can still submit and catch up
	RetainVersions int    `mapstructure:"retain_versions"`
	QueueCapacity  int    `mapstructure:"queue_capacity"`
	Engine         string `mapstructure:"engine"`
}

// HubConfig holds websocket hub settings.
type HubConfig struct {
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	SendBufferSize  int           `mapstructure:"send_buffer_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	RelayEnabled    bool          `mapstructure:"relay_enabled"`
}

// ClientConfig holds the reconnect policy used by collabctl.
type ClientConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
	MaxRetries      uint64        `mapstructure:"max_retries"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/collab-server/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing file is fine, defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.key_prefix", "")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "pairdoc")
	v.SetDefault("database.user", "pairdoc")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 20)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.migrate", true)

	v.SetDefault("sync.save_threshold", 100)
	v.SetDefault("sync.retain_versions", 100)
	v.SetDefault("sync.queue_capacity", 100)
	v.SetDefault("sync.engine", transform.EngineText)

	v.SetDefault("hub.read_buffer_size", 1024)
	v.SetDefault("hub.write_buffer_size", 1024)
	v.SetDefault("hub.send_buffer_size", 256)
	v.SetDefault("hub.max_message_size", 1<<20)
	v.SetDefault("hub.write_wait", "10s")
	v.SetDefault("hub.pong_wait", "60s")
	v.SetDefault("hub.ping_period", "54s")
	v.SetDefault("hub.relay_enabled", true)

	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.request_timeout", "10s")
	v.SetDefault("client.initial_interval", "500ms")
	v.SetDefault("client.max_interval", "5s")
	v.SetDefault("client.max_elapsed_time", "2m")
	v.SetDefault("client.max_retries", 10)

	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("rate_limiter.requests_per_second", 200.0)
	v.SetDefault("rate_limiter.burst_size", 50)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Database.Enabled {
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	}

	if c.Sync.SaveThreshold <= 0 {
		return fmt.Errorf("sync.save_threshold must be positive")
	}
	if c.Sync.RetainVersions < 0 {
		return fmt.Errorf("sync.retain_versions must not be negative")
	}
	if c.Sync.QueueCapacity <= 0 {
		return fmt.Errorf("sync.queue_capacity must be positive")
	}
	if _, err := transform.New(c.Sync.Engine); err != nil {
		return fmt.Errorf("sync.engine: %w", err)
	}

	if c.Hub.PingPeriod >= c.Hub.PongWait {
		return fmt.Errorf("hub.ping_period must be shorter than hub.pong_wait")
	}

	if c.Client.MaxRetries == 0 && c.Client.MaxElapsedTime <= 0 {
		return errors.New("client retries must be bounded by max_retries or max_elapsed_time")
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
		if c.Metrics.Port == c.Server.Port {
			return fmt.Errorf("metrics port %d collides with server port", c.Metrics.Port)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}
