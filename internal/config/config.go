// Package config loads server configuration from defaults, an optional
// config file and HOOKTRAP_-prefixed environment variables, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Endpoints EndpointsConfig `mapstructure:"endpoints"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Hub       HubConfig       `mapstructure:"hub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type CaptureConfig struct {
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type EndpointsConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	MaxTTL     time.Duration `mapstructure:"max_ttl"`
}

type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Backend string        `mapstructure:"backend"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
	// FailOpen admits traffic when the limiter backend is unreachable.
	// Capture availability is worth more than strict limiting here, so it
	// defaults to true.
	FailOpen bool        `mapstructure:"fail_open"`
	Redis    RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ReaperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// RecordTTL deletes captured requests older than this. Zero keeps
	// records until their endpoint is purged.
	RecordTTL time.Duration `mapstructure:"record_ttl"`
	BatchSize int           `mapstructure:"batch_size"`
}

type HubConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("storage.path", "hooktrap.db")
	v.SetDefault("capture.max_body_bytes", 1048576)
	v.SetDefault("capture.trusted_proxies", []string{})
	v.SetDefault("endpoints.default_ttl", "24h")
	v.SetDefault("endpoints.max_ttl", "720h")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.limit", 60)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.fail_open", true)
	v.SetDefault("ratelimit.redis.addr", "localhost:6379")
	v.SetDefault("ratelimit.redis.db", 0)
	v.SetDefault("reaper.interval", "60s")
	v.SetDefault("reaper.record_ttl", "0")
	v.SetDefault("reaper.batch_size", 100)
	v.SetDefault("hub.subscriber_buffer", 32)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hooktrap")
	}

	// Environment variables override, e.g. HOOKTRAP_SERVER_PORT=9090.
	v.SetEnvPrefix("HOOKTRAP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path must not be empty")
	}
	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case "memory", "redis":
		default:
			return fmt.Errorf("unknown ratelimit backend %q", c.RateLimit.Backend)
		}
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("ratelimit limit must be positive, got %d", c.RateLimit.Limit)
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("ratelimit window must be positive, got %s", c.RateLimit.Window)
		}
	}
	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper interval must be positive, got %s", c.Reaper.Interval)
	}
	return nil
}
