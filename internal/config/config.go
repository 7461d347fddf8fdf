package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type AuthConfig struct {
	// Required enforces a bearer token on the sync endpoint. When false the
	// hub trusts the user_id/device_id query parameters (development mode).
	Required  bool   `mapstructure:"required"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type SyncConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	SessionRetention   time.Duration `mapstructure:"session_retention"`
	PrimaryGrace       time.Duration `mapstructure:"primary_grace"`
	SendQueueSize      int           `mapstructure:"send_queue_size"`
	ChangeLogRetention time.Duration `mapstructure:"changelog_retention"`
	SweepSchedule      string        `mapstructure:"sweep_schedule"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads the YAML file at path, layers SYNC_* environment
// variables over it, and applies the secret overrides that never live in
// files (DATABASE_URL, REDIS_URL, NATS_URL, JWT_SECRET). A missing file is
// fine; the environment alone can configure the daemon.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("sync.heartbeat_interval", "30s")
	v.SetDefault("sync.session_retention", "24h")
	v.SetDefault("sync.primary_grace", "30s")
	v.SetDefault("sync.send_queue_size", 64)
	v.SetDefault("sync.changelog_retention", "720h")
	v.SetDefault("sync.sweep_schedule", "@every 1m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database url is required (DATABASE_URL)")
	}
	if c.Redis.URL == "" {
		return errors.New("redis url is required (REDIS_URL)")
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		return errors.New("auth.required is set but no JWT secret provided (JWT_SECRET)")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.enabled is set but no NATS url provided (NATS_URL)")
	}
	if c.Sync.HeartbeatInterval <= 0 {
		return errors.New("sync.heartbeat_interval must be positive")
	}
	if c.Sync.SendQueueSize <= 0 {
		return errors.New("sync.send_queue_size must be positive")
	}
	return nil
}
