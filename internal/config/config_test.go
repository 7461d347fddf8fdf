package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/tcmsync")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err, "a missing config file is not an error")

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.Sync.HeartbeatInterval)
	assert.Equal(t, 24*time.Hour, cfg.Sync.SessionRetention)
	assert.Equal(t, 30*time.Second, cfg.Sync.PrimaryGrace)
	assert.Equal(t, 64, cfg.Sync.SendQueueSize)
	assert.Equal(t, 720*time.Hour, cfg.Sync.ChangeLogRetention)
	assert.Equal(t, "@every 1m", cfg.Sync.SweepSchedule)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Auth.Required)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoadConfig_FromFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("JWT_SECRET", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  host: 127.0.0.1
  port: 9090
database:
  url: postgres://localhost:5432/tcmsync
redis:
  url: redis://localhost:6379/0
auth:
  required: true
  jwt_secret: file-secret
sync:
  heartbeat_interval: 10s
  primary_grace: 1m
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.True(t, cfg.Auth.Required)
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 10*time.Second, cfg.Sync.HeartbeatInterval)
	assert.Equal(t, time.Minute, cfg.Sync.PrimaryGrace)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 64, cfg.Sync.SendQueueSize, "unset keys keep their defaults")
}

func TestLoadConfig_SecretEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  url: postgres://file-host:5432/tcmsync
redis:
  url: redis://file-host:6379/0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("DATABASE_URL", "postgres://env-host:5432/tcmsync")
	t.Setenv("REDIS_URL", "redis://env-host:6379/0")
	t.Setenv("JWT_SECRET", "env-secret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env-host:5432/tcmsync", cfg.Database.URL)
	assert.Equal(t, "redis://env-host:6379/0", cfg.Redis.URL)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
}

func TestLoadConfig_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "database url")
}

func TestLoadConfig_AuthRequiresSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/tcmsync")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JWT_SECRET", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  required: true\n"), 0o644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "JWT secret")
}
