package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, int64(16384), cfg.Server.MaxMessageSize)
	assert.Equal(t, 5, cfg.Server.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.Server.RateLimit.RefillInterval)
	assert.Equal(t, "roomchat.db", cfg.Database.Path)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "short")

	_, err := LoadFile("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWTSecret")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("SERVER_PORT", ":9090")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, https://b.example ,")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("RATE_LIMIT_BURST", "10")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "3")
	t.Setenv("DATABASE_PATH", "/tmp/chat.db")
	t.Setenv("NATS_ENABLED", "true")
	t.Setenv("NATS_EMBEDDED", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BREAKER_INTERVAL", "90")
	t.Setenv("BREAKER_TIMEOUT", "15s")

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, int64(2048), cfg.Server.MaxMessageSize)
	assert.Equal(t, 10, cfg.Server.RateLimit.Burst)
	assert.Equal(t, 3*time.Second, cfg.Server.RateLimit.RefillInterval)
	assert.Equal(t, "/tmp/chat.db", cfg.Database.Path)
	assert.True(t, cfg.NATS.Enabled)
	assert.True(t, cfg.NATS.Embedded)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 90*time.Second, cfg.Breaker.Interval)
	assert.Equal(t, 15*time.Second, cfg.Breaker.Timeout)
}

func TestLoadSanitizesNonPositiveValues(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("MAX_MESSAGE_SIZE", "-1")
	t.Setenv("RATE_LIMIT_BURST", "0")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "0")

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, int64(16384), cfg.Server.MaxMessageSize)
	assert.Equal(t, 5, cfg.Server.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.Server.RateLimit.RefillInterval)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: ":7000"
  rate_limit:
    refill_interval: 2s
security:
  jwt_secret: "` + testSecret + `"
  allowed_origins:
    - http://file.example
logging:
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("SERVER_PORT", ":7001")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":7001", cfg.Server.Port, "env wins over file")
	assert.Equal(t, 2*time.Second, cfg.Server.RateLimit.RefillInterval)
	assert.Equal(t, []string{"http://file.example"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestValidateRejectsRemoteNATSWithoutURL(t *testing.T) {
	cfg := Default()
	cfg.Security.JWTSecret = testSecret
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ""

	assert.Error(t, cfg.Validate())

	cfg.NATS.Embedded = true
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Security.JWTSecret = testSecret
	cfg.Logging.Level = "verbose"

	assert.Error(t, cfg.Validate())
}
