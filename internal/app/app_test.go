package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Security.JWTSecret = "app-test-secret-0123456789abcdefgh"
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")
	return cfg
}

func TestNewServesRoutes(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, a.RelayURL())
}

func TestNewRejectsMissingSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.JWTSecret = ""

	_, err := New(cfg)
	require.Error(t, err)
}

func TestEmbeddedRelayLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.NATS.Enabled = true
	cfg.NATS.Embedded = true
	cfg.NATS.Port = -1

	a, err := New(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, a.RelayURL())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	assert.Empty(t, a.RelayURL())
}

func TestShutdownWithoutListener(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = "127.0.0.1:0"
	a, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, a.Shutdown(ctx))
}
