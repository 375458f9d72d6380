package app

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tripsync/internal/api"
	"tripsync/internal/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 18080 // startApp rebinds to an ephemeral port
	cfg.Auth.JWTSecret = "app-test-secret"
	cfg.Maintenance.StatsReport = ""
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	app, err := NewApplication(cfg, zap.NewNop())
	require.NoError(t, err)

	// bind an ephemeral port
	app.httpServer.Addr = "127.0.0.1:0"
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})
	return app
}

func getHealth(t *testing.T, app *Application) (int, api.HealthResponse) {
	t.Helper()
	resp, err := http.Get("http://" + app.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	return resp.StatusCode, health
}

func TestNewApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := NewApplication(cfg, zap.NewNop())
	assert.Error(t, err, "missing JWT secret")
}

func TestApplication_StartStop(t *testing.T) {
	app := startApp(t, testConfig())

	code, health := getHealth(t, app)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Dispatcher.Running)
	assert.Equal(t, "disabled", health.Components["access"])
	assert.Equal(t, "disabled", health.Components["bridge"])

	token, err := app.Verifier().Sign("alice", time.Minute)
	require.NoError(t, err)
	identity, err := app.Verifier().Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(ctx))
	assert.False(t, app.hub.IsRunning())
}

func TestApplication_WithAccessStoreAndBridge(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Access.Enforce = true
	cfg.Access.DatabasePath = filepath.Join(t.TempDir(), "trips.db")
	cfg.Access.MigrationsPath = filepath.Join("..", "..", "migrations")
	cfg.Access.ApplyMigrations = true
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()

	app := startApp(t, cfg)

	code, health := getHealth(t, app)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", health.Components["access"])
	assert.Equal(t, "healthy", health.Components["bridge"])
}

func TestApplication_BridgeUnavailable(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = addr

	app, err := NewApplication(cfg, zap.NewNop())
	require.NoError(t, err)
	app.httpServer.Addr = "127.0.0.1:0"

	assert.Error(t, app.Start(context.Background()))
	assert.False(t, app.hub.IsRunning())
}
