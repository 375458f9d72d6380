package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "tripsync/pkg/database"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "trips.db")
	cfg.MigrationsPath = "../../migrations"
	cfg.ApplyMigrations = true

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	_, err = m.db.Exec(`
		INSERT INTO trips (id, user_id, title) VALUES ('trip-42', 'owner', 'Lisbon'), ('trip-7', 'other', 'Oslo');
		INSERT INTO trip_collaborators (trip_id, user_id, role) VALUES ('trip-42', 'friend', 'editor');
	`)
	require.NoError(t, err)
	return m
}

func TestManager_CanAccessTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	assert.NoError(t, m.CanAccessTrip(ctx, "trip-42", "owner"))
	assert.NoError(t, m.CanAccessTrip(ctx, "trip-42", "friend"))
	assert.ErrorIs(t, m.CanAccessTrip(ctx, "trip-42", "stranger"), ErrAccessDenied)
	assert.ErrorIs(t, m.CanAccessTrip(ctx, "trip-7", "friend"), ErrAccessDenied)
	assert.ErrorIs(t, m.CanAccessTrip(ctx, "trip-missing", "owner"), ErrTripNotFound)
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.HealthCheck(ctx))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.HealthCheck(ctx), ErrClosed)
	assert.ErrorIs(t, m.CanAccessTrip(ctx, "trip-42", "owner"), ErrClosed)
}

func TestNewManager_RejectsMissingSchema(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "empty.db")

	_, err := NewManager(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestNewManager_RejectsInvalidConfig(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.MaxConnections = 0

	_, err := NewManager(cfg, nil)
	assert.Error(t, err)
}
