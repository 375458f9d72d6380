package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dbconfig "tripsync/pkg/database"
)

// Manager answers trip access questions from the planner's sqlite data.
// It implements interfaces.AccessChecker and never writes trip data.
type Manager struct {
	db     *sql.DB
	config *dbconfig.Config
	logger *zap.Logger

	closed bool
	mu     sync.RWMutex
}

// NewManager opens the database, optionally applies migrations, and checks
// that the queried tables exist
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if config.ApplyMigrations {
		applied, err := dbconfig.NewMigrationManager(db, config.MigrationsPath).ApplyMigrations()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if len(applied) > 0 {
			logger.Info("applied migrations", zap.Strings("versions", applied))
		}
	}

	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("access store schema: %w", err)
	}

	logger.Info("trip access store opened", zap.String("path", config.DatabasePath))
	return &Manager{db: db, config: config, logger: logger}, nil
}

// CanAccessTrip returns nil when userID owns tripID or is one of its
// collaborators
func (m *Manager) CanAccessTrip(ctx context.Context, tripID, userID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	const query = `
		SELECT t.user_id,
		       EXISTS (SELECT 1 FROM trip_collaborators c WHERE c.trip_id = t.id AND c.user_id = ?)
		FROM trips t
		WHERE t.id = ?
	`
	var (
		ownerID      string
		collaborator bool
	)
	err := m.db.QueryRowContext(ctx, query, userID, tripID).Scan(&ownerID, &collaborator)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTripNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up trip %s: %w", tripID, err)
	}

	if ownerID == userID || collaborator {
		return nil
	}
	return ErrAccessDenied
}

// HealthCheck verifies the database answers queries
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trips LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the database. Further lookups fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
