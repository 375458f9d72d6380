package database

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds the trip access store settings
type Config struct {
	DatabasePath    string        `json:"database_path" yaml:"database_path"`
	MaxConnections  int           `json:"max_connections" yaml:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	MigrationsPath  string        `json:"migrations_path" yaml:"migrations_path"`

	// ApplyMigrations creates the tables when tripsync runs against its own
	// copy of the data instead of the CRUD service's file
	ApplyMigrations bool `json:"apply_migrations" yaml:"apply_migrations"`
}

// DefaultConfig returns the store defaults
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/trips.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		MigrationsPath:  "./migrations",
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.ApplyMigrations && c.MigrationsPath == "" {
		return errors.New("migrations path cannot be empty when applying migrations")
	}
	return nil
}

// DSN is the sqlite3 connection string for the configured path
func (c *Config) DSN() string {
	return c.DatabasePath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

const sqliteOptimizations = `
	PRAGMA synchronous = NORMAL;
	PRAGMA cache_size = -16000;
	PRAGMA temp_store = MEMORY;
	PRAGMA foreign_keys = ON;
	PRAGMA busy_timeout = 5000;
`

// ApplySQLiteOptimizations sets connection pragmas
func ApplySQLiteOptimizations(db *sql.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	return err
}
