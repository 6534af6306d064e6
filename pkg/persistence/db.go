// Package persistence provides the SQLite-backed durable store. It
// implements the continuity.Store contract: keyed reads and writes with
// read-your-writes consistency per key, no cross-key transactions.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"conclave/pkg/logx"
)

// DB wraps the SQLite connection. Constructed once at startup and injected;
// SQLite supports a single writer, so the pool is capped at one connection.
type DB struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens the database at dbPath with WAL mode and a busy timeout, and
// brings the schema to the current version.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("database initialized: %s", dbPath)

	return &DB{db: db, logger: logger}, nil
}

// Close closes the database connection. Called during shutdown.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
