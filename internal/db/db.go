// Package db provides database connection management and operations.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps the sql.DB with RepBook-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens a SQLite database at dbPath. The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A single writer connection (SQLite doesn't support multiple writers)
// DSN forms like "file:...?mode=memory" are passed through untouched so
// tests can run against an in-memory database.
func Open(dbPath string) (*DB, error) {
	// Ensure the parent directory exists for on-disk databases
	if !strings.HasPrefix(dbPath, "file:") && dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	}

	// Open database with modernc.org/sqlite (pure Go, no CGO)
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	// Enable WAL mode for better concurrency
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Enable foreign key constraints
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{sqlDB}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
