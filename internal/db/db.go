// Package db provides durable storage for pending jobs and cached snapshots.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	apperrors "github.com/grannygear/workshop/internal/errors"
)

// DB wraps sql.DB with workshop-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the workshop SQLite database with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// The schema is created/updated via Migrate before the handle is returned.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "workshop.db")

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	wrapped := &DB{db}
	if err := Migrate(wrapped); err != nil {
		db.Close()
		return nil, err
	}

	return wrapped, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Store lazily opens the database on first use and caches the live handle
// for the process lifetime. Concurrent callers before the first open
// completes wait for it and share the result rather than opening twice.
// A failed open is not cached: the next caller retries, so transient
// filesystem problems do not permanently disable durable queuing.
type Store struct {
	dataDir string

	mu sync.Mutex
	db *DB
}

// NewStore creates a Store rooted at dataDir. The database is not touched
// until the first Get.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// Get returns the ready database handle, opening it on first use.
func (s *Store) Get() (*DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	db, err := Open(s.dataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "cannot open durable store", err)
	}

	s.db = db
	return s.db, nil
}

// Close closes the cached handle if one was opened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
