// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	apperrors "github.com/grannygear/workshop/internal/errors"
)

// migration represents one versioned schema change. Migrations are embedded
// in the binary; the companion has no deploy step that could ship SQL files
// next to it.
type migration struct {
	version     int
	description string
	sql         string
}

var migrations = []migration{
	{
		version:     1,
		description: "initial_schema",
		sql: `
		CREATE TABLE IF NOT EXISTS pending_jobs (
			local_id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_data TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK(status IN ('pending', 'syncing', 'synced', 'failed')),
			created_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0 CHECK(attempts >= 0),
			last_error TEXT,
			reserved_job_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_pending_jobs_status ON pending_jobs(status);
		CREATE INDEX IF NOT EXISTS idx_pending_jobs_created_at ON pending_jobs(created_at);

		CREATE TABLE IF NOT EXISTS data_cache (
			key TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			cached_at INTEGER NOT NULL
		);`,
	},
}

// Migrate applies all pending schema migrations inside transactions.
// AUTOINCREMENT on pending_jobs.local_id keeps local ids monotonic and
// never reused, even after deletes.
func Migrate(db *DB) error {
	if err := initMigrations(db); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "cannot create schema_migrations", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "cannot read applied migrations", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration,
				fmt.Sprintf("migration v%d (%s) failed", m.version, m.description), err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(db *DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

func initMigrations(db *DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := db.Exec(query)
	return err
}

func appliedVersions(db *DB) (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func applyMigration(db *DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	hash := sha256.Sum256([]byte(m.sql))
	checksum := hex.EncodeToString(hash[:])

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, m.version, time.Now().Unix(), m.description, checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
