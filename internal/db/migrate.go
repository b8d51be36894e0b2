// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migration pairs a schema version with its DDL. Migrations are
// compiled into the binary; the mobile bundle ships no loose SQL files.
type migration struct {
	version     int
	description string
	sql         string
}

// migrations is the ordered schema history. Append only; never edit an
// applied entry, the checksum check will refuse to start.
var migrations = []migration{
	{
		version:     1,
		description: "exposure queue",
		sql: `
		CREATE TABLE IF NOT EXISTS exposure_queue (
			client_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending'
				CHECK(sync_status IN ('pending', 'syncing', 'synced', 'failed')),
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exposure_queue_status_created
			ON exposure_queue(sync_status, created_at);`,
	},
	{
		version:     2,
		description: "photo queue",
		sql: `
		CREATE TABLE IF NOT EXISTS photo_queue (
			id TEXT PRIMARY KEY,
			exposure_client_id TEXT NOT NULL,
			local_uri TEXT NOT NULL,
			file_name TEXT NOT NULL,
			file_size INTEGER NOT NULL DEFAULT 0,
			mime_type TEXT NOT NULL DEFAULT '',
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			exif TEXT,
			upload_status TEXT NOT NULL DEFAULT 'pending'
				CHECK(upload_status IN ('pending', 'uploading', 'uploaded', 'error')),
			upload_progress INTEGER NOT NULL DEFAULT 0
				CHECK(upload_progress BETWEEN 0 AND 100),
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_photo_queue_exposure
			ON photo_queue(exposure_client_id);
		CREATE INDEX IF NOT EXISTS idx_photo_queue_status_created
			ON photo_queue(upload_status, created_at);`,
	},
	{
		version:     3,
		description: "synced record cache",
		sql: `
		CREATE TABLE IF NOT EXISTS synced_records (
			client_id TEXT PRIMARY KEY,
			remote_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			synced_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_synced_records_synced_at
			ON synced_records(synced_at);`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations in order. Already-applied versions
// are verified against their recorded checksum so a modified migration
// is caught instead of silently diverging the schema.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedByVersion := make(map[int]Migration, len(applied))
	for _, mig := range applied {
		appliedByVersion[mig.Version] = mig
	}

	for _, mig := range migrations {
		sum := checksum(mig.sql)

		if prev, ok := appliedByVersion[mig.version]; ok {
			if prev.Checksum != sum {
				return fmt.Errorf("migration V%d checksum mismatch: recorded %s, compiled %s",
					mig.version, prev.Checksum, sum)
			}
			continue
		}

		if err := m.apply(mig, sum); err != nil {
			return fmt.Errorf("failed to apply migration V%d (%s): %w", mig.version, mig.description, err)
		}
	}

	return nil
}

// apply runs one migration and records it, atomically.
func (m *Migrator) apply(mig migration, sum string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.sql); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		mig.version, time.Now().Unix(), mig.description, sum,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// checksum returns the hex SHA-256 of a migration's DDL.
func checksum(ddl string) string {
	h := sha256.Sum256([]byte(ddl))
	return hex.EncodeToString(h[:])
}
