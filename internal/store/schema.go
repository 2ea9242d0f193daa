// Schema bootstrap for the engine's fixed tables. Partition tables are
// created lazily; the operation queue and dead-letter tables need real
// columns and are versioned here instead.
package store

import (
	"fmt"
	"time"

	apperrors "github.com/quinca-app/engine/internal/errors"
)

// schemaVersions are applied in order exactly once each. Never edit an
// entry after release; append a new version instead.
var schemaVersions = []struct {
	version     int
	description string
	statements  []string
}{
	{
		version:     1,
		description: "pending operations queue",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS pending_operations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				idempotency_key TEXT NOT NULL UNIQUE,
				operation_type TEXT NOT NULL,
				payload BLOB NOT NULL,
				payload_hash TEXT NOT NULL,
				attempt_count INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_pending_operations_created_at
				ON pending_operations (created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_pending_operations_payload_hash
				ON pending_operations (operation_type, payload_hash);`,
		},
	},
	{
		version:     2,
		description: "dead letter operations",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS dead_letter_operations (
				id INTEGER PRIMARY KEY,
				idempotency_key TEXT NOT NULL,
				operation_type TEXT NOT NULL,
				payload BLOB NOT NULL,
				attempt_count INTEGER NOT NULL,
				reason TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				failed_at INTEGER NOT NULL
			);`,
		},
	},
}

// bootstrap applies pending schema versions inside one transaction each.
func (s *Store) bootstrap() error {
	init := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0)
	);`
	if _, err := s.db.Exec(init); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to initialize schema", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to read schema version", err)
	}

	for _, sv := range schemaVersions {
		if sv.version <= current {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to begin migration", err)
		}

		for _, stmt := range sv.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return apperrors.Wrap(apperrors.ErrStorageUnavailable,
					fmt.Sprintf("migration %d failed", sv.version), err)
			}
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			sv.version, time.Now().Unix(), sv.description,
		); err != nil {
			tx.Rollback()
			return apperrors.Wrap(apperrors.ErrStorageUnavailable,
				fmt.Sprintf("failed to record migration %d", sv.version), err)
		}

		if err := tx.Commit(); err != nil {
			return apperrors.Wrap(apperrors.ErrStorageUnavailable,
				fmt.Sprintf("failed to commit migration %d", sv.version), err)
		}
	}

	return nil
}
