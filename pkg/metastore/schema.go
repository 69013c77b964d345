package metastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/3leaps/lakeconnector/pkg/lease"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the metadata schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue_type TEXT NOT NULL,
			group_id INTEGER NOT NULL,
			definition TEXT NOT NULL,
			identifier TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			worker TEXT,
			lease_id TEXT,
			-- lease expiry is unix milliseconds so it compares numerically.
			lease_expires_at_ms INTEGER,
			lease_duration_ms INTEGER,
			dequeue_count INTEGER NOT NULL DEFAULT 0,
			-- an abandoned job is not handed out again before this time.
			not_before_ms INTEGER,
			created_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_available ON jobs(queue_type, status, id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_group ON jobs(queue_type, group_id);`,

		// job_locks is the content-addressed map that makes enqueue idempotent.
		`CREATE TABLE IF NOT EXISTS job_locks (
			queue_type TEXT NOT NULL,
			identifier TEXT NOT NULL,
			job_id INTEGER NOT NULL,
			PRIMARY KEY(queue_type, identifier),
			FOREIGN KEY(job_id) REFERENCES jobs(id)
		);`,

		`CREATE TABLE IF NOT EXISTS orchestrator_status (
			queue_type TEXT NOT NULL,
			group_id INTEGER NOT NULL,
			job_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(queue_type, group_id, job_id)
		);`,

		`CREATE TABLE IF NOT EXISTS patient_versions (
			queue_type TEXT NOT NULL,
			patient_hash TEXT NOT NULL,
			version INTEGER NOT NULL,
			PRIMARY KEY(queue_type, patient_hash)
		);`,

		`CREATE TABLE IF NOT EXISTS triggers (
			queue_type TEXT PRIMARY KEY,
			sequence_id INTEGER NOT NULL,
			start_time TEXT,
			end_time TEXT NOT NULL,
			status TEXT NOT NULL,
			orchestrator_job_id INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if err := addColumn(ctx, tx, "jobs", "not_before_ms", "INTEGER"); err != nil {
		return err
	}
	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}

	return lease.EnsureSchema(ctx, db)
}

// addColumn adds a column that version 1 databases lack.
func addColumn(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n); err != nil {
		return fmt.Errorf("inspect %s.%s: %w", table, column, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
