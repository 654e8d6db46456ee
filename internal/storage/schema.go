package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema statements are written in the dialect subset shared by SQLite and
// Postgres so the same bootstrap path serves both drivers.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		baseline_ref TEXT NOT NULL,
		revised_ref TEXT NOT NULL,
		total_pages INTEGER NOT NULL,
		status TEXT NOT NULL,
		requested_by TEXT NOT NULL DEFAULT '',
		error_message TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS stage_records (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		kind TEXT NOT NULL,
		page_number INTEGER,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		result_ref TEXT,
		error_message TEXT,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		UNIQUE (job_id, kind, page_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stage_records_job ON stage_records (job_id)`,
	`CREATE TABLE IF NOT EXISTS diff_results (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		page_number INTEGER NOT NULL,
		drawing_name TEXT NOT NULL DEFAULT '',
		overlay_ref TEXT NOT NULL,
		alignment_score REAL NOT NULL,
		changes_detected BOOLEAN NOT NULL,
		change_count INTEGER NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (job_id, page_number)
	)`,
	`CREATE TABLE IF NOT EXISTS change_summaries (
		id TEXT PRIMARY KEY,
		diff_result_id TEXT NOT NULL REFERENCES diff_results(id),
		summary_text TEXT NOT NULL,
		structured TEXT,
		source TEXT NOT NULL,
		active BOOLEAN NOT NULL,
		parent_id TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_change_summaries_diff ON change_summaries (diff_result_id)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		stage_kind TEXT,
		page_number INTEGER,
		action TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		payload TEXT,
		occurred_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_job ON audit_events (job_id)`,
}

// Migrate creates the schema if it does not exist yet. All statements are
// idempotent, so running it on every startup is safe.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
