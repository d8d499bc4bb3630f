package postgres

import (
	"context"
	"fmt"
)

var migrations = []string{
	// Journal payloads are TEXT, not JSONB: the integrity hash covers the
	// exact bytes appended, and jsonb storage rewrites them.
	`CREATE TABLE IF NOT EXISTS run_journal (
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		entry_offset BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		integrity_sha256 TEXT NOT NULL,
		PRIMARY KEY (tenant_id, run_id, entry_offset)
	)`,
	`CREATE TABLE IF NOT EXISTS run_checkpoints (
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		attempt INT NOT NULL,
		seq BIGINT NOT NULL,
		ckpt_key TEXT NOT NULL,
		payload JSONB NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, run_id, step_name, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS run_index (
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		pipeline_id TEXT NOT NULL,
		status TEXT NOT NULL,
		config JSONB NOT NULL,
		supersedes TEXT,
		superseded_by TEXT,
		failure JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, run_id)
	)`,
	`CREATE INDEX IF NOT EXISTS run_index_listing ON run_index (tenant_id, created_at DESC)`,
}

// Migrate creates the schema when it does not exist yet.
func Migrate(ctx context.Context, db DB) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
