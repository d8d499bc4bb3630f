// Package sqlite implements the repo interfaces on an embedded SQLite
// database for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/loomworks/loom-go/internal/domain"
)

// Open opens the database in WAL mode so readers never block the writer.
func Open(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS run_journal (
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		entry_offset INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		integrity_sha256 TEXT NOT NULL,
		PRIMARY KEY (tenant_id, run_id, entry_offset)
	)`,
	`CREATE TABLE IF NOT EXISTS run_checkpoints (
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		ckpt_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		PRIMARY KEY (tenant_id, run_id, step_name, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS run_index (
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		pipeline_id TEXT NOT NULL,
		status TEXT NOT NULL,
		config TEXT NOT NULL,
		supersedes TEXT,
		superseded_by TEXT,
		failure TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (tenant_id, run_id)
	)`,
}

// Migrate creates the schema when it does not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
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

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func encodeConfig(cfg domain.Config) (string, error) {
	if cfg == nil {
		cfg = domain.Config{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeConfig(raw string) (domain.Config, error) {
	if strings.TrimSpace(raw) == "" {
		return domain.Config{}, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]string{}
	}
	return domain.Config(out), nil
}

func encodeFailure(failure *domain.ErrorRecord) (sql.NullString, error) {
	if failure == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(failure)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeFailure(raw sql.NullString) (*domain.ErrorRecord, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var out domain.ErrorRecord
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
