package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/repo"
)

// JournalStore persists run journals in SQLite.
type JournalStore struct {
	db *sql.DB
}

func NewJournalStore(db *sql.DB) *JournalStore {
	if db == nil {
		return nil
	}
	return &JournalStore{db: db}
}

func (s *JournalStore) Append(ctx context.Context, entry domain.JournalEntry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("journal store not initialized")
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(entry.IntegritySHA256) == "" {
		return fmt.Errorf("integrity sha256 is required")
	}

	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_journal (tenant_id, run_id, entry_offset, event_type, payload, recorded_at, integrity_sha256)
		 VALUES (?,?,?,?,?,?,?)`,
		entry.TenantID,
		entry.RunID,
		int64(entry.Offset),
		string(entry.Type),
		payload,
		normalizeTime(entry.RecordedAt),
		entry.IntegritySHA256,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return repo.ErrOffsetConflict
		}
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

func (s *JournalStore) Read(ctx context.Context, tenantID, runID string, afterOffset uint64, limit int) ([]domain.JournalEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("journal store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	runID = strings.TrimSpace(runID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT tenant_id, run_id, entry_offset, event_type, payload, recorded_at, integrity_sha256
		 FROM run_journal
		 WHERE tenant_id = ? AND run_id = ? AND entry_offset > ?
		 ORDER BY entry_offset ASC
		 LIMIT ?`,
		tenantID,
		runID,
		int64(afterOffset),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.JournalEntry, 0)
	for rows.Next() {
		var entry domain.JournalEntry
		var offset int64
		var eventType string
		var payload string
		if err := rows.Scan(
			&entry.TenantID,
			&entry.RunID,
			&offset,
			&eventType,
			&payload,
			&entry.RecordedAt,
			&entry.IntegritySHA256,
		); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entry.Offset = uint64(offset)
		entry.Type = domain.EventType(eventType)
		entry.Payload = []byte(payload)
		entry.RecordedAt = entry.RecordedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return entries, nil
}

func (s *JournalStore) Head(ctx context.Context, tenantID, runID string) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("journal store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	runID = strings.TrimSpace(runID)
	if tenantID == "" {
		return 0, fmt.Errorf("tenant id is required")
	}
	if runID == "" {
		return 0, fmt.Errorf("run id is required")
	}

	var head int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(entry_offset), 0) FROM run_journal WHERE tenant_id = ? AND run_id = ?`,
		tenantID,
		runID,
	).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("read journal head: %w", err)
	}
	return uint64(head), nil
}
