package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/repo"
)

// JournalStore persists run journals in PostgreSQL. The primary key
// (tenant_id, run_id, entry_offset) turns concurrent appends of the same
// offset into unique violations.
type JournalStore struct {
	db DB
}

const (
	insertJournalEntryQuery = `INSERT INTO run_journal (
		tenant_id,
		run_id,
		entry_offset,
		event_type,
		payload,
		recorded_at,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	selectJournalEntriesQuery = `SELECT tenant_id, run_id, entry_offset, event_type, payload, recorded_at, integrity_sha256
	 FROM run_journal
	 WHERE tenant_id = $1 AND run_id = $2 AND entry_offset > $3
	 ORDER BY entry_offset ASC
	 LIMIT $4`

	selectJournalHeadQuery = `SELECT COALESCE(MAX(entry_offset), 0)
	 FROM run_journal
	 WHERE tenant_id = $1 AND run_id = $2`
)

func NewJournalStore(db DB) *JournalStore {
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

	payload := entry.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := s.db.ExecContext(
		ctx,
		insertJournalEntryQuery,
		entry.TenantID,
		entry.RunID,
		int64(entry.Offset),
		string(entry.Type),
		string(payload),
		normalizeTime(entry.RecordedAt),
		entry.IntegritySHA256,
	)
	if err != nil {
		if isUniqueViolation(err) {
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
		limit = defaultReadLimit
	}

	rows, err := s.db.QueryContext(ctx, selectJournalEntriesQuery, tenantID, runID, int64(afterOffset), limit)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.JournalEntry, 0)
	for rows.Next() {
		var entry domain.JournalEntry
		var offset int64
		var eventType string
		var payload []byte
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
		entry.Payload = payload
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
	if err := s.db.QueryRowContext(ctx, selectJournalHeadQuery, tenantID, runID).Scan(&head); err != nil {
		return 0, fmt.Errorf("read journal head: %w", err)
	}
	return uint64(head), nil
}
