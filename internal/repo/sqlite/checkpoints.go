package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/repo"
)

// CheckpointStore persists intra-step progress markers in SQLite.
type CheckpointStore struct {
	db *sql.DB
}

func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	if db == nil {
		return nil
	}
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) Save(ctx context.Context, tenantID, runID, stepName string, attempt int, cp domain.Checkpoint) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	runID = strings.TrimSpace(runID)
	stepName = strings.TrimSpace(stepName)
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if stepName == "" {
		return fmt.Errorf("step name is required")
	}
	if attempt < 1 {
		return fmt.Errorf("attempt must be >= 1")
	}
	if err := cp.Validate(); err != nil {
		return err
	}

	payload := string(cp.Payload)
	if payload == "" {
		payload = "{}"
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_checkpoints (tenant_id, run_id, step_name, attempt, seq, ckpt_key, payload, recorded_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
			SELECT 1 FROM run_checkpoints
			WHERE tenant_id = ? AND run_id = ? AND step_name = ? AND seq >= ?
		 )`,
		tenantID,
		runID,
		stepName,
		attempt,
		int64(cp.Seq),
		cp.Key,
		payload,
		normalizeTime(cp.RecordedAt),
		tenantID,
		runID,
		stepName,
		int64(cp.Seq),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return repo.ErrSequenceConflict
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if affected == 0 {
		return repo.ErrSequenceConflict
	}
	return nil
}

func (s *CheckpointStore) Latest(ctx context.Context, tenantID, runID, stepName string) (domain.Checkpoint, error) {
	return s.scanOne(s.queryRow(ctx,
		`SELECT seq, ckpt_key, payload, recorded_at
		 FROM run_checkpoints
		 WHERE tenant_id = ? AND run_id = ? AND step_name = ?
		 ORDER BY seq DESC LIMIT 1`,
		strings.TrimSpace(tenantID), strings.TrimSpace(runID), strings.TrimSpace(stepName)))
}

func (s *CheckpointStore) ByKey(ctx context.Context, tenantID, runID, stepName, key string) (domain.Checkpoint, error) {
	if strings.TrimSpace(key) == "" {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint key is required")
	}
	return s.scanOne(s.queryRow(ctx,
		`SELECT seq, ckpt_key, payload, recorded_at
		 FROM run_checkpoints
		 WHERE tenant_id = ? AND run_id = ? AND step_name = ? AND ckpt_key = ?
		 ORDER BY seq DESC LIMIT 1`,
		strings.TrimSpace(tenantID), strings.TrimSpace(runID), strings.TrimSpace(stepName), strings.TrimSpace(key)))
}

func (s *CheckpointStore) History(ctx context.Context, tenantID, runID, stepName string) ([]domain.Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("checkpoint store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT seq, ckpt_key, payload, recorded_at
		 FROM run_checkpoints
		 WHERE tenant_id = ? AND run_id = ? AND step_name = ?
		 ORDER BY seq ASC`,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(runID),
		strings.TrimSpace(stepName),
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Checkpoint, 0)
	for rows.Next() {
		var cp domain.Checkpoint
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &cp.Key, &payload, &cp.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Seq = uint64(seq)
		cp.Payload = []byte(payload)
		cp.RecordedAt = cp.RecordedAt.UTC()
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

func (s *CheckpointStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *CheckpointStore) scanOne(row *sql.Row) (domain.Checkpoint, error) {
	if row == nil {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint store not initialized")
	}
	var cp domain.Checkpoint
	var seq int64
	var payload string
	if err := row.Scan(&seq, &cp.Key, &payload, &cp.RecordedAt); err != nil {
		return domain.Checkpoint{}, handleNotFound(err)
	}
	cp.Seq = uint64(seq)
	cp.Payload = []byte(payload)
	cp.RecordedAt = cp.RecordedAt.UTC()
	return cp, nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
