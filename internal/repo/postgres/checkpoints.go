package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/repo"
)

// CheckpointStore persists intra-step progress markers. The insert guard
// keeps sequences strictly increasing per (tenant, run, step) even across
// attempts.
type CheckpointStore struct {
	db DB
}

const (
	insertCheckpointQuery = `INSERT INTO run_checkpoints (
		tenant_id,
		run_id,
		step_name,
		attempt,
		seq,
		ckpt_key,
		payload,
		recorded_at
	)
	SELECT $1, $2, $3, $4, $5, $6, $7, $8
	WHERE NOT EXISTS (
		SELECT 1 FROM run_checkpoints
		WHERE tenant_id = $1 AND run_id = $2 AND step_name = $3 AND seq >= $5
	)`

	selectLatestCheckpointQuery = `SELECT seq, ckpt_key, payload, recorded_at
	 FROM run_checkpoints
	 WHERE tenant_id = $1 AND run_id = $2 AND step_name = $3
	 ORDER BY seq DESC
	 LIMIT 1`

	selectCheckpointByKeyQuery = `SELECT seq, ckpt_key, payload, recorded_at
	 FROM run_checkpoints
	 WHERE tenant_id = $1 AND run_id = $2 AND step_name = $3 AND ckpt_key = $4
	 ORDER BY seq DESC
	 LIMIT 1`

	selectCheckpointHistoryQuery = `SELECT seq, ckpt_key, payload, recorded_at
	 FROM run_checkpoints
	 WHERE tenant_id = $1 AND run_id = $2 AND step_name = $3
	 ORDER BY seq ASC`
)

func NewCheckpointStore(db DB) *CheckpointStore {
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

	payload := cp.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	res, err := s.db.ExecContext(
		ctx,
		insertCheckpointQuery,
		tenantID,
		runID,
		stepName,
		attempt,
		int64(cp.Seq),
		cp.Key,
		[]byte(payload),
		normalizeTime(cp.RecordedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
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
	return s.selectOne(ctx, selectLatestCheckpointQuery, tenantID, runID, stepName)
}

func (s *CheckpointStore) ByKey(ctx context.Context, tenantID, runID, stepName, key string) (domain.Checkpoint, error) {
	if s == nil || s.db == nil {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint store not initialized")
	}
	if strings.TrimSpace(key) == "" {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint key is required")
	}
	var cp domain.Checkpoint
	var seq int64
	var payload []byte
	err := s.db.QueryRowContext(ctx, selectCheckpointByKeyQuery, strings.TrimSpace(tenantID), strings.TrimSpace(runID), strings.TrimSpace(stepName), strings.TrimSpace(key)).
		Scan(&seq, &cp.Key, &payload, &cp.RecordedAt)
	if err != nil {
		return domain.Checkpoint{}, handleNotFound(err)
	}
	cp.Seq = uint64(seq)
	cp.Payload = payload
	cp.RecordedAt = cp.RecordedAt.UTC()
	return cp, nil
}

func (s *CheckpointStore) History(ctx context.Context, tenantID, runID, stepName string) ([]domain.Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("checkpoint store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, selectCheckpointHistoryQuery, strings.TrimSpace(tenantID), strings.TrimSpace(runID), strings.TrimSpace(stepName))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Checkpoint, 0)
	for rows.Next() {
		var cp domain.Checkpoint
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &cp.Key, &payload, &cp.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Seq = uint64(seq)
		cp.Payload = payload
		cp.RecordedAt = cp.RecordedAt.UTC()
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

func (s *CheckpointStore) selectOne(ctx context.Context, query, tenantID, runID, stepName string) (domain.Checkpoint, error) {
	if s == nil || s.db == nil {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	runID = strings.TrimSpace(runID)
	stepName = strings.TrimSpace(stepName)
	if tenantID == "" {
		return domain.Checkpoint{}, fmt.Errorf("tenant id is required")
	}
	if runID == "" {
		return domain.Checkpoint{}, fmt.Errorf("run id is required")
	}
	if stepName == "" {
		return domain.Checkpoint{}, fmt.Errorf("step name is required")
	}

	var cp domain.Checkpoint
	var seq int64
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, tenantID, runID, stepName).
		Scan(&seq, &cp.Key, &payload, &cp.RecordedAt)
	if err != nil {
		return domain.Checkpoint{}, handleNotFound(err)
	}
	cp.Seq = uint64(seq)
	cp.Payload = payload
	cp.RecordedAt = cp.RecordedAt.UTC()
	return cp, nil
}
