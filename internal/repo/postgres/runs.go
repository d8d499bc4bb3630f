package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/repo"
)

// RunIndexStore materializes runs for listing. Journals stay authoritative;
// this table is rebuildable from them.
type RunIndexStore struct {
	db DB
}

const (
	upsertRunQuery = `INSERT INTO run_index (
		tenant_id,
		run_id,
		pipeline_id,
		status,
		config,
		supersedes,
		superseded_by,
		failure,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (tenant_id, run_id) DO UPDATE SET
		status = EXCLUDED.status,
		config = EXCLUDED.config,
		superseded_by = EXCLUDED.superseded_by,
		failure = EXCLUDED.failure,
		updated_at = EXCLUDED.updated_at`

	selectRunQuery = `SELECT tenant_id, run_id, pipeline_id, status, config, supersedes, superseded_by, failure, created_at, updated_at
	 FROM run_index
	 WHERE tenant_id = $1 AND run_id = $2`

	listRunsQuery = `SELECT tenant_id, run_id, pipeline_id, status, config, supersedes, superseded_by, failure, created_at, updated_at
	 FROM run_index
	 WHERE tenant_id = $1
	   AND ($2 = '' OR pipeline_id = $2)
	   AND ($3 = '' OR status = $3)
	   AND ($4 OR superseded_by IS NULL)
	 ORDER BY created_at DESC, run_id DESC
	 LIMIT $5`

	activeRunsQuery = `SELECT tenant_id, run_id, pipeline_id, status, config, supersedes, superseded_by, failure, created_at, updated_at
	 FROM run_index
	 WHERE status NOT IN ($1,$2,$3)
	 ORDER BY created_at ASC, run_id ASC`
)

func NewRunIndexStore(db DB) *RunIndexStore {
	if db == nil {
		return nil
	}
	return &RunIndexStore{db: db}
}

func (s *RunIndexStore) Upsert(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run index store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	configJSON, err := encodeConfig(run.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	failureJSON, err := encodeFailure(run.Failure)
	if err != nil {
		return fmt.Errorf("encode failure: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		upsertRunQuery,
		strings.TrimSpace(run.TenantID),
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.PipelineID),
		string(run.Status),
		configJSON,
		nullIfEmpty(run.Supersedes),
		nullIfEmpty(run.SupersededBy),
		failureJSON,
		normalizeTime(run.CreatedAt),
		normalizeTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

func (s *RunIndexStore) Get(ctx context.Context, tenantID, runID string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run index store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	runID = strings.TrimSpace(runID)
	if tenantID == "" {
		return domain.Run{}, fmt.Errorf("tenant id is required")
	}
	if runID == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, selectRunQuery, tenantID, runID)
	return scanRun(row)
}

func (s *RunIndexStore) List(ctx context.Context, tenantID string, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run index store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}

	rows, err := s.db.QueryContext(
		ctx,
		listRunsQuery,
		tenantID,
		strings.TrimSpace(filter.PipelineID),
		string(filter.Status),
		filter.IncludeSuperseded,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Active is the daemon-start recovery scan: every run not yet in a
// terminal state, across all tenants, oldest first.
func (s *RunIndexStore) Active(ctx context.Context) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run index store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		activeRunsQuery,
		string(domain.RunStatusCompleted),
		string(domain.RunStatusFailed),
		string(domain.RunStatusCancelled),
	)
	if err != nil {
		return nil, fmt.Errorf("scan active runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan active runs: %w", err)
	}
	return runs, nil
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (domain.Run, error) {
	var run domain.Run
	var status string
	var configJSON []byte
	var failureJSON []byte
	var supersedes sql.NullString
	var supersededBy sql.NullString
	if err := scanner.Scan(
		&run.TenantID,
		&run.ID,
		&run.PipelineID,
		&status,
		&configJSON,
		&supersedes,
		&supersededBy,
		&failureJSON,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	cfg, err := decodeConfig(configJSON)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode config: %w", err)
	}
	failure, err := decodeFailure(failureJSON)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode failure: %w", err)
	}
	run.Status = domain.RunStatus(status)
	run.Config = cfg
	run.Failure = failure
	run.Supersedes = strings.TrimSpace(supersedes.String)
	run.SupersededBy = strings.TrimSpace(supersededBy.String)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return run, nil
}
