// Package repo defines the persistence interfaces the engine depends on.
// Every read and write is tenant-scoped by its leading arguments; the one
// cross-tenant method is the recovery scan on RunIndexStore.
package repo

import (
	"context"
	"errors"

	"github.com/loomworks/loom-go/internal/domain"
)

var (
	// ErrNotFound reports a missing entity.
	ErrNotFound = errors.New("not found")
	// ErrOffsetConflict reports a journal append that lost the race for its
	// offset. The caller re-reads and re-decides.
	ErrOffsetConflict = errors.New("journal offset conflict")
	// ErrSequenceConflict reports a checkpoint write at or below the highest
	// recorded sequence.
	ErrSequenceConflict = errors.New("checkpoint sequence conflict")
)

type RunFilter struct {
	PipelineID        string
	Status            domain.RunStatus
	IncludeSuperseded bool
	Limit             int
}

// JournalStore persists append-only run journals. Entries are never updated
// or deleted; the (tenant, run, offset) key makes concurrent appends of the
// same offset collide.
type JournalStore interface {
	Append(ctx context.Context, entry domain.JournalEntry) error
	Read(ctx context.Context, tenantID, runID string, afterOffset uint64, limit int) ([]domain.JournalEntry, error)
	Head(ctx context.Context, tenantID, runID string) (uint64, error)
}

// CheckpointStore persists intra-step progress. Sequences are monotonic per
// (tenant, run, step) across attempts so a retry resumes where the previous
// attempt checkpointed.
type CheckpointStore interface {
	Save(ctx context.Context, tenantID, runID, stepName string, attempt int, cp domain.Checkpoint) error
	Latest(ctx context.Context, tenantID, runID, stepName string) (domain.Checkpoint, error)
	ByKey(ctx context.Context, tenantID, runID, stepName, key string) (domain.Checkpoint, error)
	History(ctx context.Context, tenantID, runID, stepName string) ([]domain.Checkpoint, error)
}

// RunIndexStore materializes runs for listing. The journal stays the source
// of truth; the index is rebuildable from it.
type RunIndexStore interface {
	Upsert(ctx context.Context, run domain.Run) error
	Get(ctx context.Context, tenantID, runID string) (domain.Run, error)
	List(ctx context.Context, tenantID string, filter RunFilter) ([]domain.Run, error)
	// Active returns every non-terminal run across all tenants. It exists
	// for daemon-start recovery and is the only cross-tenant read.
	Active(ctx context.Context) ([]domain.Run, error)
}
