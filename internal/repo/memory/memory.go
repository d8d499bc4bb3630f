// Package memory provides in-process implementations of the repo interfaces
// for tests and single-process development mode.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/repo"
)

type runKey struct {
	tenantID string
	runID    string
}

type stepKey struct {
	tenantID string
	runID    string
	stepName string
}

// JournalStore keeps journals in ordered slices per (tenant, run).
type JournalStore struct {
	mu      sync.RWMutex
	entries map[runKey][]domain.JournalEntry
}

func NewJournalStore() *JournalStore {
	return &JournalStore{entries: make(map[runKey][]domain.JournalEntry)}
}

func (s *JournalStore) Append(ctx context.Context, entry domain.JournalEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey{tenantID: entry.TenantID, runID: entry.RunID}
	log := s.entries[key]
	if entry.Offset != uint64(len(log))+1 {
		return repo.ErrOffsetConflict
	}
	s.entries[key] = append(log, entry)
	return nil
}

func (s *JournalStore) Read(ctx context.Context, tenantID, runID string, afterOffset uint64, limit int) ([]domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.entries[runKey{tenantID: tenantID, runID: runID}]
	out := make([]domain.JournalEntry, 0, len(log))
	for _, entry := range log {
		if entry.Offset <= afterOffset {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *JournalStore) Head(ctx context.Context, tenantID, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries[runKey{tenantID: tenantID, runID: runID}])), nil
}

// CheckpointStore keeps checkpoints ordered by sequence per (tenant, run, step).
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[stepKey][]domain.Checkpoint
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[stepKey][]domain.Checkpoint)}
}

func (s *CheckpointStore) Save(ctx context.Context, tenantID, runID, stepName string, attempt int, cp domain.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stepKey{tenantID: tenantID, runID: runID, stepName: stepName}
	history := s.checkpoints[key]
	if len(history) > 0 && cp.Seq <= history[len(history)-1].Seq {
		return repo.ErrSequenceConflict
	}
	s.checkpoints[key] = append(history, cp)
	return nil
}

func (s *CheckpointStore) Latest(ctx context.Context, tenantID, runID, stepName string) (domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.checkpoints[stepKey{tenantID: tenantID, runID: runID, stepName: stepName}]
	if len(history) == 0 {
		return domain.Checkpoint{}, repo.ErrNotFound
	}
	return history[len(history)-1], nil
}

func (s *CheckpointStore) ByKey(ctx context.Context, tenantID, runID, stepName, key string) (domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.checkpoints[stepKey{tenantID: tenantID, runID: runID, stepName: stepName}]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Key == key {
			return history[i], nil
		}
	}
	return domain.Checkpoint{}, repo.ErrNotFound
}

func (s *CheckpointStore) History(ctx context.Context, tenantID, runID, stepName string) ([]domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.checkpoints[stepKey{tenantID: tenantID, runID: runID, stepName: stepName}]
	return append([]domain.Checkpoint(nil), history...), nil
}

// RunIndexStore keeps the run listing index.
type RunIndexStore struct {
	mu   sync.RWMutex
	runs map[runKey]domain.Run
}

func NewRunIndexStore() *RunIndexStore {
	return &RunIndexStore{runs: make(map[runKey]domain.Run)}
}

func (s *RunIndexStore) Upsert(ctx context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey{tenantID: run.TenantID, runID: run.ID}
	if existing, ok := s.runs[key]; ok {
		if err := domain.EnsureRunImmutable(existing, run); err != nil {
			return err
		}
	}
	s.runs[key] = run
	return nil
}

func (s *RunIndexStore) Get(ctx context.Context, tenantID, runID string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runKey{tenantID: tenantID, runID: runID}]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *RunIndexStore) List(ctx context.Context, tenantID string, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Run, 0)
	for key, run := range s.runs {
		if key.tenantID != tenantID {
			continue
		}
		if filter.PipelineID != "" && run.PipelineID != filter.PipelineID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if !filter.IncludeSuperseded && strings.TrimSpace(run.SupersededBy) != "" {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *RunIndexStore) Active(ctx context.Context) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Run, 0)
	for _, run := range s.runs {
		if run.Terminal() {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
