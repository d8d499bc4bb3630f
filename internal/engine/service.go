// Package engine owns run lifecycle: dispatching steps in dependency
// order, pausing at gates, applying operator signals, and recovering
// interrupted runs after a restart. Every decision is appended to the run
// journal before it is acted on; the engine's in-memory state is always a
// replay of that journal, never a private copy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom-go/internal/artifact"
	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/executor"
	"github.com/loomworks/loom-go/internal/journal"
	"github.com/loomworks/loom-go/internal/registry"
	"github.com/loomworks/loom-go/internal/repo"
	"github.com/loomworks/loom-go/internal/runner"
)

const defaultMaxParallel = 4

var (
	// ErrUnknownPipeline reports a pipeline id with no registered definition.
	ErrUnknownPipeline = errors.New("pipeline is not registered")
	// ErrConflict reports a command that cannot apply to the run in its
	// current state.
	ErrConflict = errors.New("conflict")
)

// Stores bundles the persistence backends the engine writes through.
type Stores struct {
	Journal     repo.JournalStore
	Runs        repo.RunIndexStore
	Checkpoints repo.CheckpointStore
}

// Config tunes the engine.
type Config struct {
	// MaxParallel bounds how many steps of one run execute at once.
	MaxParallel int
}

// Service coordinates runs. One instance serves a daemon; each active run
// gets its own loop goroutine and all cross-goroutine agreement goes
// through the journal.
type Service struct {
	logger      *slog.Logger
	journals    repo.JournalStore
	runs        repo.RunIndexStore
	artifacts   artifact.Store
	wr          *journal.Writer
	runner      *runner.Runner
	events      *Broadcaster
	now         func() time.Time
	newID       func() string
	maxParallel int

	mu        sync.Mutex
	pipelines map[string]*registry.Registry
	active    map[runKey]*runHandle
	locks     map[runKey]*sync.Mutex
	closed    bool
	wg        sync.WaitGroup
}

type runKey struct {
	tenant string
	run    string
}

// runHandle is the loop-side state of one active run.
type runHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
	// kick wakes a loop blocked at a gate after a signal was journaled.
	kick chan struct{}
	done chan struct{}
}

func NewService(logger *slog.Logger, stores Stores, artifacts artifact.Store, execs *executor.Registry, cfg Config) (*Service, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if stores.Journal == nil {
		return nil, errors.New("journal store is required")
	}
	if stores.Runs == nil {
		return nil, errors.New("run index store is required")
	}
	if stores.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if execs == nil {
		return nil, errors.New("executor registry is required")
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}

	s := &Service{
		logger:      logger,
		runs:        stores.Runs,
		artifacts:   artifacts,
		events:      NewBroadcaster(logger, 0),
		now:         time.Now,
		newID:       uuid.NewString,
		maxParallel: maxParallel,
		pipelines:   make(map[string]*registry.Registry),
		active:      make(map[runKey]*runHandle),
		locks:       make(map[runKey]*sync.Mutex),
	}
	s.journals = &journalTap{inner: stores.Journal, events: s.events}
	s.wr = journal.NewWriter(s.journals, func() time.Time { return s.now() })

	r, err := runner.New(logger, s.wr, stores.Checkpoints, artifacts, execs)
	if err != nil {
		return nil, fmt.Errorf("build runner: %w", err)
	}
	s.runner = r
	return s, nil
}

// RegisterPipeline installs a validated pipeline topology. Registering the
// same id twice is an error.
func (s *Service) RegisterPipeline(reg *registry.Registry) error {
	if reg == nil {
		return errors.New("pipeline registry is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[reg.PipelineID()]; ok {
		return fmt.Errorf("pipeline %q already registered", reg.PipelineID())
	}
	s.pipelines[reg.PipelineID()] = reg
	return nil
}

// Pipelines returns the registered pipeline ids, sorted.
func (s *Service) Pipelines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pipelines))
	for id := range s.pipelines {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Service) pipeline(id string) (*registry.Registry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.pipelines[id]
	return reg, ok
}

// SubmitRun journals run.created, seeds the index, and starts the run's
// coordinator loop.
func (s *Service) SubmitRun(ctx context.Context, tenantID, pipelineID string, config map[string]string) (domain.Run, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.Run{}, errors.New("tenant id is required")
	}
	if _, ok := s.pipeline(pipelineID); !ok {
		return domain.Run{}, fmt.Errorf("pipeline %q: %w", pipelineID, ErrUnknownPipeline)
	}

	runID := s.newID()
	entry, err := s.wr.Append(ctx, tenantID, runID, 1, domain.EventRunCreated, journal.RunCreatedPayload{
		PipelineID: pipelineID,
		Config:     domain.Config(config).Clone(),
	})
	if err != nil {
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}

	run := domain.Run{
		ID:         runID,
		TenantID:   tenantID,
		PipelineID: pipelineID,
		Status:     domain.RunStatusPending,
		Config:     domain.Config(config).Clone(),
		CreatedAt:  entry.RecordedAt,
		UpdatedAt:  entry.RecordedAt,
	}
	if err := s.runs.Upsert(ctx, run); err != nil {
		s.logger.Warn("run index write failed", "tenant", tenantID, "run", runID, "error", err)
	}
	s.logger.Info("run submitted", "tenant", tenantID, "run", runID, "pipeline", pipelineID)
	s.launch(tenantID, runID)
	return run, nil
}

// GetRun replays a run's journal into its current view.
func (s *Service) GetRun(ctx context.Context, tenantID, runID string) (*journal.RunView, error) {
	return journal.Load(ctx, s.journals, tenantID, runID)
}

// ListRuns lists runs from the materialized index.
func (s *Service) ListRuns(ctx context.Context, tenantID string, filter repo.RunFilter) ([]domain.Run, error) {
	return s.runs.List(ctx, tenantID, filter)
}

// Journal reads a page of a run's journal, for catch-up and inspection.
func (s *Service) Journal(ctx context.Context, tenantID, runID string, afterOffset uint64, limit int) ([]domain.JournalEntry, error) {
	return s.journals.Read(ctx, tenantID, runID, afterOffset, limit)
}

// Subscribe opens a live feed of a run's journal entries.
func (s *Service) Subscribe(tenantID, runID string) Subscription {
	return s.events.Subscribe(tenantID, runID)
}

// Approve resolves an open approval gate. Duplicates and approvals of runs
// that are not waiting are acknowledged without effect.
func (s *Service) Approve(ctx context.Context, cmd domain.Command) error {
	cmd.Kind = domain.CommandApprove
	if err := cmd.Validate(); err != nil {
		return err
	}
	return s.signal(ctx, cmd, func(view *journal.RunView) (domain.EventType, any, bool) {
		if view.Gate == nil || view.Gate.Kind != journal.GateKindApproval {
			return "", nil, false
		}
		return domain.EventSignalApproved, journal.SignalPayload{
			CommandID: cmd.ID,
			Gate:      view.Gate.Name,
		}, true
	})
}

// Reject closes the open gate and fails the run with the rejection reason.
func (s *Service) Reject(ctx context.Context, cmd domain.Command) error {
	cmd.Kind = domain.CommandReject
	if err := cmd.Validate(); err != nil {
		return err
	}
	return s.signal(ctx, cmd, func(view *journal.RunView) (domain.EventType, any, bool) {
		if view.Gate == nil {
			return "", nil, false
		}
		return domain.EventSignalRejected, journal.SignalPayload{
			CommandID: cmd.ID,
			Gate:      view.Gate.Name,
			Reason:    cmd.Reason,
		}, true
	})
}

// ProvideInput resolves an open extra-input gate, merging the payload into
// run config before the run resumes.
func (s *Service) ProvideInput(ctx context.Context, cmd domain.Command) error {
	cmd.Kind = domain.CommandInput
	if err := cmd.Validate(); err != nil {
		return err
	}
	return s.signal(ctx, cmd, func(view *journal.RunView) (domain.EventType, any, bool) {
		if view.Gate == nil || view.Gate.Kind != journal.GateKindInput {
			return "", nil, false
		}
		return domain.EventSignalInput, journal.SignalPayload{
			CommandID: cmd.ID,
			Gate:      view.Gate.Name,
			InputKey:  view.Gate.InputKey,
			Input:     domain.Config(cmd.Input).Clone(),
		}, true
	})
}

// signal journals one gate-resolving entry under the run lock, plus the
// consequence entries the entry implies, then wakes the run loop. decide
// inspects the replayed view and reports whether the signal applies.
func (s *Service) signal(ctx context.Context, cmd domain.Command, decide func(*journal.RunView) (domain.EventType, any, bool)) error {
	key := runKey{tenant: cmd.TenantID, run: cmd.RunID}
	lk := s.runLock(key)
	lk.Lock()
	defer lk.Unlock()

	view, err := journal.Load(ctx, s.journals, cmd.TenantID, cmd.RunID)
	if err != nil {
		return err
	}
	if view.Seen[cmd.ID] {
		return nil
	}
	if view.Run.Terminal() {
		s.logger.Info("signal ignored, run is terminal",
			"tenant", cmd.TenantID, "run", cmd.RunID, "kind", string(cmd.Kind), "command", cmd.ID)
		return nil
	}

	// The gate-kind check for the input-gate key happens before decide so
	// the operator gets a real error instead of a silent no-op.
	if cmd.Kind == domain.CommandInput && view.Gate != nil && view.Gate.Kind == journal.GateKindInput {
		if key := view.Gate.InputKey; key != "" {
			if _, ok := cmd.Input[key]; !ok {
				return fmt.Errorf("%w: gate %q requires input %q", ErrConflict, view.Gate.Name, key)
			}
		}
	}

	eventType, payload, applies := decide(view)
	if !applies {
		s.logger.Info("signal ignored, run is not waiting for it",
			"tenant", cmd.TenantID, "run", cmd.RunID, "kind", string(cmd.Kind), "command", cmd.ID)
		return nil
	}

	gate := view.Gate.Name
	if _, err := s.wr.AppendNext(ctx, cmd.TenantID, cmd.RunID, eventType, payload); err != nil {
		return err
	}
	if cmd.Kind == domain.CommandReject {
		rec := domain.ErrorRecord{
			Category:   domain.FailureNonRetryable,
			StepName:   gate,
			Message:    rejectionMessage(gate, cmd.Reason),
			OccurredAt: s.now().UTC(),
		}
		if _, err := s.wr.AppendNext(ctx, cmd.TenantID, cmd.RunID, domain.EventRunFailed, journal.RunFailedPayload{
			Failure: journal.NewFailurePayload(rec),
		}); err != nil {
			return err
		}
	}

	s.refreshIndex(ctx, cmd.TenantID, cmd.RunID)
	s.logger.Info("signal applied",
		"tenant", cmd.TenantID, "run", cmd.RunID, "kind", string(cmd.Kind), "gate", gate)
	s.kick(key)
	return nil
}

func rejectionMessage(gate, reason string) string {
	if strings.TrimSpace(reason) == "" {
		return fmt.Sprintf("rejected at gate %q", gate)
	}
	return fmt.Sprintf("rejected at gate %q: %s", gate, reason)
}

// Cancel journals the cancellation and then stops the run's loop. In-flight
// steps may finish the checkpoint unit they are on but start nothing new.
func (s *Service) Cancel(ctx context.Context, cmd domain.Command) error {
	cmd.Kind = domain.CommandCancel
	if err := cmd.Validate(); err != nil {
		return err
	}
	key := runKey{tenant: cmd.TenantID, run: cmd.RunID}
	lk := s.runLock(key)
	lk.Lock()

	view, err := journal.Load(ctx, s.journals, cmd.TenantID, cmd.RunID)
	if err != nil {
		lk.Unlock()
		return err
	}
	if view.Seen[cmd.ID] || view.Run.Terminal() {
		lk.Unlock()
		return nil
	}

	if _, err := s.wr.AppendNext(ctx, cmd.TenantID, cmd.RunID, domain.EventSignalCancelled, journal.SignalPayload{
		CommandID: cmd.ID,
		Reason:    cmd.Reason,
	}); err != nil {
		lk.Unlock()
		return err
	}
	if _, err := s.wr.AppendNext(ctx, cmd.TenantID, cmd.RunID, domain.EventRunCancelled, journal.RunCancelledPayload{
		CommandID: cmd.ID,
		Reason:    cmd.Reason,
	}); err != nil {
		lk.Unlock()
		return err
	}
	s.refreshIndex(ctx, cmd.TenantID, cmd.RunID)
	lk.Unlock()

	// Journal first, then interrupt: the cancellation is durable before
	// any in-flight work notices it.
	s.mu.Lock()
	h := s.active[key]
	s.mu.Unlock()
	if h != nil {
		h.cancel()
	}
	s.logger.Info("run cancelled", "tenant", cmd.TenantID, "run", cmd.RunID, "reason", cmd.Reason)
	return nil
}

// RetryStep supersedes a terminal run with a successor that re-executes the
// named step and everything downstream of it. Completed work outside that
// cone is inherited by reference.
func (s *Service) RetryStep(ctx context.Context, cmd domain.Command) (domain.Run, error) {
	cmd.Kind = domain.CommandRetry
	if err := cmd.Validate(); err != nil {
		return domain.Run{}, err
	}
	return s.supersede(ctx, cmd)
}

// ResumeFrom supersedes a terminal run with a successor that re-executes
// from the named step forward. Mechanically identical to RetryStep; the
// separate verb records the operator's intent in the command stream.
func (s *Service) ResumeFrom(ctx context.Context, cmd domain.Command) (domain.Run, error) {
	cmd.Kind = domain.CommandResume
	if err := cmd.Validate(); err != nil {
		return domain.Run{}, err
	}
	return s.supersede(ctx, cmd)
}

func (s *Service) supersede(ctx context.Context, cmd domain.Command) (domain.Run, error) {
	key := runKey{tenant: cmd.TenantID, run: cmd.RunID}
	lk := s.runLock(key)
	lk.Lock()
	defer lk.Unlock()

	view, err := journal.Load(ctx, s.journals, cmd.TenantID, cmd.RunID)
	if err != nil {
		return domain.Run{}, err
	}
	if view.Seen[cmd.ID] {
		return s.loadRun(ctx, cmd.TenantID, view.Run.SupersededBy)
	}
	if !view.Run.Terminal() {
		return domain.Run{}, fmt.Errorf("%w: run %s is %s; cancel it before retrying", ErrConflict, cmd.RunID, view.Run.Status)
	}
	if view.Run.SupersededBy != "" {
		return domain.Run{}, fmt.Errorf("%w: run %s is already superseded by %s", ErrConflict, cmd.RunID, view.Run.SupersededBy)
	}
	reg, ok := s.pipeline(view.Run.PipelineID)
	if !ok {
		return domain.Run{}, fmt.Errorf("pipeline %q: %w", view.Run.PipelineID, ErrUnknownPipeline)
	}
	if _, ok := reg.Node(cmd.StepName); !ok {
		return domain.Run{}, fmt.Errorf("%w: pipeline %q has no step %q", ErrConflict, view.Run.PipelineID, cmd.StepName)
	}

	// Everything completed outside the re-execution cone carries over by
	// reference; the target and its downstream start fresh.
	cone := map[string]bool{cmd.StepName: true}
	for _, name := range reg.Downstream(cmd.StepName) {
		cone[name] = true
	}

	successorID := s.newID()
	if _, err := s.wr.Append(ctx, cmd.TenantID, successorID, 1, domain.EventRunCreated, journal.RunCreatedPayload{
		PipelineID: view.Run.PipelineID,
		Config:     view.Run.Config.Clone(),
		Supersedes: cmd.RunID,
		ResumeFrom: cmd.StepName,
		CommandID:  cmd.ID,
	}); err != nil {
		return domain.Run{}, fmt.Errorf("create successor run: %w", err)
	}
	for _, name := range reg.TopoOrder() {
		if cone[name] {
			continue
		}
		step := view.Steps[name]
		if step == nil || step.Status != domain.StepStatusCompleted || step.Ref == nil {
			continue
		}
		if _, err := s.wr.AppendNext(ctx, cmd.TenantID, successorID, domain.EventStepInherited, journal.StepInheritedPayload{
			StepName:  name,
			SourceRun: cmd.RunID,
			Ref:       journal.NewRefPayload(*step.Ref),
		}); err != nil {
			return domain.Run{}, fmt.Errorf("inherit step %s: %w", name, err)
		}
	}

	if _, err := s.wr.AppendNext(ctx, cmd.TenantID, cmd.RunID, domain.EventRunSuperseded, journal.RunSupersededPayload{
		SupersededBy: successorID,
		CommandID:    cmd.ID,
	}); err != nil {
		return domain.Run{}, fmt.Errorf("mark run superseded: %w", err)
	}
	s.refreshIndex(ctx, cmd.TenantID, cmd.RunID)
	s.refreshIndex(ctx, cmd.TenantID, successorID)

	successor, err := s.loadRun(ctx, cmd.TenantID, successorID)
	if err != nil {
		return domain.Run{}, err
	}
	s.logger.Info("run superseded",
		"tenant", cmd.TenantID, "run", cmd.RunID, "successor", successorID,
		"step", cmd.StepName, "kind", string(cmd.Kind))
	s.launch(cmd.TenantID, successorID)
	return successor, nil
}

// RecoverActive relaunches the coordinator loop of every non-terminal run.
// Called once at daemon start; replay plus memoization make the repeated
// dispatch of interrupted steps cheap and side-effect safe.
func (s *Service) RecoverActive(ctx context.Context) (int, error) {
	runs, err := s.runs.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan active runs: %w", err)
	}
	count := 0
	for _, run := range runs {
		if _, ok := s.pipeline(run.PipelineID); !ok {
			s.logger.Warn("cannot recover run, pipeline not registered",
				"tenant", run.TenantID, "run", run.ID, "pipeline", run.PipelineID)
			continue
		}
		s.launch(run.TenantID, run.ID)
		count++
	}
	if count > 0 {
		s.logger.Info("recovered active runs", "count", count)
	}
	return count, nil
}

// Shutdown stops every run loop and waits for them to drain. Runs are left
// recoverable: interrupted attempts close on the next daemon start.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	handles := make([]*runHandle, 0, len(s.active))
	for _, h := range s.active {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) launch(tenantID, runID string) {
	key := runKey{tenant: tenantID, run: runID}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.active[key]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.active[key] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runLoop(tenantID, runID, h)
}

func (s *Service) retire(key runKey, h *runHandle) {
	s.mu.Lock()
	if s.active[key] == h {
		delete(s.active, key)
	}
	s.mu.Unlock()
	h.cancel()
	close(h.done)
}

// runLock returns the mutex serializing decisions for one run. Held across
// replay, decision, and append so no two decision points interleave their
// entries; never held while a step executes or a gate waits.
func (s *Service) runLock(key runKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[key]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[key] = lk
	}
	return lk
}

func (s *Service) kick(key runKey) {
	s.mu.Lock()
	h := s.active[key]
	s.mu.Unlock()
	if h == nil {
		return
	}
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// loadRun reads a run from the index, falling back to its journal when the
// index write was lost.
func (s *Service) loadRun(ctx context.Context, tenantID, runID string) (domain.Run, error) {
	run, err := s.runs.Get(ctx, tenantID, runID)
	if err == nil {
		return run, nil
	}
	view, loadErr := journal.Load(ctx, s.journals, tenantID, runID)
	if loadErr != nil {
		return domain.Run{}, err
	}
	return view.Run, nil
}

// refreshIndex re-derives the run record from its journal and upserts it.
// The index is a convenience view; failures here are logged, not returned,
// because the journal already holds the truth.
func (s *Service) refreshIndex(ctx context.Context, tenantID, runID string) {
	view, err := journal.Load(ctx, s.journals, tenantID, runID)
	if err != nil {
		s.logger.Warn("run index refresh failed", "tenant", tenantID, "run", runID, "error", err)
		return
	}
	if err := s.runs.Upsert(ctx, view.Run); err != nil {
		s.logger.Warn("run index write failed", "tenant", tenantID, "run", runID, "error", err)
	}
}
