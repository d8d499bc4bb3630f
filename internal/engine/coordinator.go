package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/journal"
	"github.com/loomworks/loom-go/internal/registry"
	"github.com/loomworks/loom-go/internal/runner"
)

// tickResult tells the run loop what to do after one decision pass.
type tickResult int

const (
	// tickAgain: state changed, evaluate again.
	tickAgain tickResult = iota
	// tickWait: a gate is open; block until a signal or the deadline.
	tickWait
	// tickDone: the run is terminal.
	tickDone
)

// runLoop drives one run to a terminal state. Every pass replays the
// journal and decides the next action from that state alone, so the loop
// is indifferent to whether the previous pass ran a second ago or before
// a daemon restart.
func (s *Service) runLoop(tenantID, runID string, h *runHandle) {
	defer s.wg.Done()
	defer s.retire(runKey{tenant: tenantID, run: runID}, h)
	log := s.logger.With("tenant", tenantID, "run", runID)

	for {
		if h.ctx.Err() != nil {
			return
		}
		res, err := s.tick(h.ctx, tenantID, runID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("run loop halted", "error", err)
			return
		}
		switch res {
		case tickDone:
			log.Info("run loop finished")
			return
		case tickWait:
			if err := s.waitAtGate(h.ctx, tenantID, runID, h); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Error("gate wait failed", "error", err)
				}
				return
			}
		}
	}
}

// tick makes at most one orchestration decision: resolve a recovered
// failure, skip disabled steps, open a gate, complete the run, or dispatch
// and execute one frontier batch. The run lock is held for the decision
// appends and released while step executors run.
func (s *Service) tick(ctx context.Context, tenantID, runID string) (tickResult, error) {
	key := runKey{tenant: tenantID, run: runID}
	lk := s.runLock(key)
	lk.Lock()

	view, err := journal.Load(ctx, s.journals, tenantID, runID)
	if err != nil {
		lk.Unlock()
		return 0, err
	}
	if view.Run.Terminal() {
		s.refreshIndex(ctx, tenantID, runID)
		lk.Unlock()
		return tickDone, nil
	}
	if view.Gate != nil {
		lk.Unlock()
		return tickWait, nil
	}
	reg, ok := s.pipeline(view.Run.PipelineID)
	if !ok {
		lk.Unlock()
		return 0, fmt.Errorf("pipeline %q: %w", view.Run.PipelineID, ErrUnknownPipeline)
	}

	// A step whose terminal entries never landed (crash between the
	// attempt record and the step record) is folded to failed first.
	if res, handled, err := s.resolveFailures(ctx, view, reg); handled {
		if err == nil {
			s.refreshIndex(ctx, tenantID, runID)
		}
		lk.Unlock()
		return res, err
	}

	satisfied := view.Satisfied()

	skipped, err := s.skipDisabled(ctx, view, reg, satisfied)
	if err != nil {
		lk.Unlock()
		return 0, err
	}

	if gate, opened, err := s.openDueGate(ctx, view, reg, satisfied); err != nil {
		lk.Unlock()
		return 0, err
	} else if opened {
		s.refreshIndex(ctx, tenantID, runID)
		lk.Unlock()
		s.logger.Info("gate opened", "tenant", tenantID, "run", runID, "gate", gate)
		return tickAgain, nil
	}

	if allSatisfied(reg, satisfied) {
		if _, err := s.wr.AppendNext(ctx, tenantID, runID, domain.EventRunCompleted, journal.RunCompletedPayload{}); err != nil {
			lk.Unlock()
			return 0, err
		}
		s.refreshIndex(ctx, tenantID, runID)
		lk.Unlock()
		s.logger.Info("run completed", "tenant", tenantID, "run", runID)
		return tickDone, nil
	}

	ready := reg.Ready(satisfied, view.Run.Config)
	if len(ready) == 0 {
		if skipped {
			s.refreshIndex(ctx, tenantID, runID)
			lk.Unlock()
			return tickAgain, nil
		}
		// Nothing runnable, nothing complete: the graph cannot advance.
		rec := domain.ErrorRecord{
			Category:   domain.FailureNonRetryable,
			Message:    "dependency graph stalled with unsatisfied steps",
			OccurredAt: s.now().UTC(),
		}
		if _, err := s.wr.AppendNext(ctx, tenantID, runID, domain.EventRunFailed, journal.RunFailedPayload{
			Failure: journal.NewFailurePayload(rec),
		}); err != nil {
			lk.Unlock()
			return 0, err
		}
		s.refreshIndex(ctx, tenantID, runID)
		lk.Unlock()
		return tickAgain, nil
	}

	tasks, err := s.dispatchBatch(ctx, view, reg, ready)
	if err != nil {
		lk.Unlock()
		return 0, err
	}
	s.refreshIndex(ctx, tenantID, runID)
	lk.Unlock()

	// Execution happens without the lock; signals for other state and
	// reads stay responsive while steps run.
	outcomes, err := s.executeBatch(ctx, view.Run, reg, tasks)
	if err != nil {
		return 0, err
	}

	lk.Lock()
	defer lk.Unlock()
	// Sibling completions land before any failure so their refs survive
	// whatever the failure does to the run.
	for i, t := range tasks {
		out := outcomes[i]
		if out.Ref == nil {
			continue
		}
		if _, err := s.wr.AppendNext(ctx, tenantID, runID, domain.EventStepCompleted, journal.StepCompletedPayload{
			StepName: t.node.Name,
			Ref:      journal.NewRefPayload(*out.Ref),
			Memoized: out.Memoized,
		}); err != nil {
			return 0, err
		}
	}
	for i, t := range tasks {
		out := outcomes[i]
		if out.Ref != nil || out.Failure == nil {
			continue
		}
		if _, err := s.wr.AppendNext(ctx, tenantID, runID, domain.EventStepFailed, journal.StepFailedPayload{
			StepName: t.node.Name,
			Failure:  journal.NewFailurePayload(*out.Failure),
		}); err != nil {
			return 0, err
		}
	}
	s.refreshIndex(ctx, tenantID, runID)
	return tickAgain, nil
}

// resolveFailures folds failed steps into the run record. Two windows land
// here: a step.failed entry without its run.failed, and a final
// attempt.failed without its step.failed. Both come from the same tick in
// normal operation and from replay after a crash.
func (s *Service) resolveFailures(ctx context.Context, view *journal.RunView, reg *registry.Registry) (tickResult, bool, error) {
	tenantID, runID := view.Run.TenantID, view.Run.ID

	for _, name := range reg.TopoOrder() {
		step := view.Steps[name]
		if step == nil || step.Status != domain.StepStatusRunning {
			continue
		}
		latest := step.Latest()
		if latest == nil || latest.Status != domain.StepStatusFailed {
			continue
		}
		failure := latest.Failure
		if failure == nil {
			failure = &domain.ErrorRecord{
				Category:   domain.FailureNonRetryable,
				StepName:   name,
				Message:    "step failed without a recorded cause",
				OccurredAt: s.now().UTC(),
			}
		}
		if _, err := s.wr.AppendNext(ctx, tenantID, runID, domain.EventStepFailed, journal.StepFailedPayload{
			StepName: name,
			Failure:  journal.NewFailurePayload(*failure),
		}); err != nil {
			return 0, true, err
		}
		return tickAgain, true, nil
	}

	if failed := view.FailedStep(); failed != nil {
		rec := lastFailure(failed)
		if _, err := s.wr.AppendNext(ctx, tenantID, runID, domain.EventRunFailed, journal.RunFailedPayload{
			Failure: journal.NewFailurePayload(rec),
		}); err != nil {
			return 0, true, err
		}
		s.logger.Warn("run failed",
			"tenant", tenantID, "run", runID, "step", rec.StepName,
			"category", string(rec.Category), "error", rec.Message)
		return tickAgain, true, nil
	}
	return 0, false, nil
}

func lastFailure(step *domain.StepExecution) domain.ErrorRecord {
	if latest := step.Latest(); latest != nil && latest.Failure != nil {
		return *latest.Failure
	}
	return domain.ErrorRecord{
		Category: domain.FailureNonRetryable,
		StepName: step.StepName,
		Message:  fmt.Sprintf("step %s failed", step.StepName),
	}
}

// skipDisabled resolves disabled-but-ready steps as skipped. Skipping can
// satisfy the dependencies of another disabled step, so the pass repeats
// until it settles.
func (s *Service) skipDisabled(ctx context.Context, view *journal.RunView, reg *registry.Registry, satisfied map[string]bool) (bool, error) {
	skippedAny := false
	for changed := true; changed; {
		changed = false
		for _, name := range reg.TopoOrder() {
			if satisfied[name] {
				continue
			}
			if step := view.Steps[name]; step != nil && step.Terminal() {
				continue
			}
			if !reg.IsDisabled(name, view.Run.Config) {
				continue
			}
			if !depsSatisfied(reg, name, satisfied) {
				continue
			}
			if _, err := s.wr.AppendNext(ctx, view.Run.TenantID, view.Run.ID, domain.EventStepSkipped, journal.StepSkippedPayload{
				StepName: name,
				Reason:   "step disabled",
			}); err != nil {
				return skippedAny, err
			}
			satisfied[name] = true
			changed = true
			skippedAny = true
		}
	}
	return skippedAny, nil
}

// openDueGate opens the first declared gate whose target is satisfied and
// which has never opened in this run. A gate holds output produced here: a
// target satisfied only by inherited or skipped steps was already gated in
// the source run, or has nothing to show. The journaled deadline is the
// only clock the timeout will ever consult.
func (s *Service) openDueGate(ctx context.Context, view *journal.RunView, reg *registry.Registry, satisfied map[string]bool) (string, bool, error) {
	for _, g := range reg.Gates() {
		if view.Gates[g.After] {
			continue
		}
		if !gateTargetSatisfied(reg, g.After, satisfied) {
			continue
		}
		if !gateTargetProduced(reg, view, g.After) {
			continue
		}
		kind := journal.GateKindApproval
		if g.Kind == registry.GateInput {
			kind = journal.GateKindInput
		}
		_, err := s.wr.AppendNext(ctx, view.Run.TenantID, view.Run.ID, domain.EventGateOpened, journal.GateOpenedPayload{
			Gate:     g.After,
			Kind:     kind,
			InputKey: g.InputKey,
			Deadline: s.now().Add(g.Timeout).UTC(),
		})
		if err != nil {
			return "", false, err
		}
		return g.After, true, nil
	}
	return "", false, nil
}

// waitAtGate blocks until the open gate resolves: a signal kicks the loop,
// cancellation ends it, or the journaled deadline passes and the run fails
// with a timeout record.
func (s *Service) waitAtGate(ctx context.Context, tenantID, runID string, h *runHandle) error {
	key := runKey{tenant: tenantID, run: runID}
	lk := s.runLock(key)

	lk.Lock()
	view, err := journal.Load(ctx, s.journals, tenantID, runID)
	if err != nil {
		lk.Unlock()
		return err
	}
	if view.Gate == nil || view.Run.Terminal() {
		lk.Unlock()
		return nil
	}
	gate := view.Gate.Name
	deadline := view.Gate.Deadline
	lk.Unlock()

	if wait := deadline.Sub(s.now()); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.kick:
			return nil
		case <-timer.C:
		}
	}

	// Deadline passed. Re-check under the lock: a signal may have raced
	// the timer, and only the journal settles who won.
	lk.Lock()
	defer lk.Unlock()
	view, err = journal.Load(ctx, s.journals, tenantID, runID)
	if err != nil {
		return err
	}
	if view.Gate == nil || view.Run.Terminal() || view.Gate.Name != gate {
		return nil
	}
	if s.now().Before(view.Gate.Deadline) {
		return nil
	}

	if _, err := s.wr.AppendNext(ctx, tenantID, runID, domain.EventTimerFired, journal.TimerFiredPayload{
		Gate:     gate,
		Deadline: view.Gate.Deadline,
	}); err != nil {
		return err
	}
	rec := domain.ErrorRecord{
		Category:   domain.FailureTimeout,
		StepName:   gate,
		Message:    fmt.Sprintf("gate %q expired without a signal", gate),
		OccurredAt: s.now().UTC(),
	}
	if _, err := s.wr.AppendNext(ctx, tenantID, runID, domain.EventRunFailed, journal.RunFailedPayload{
		Failure: journal.NewFailurePayload(rec),
	}); err != nil {
		return err
	}
	s.refreshIndex(ctx, tenantID, runID)
	s.logger.Warn("gate timed out", "tenant", tenantID, "run", runID, "gate", gate)
	return nil
}

// task is one step of a dispatched batch.
type task struct {
	node  registry.StepNode
	prior *domain.StepExecution
	// inputRefs are the completed upstream refs; bytes load outside the
	// run lock.
	inputRefs map[string]domain.ArtifactRef
}

// dispatchBatch picks the next batch from the ready frontier and journals
// its dispatch entries. Ungrouped steps go one at a time in dependency
// order; steps sharing a group go together.
func (s *Service) dispatchBatch(ctx context.Context, view *journal.RunView, reg *registry.Registry, ready []registry.StepNode) ([]task, error) {
	var batch []registry.StepNode
	if group := ready[0].Group; group == "" {
		batch = []registry.StepNode{ready[0]}
	} else {
		for _, node := range ready {
			if node.Group == group {
				batch = append(batch, node)
			}
		}
	}

	refs := view.CompletedRefs()
	tasks := make([]task, 0, len(batch))
	for _, node := range batch {
		if view.Steps[node.Name] == nil {
			if _, err := s.wr.AppendNext(ctx, view.Run.TenantID, view.Run.ID, domain.EventStepDispatched, journal.StepDispatchedPayload{
				StepName: node.Name,
				Group:    node.Group,
			}); err != nil {
				return nil, err
			}
		}
		inputRefs := make(map[string]domain.ArtifactRef, len(node.DependsOn))
		for _, dep := range node.DependsOn {
			if ref, ok := refs[dep]; ok {
				inputRefs[dep] = ref
			}
		}
		tasks = append(tasks, task{
			node:      node,
			prior:     view.Steps[node.Name],
			inputRefs: inputRefs,
		})
	}
	return tasks, nil
}

// executeBatch runs the batch with bounded parallelism. Step failures come
// back inside the outcomes; a returned error means infrastructure trouble
// or cancellation and aborts the batch.
func (s *Service) executeBatch(ctx context.Context, run domain.Run, reg *registry.Registry, tasks []task) ([]runner.Outcome, error) {
	outcomes := make([]runner.Outcome, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)
	for i, t := range tasks {
		g.Go(func() error {
			inputs := make(map[string][]byte, len(t.inputRefs))
			for dep, ref := range t.inputRefs {
				data, err := s.artifacts.Get(gctx, run.TenantID, ref)
				if err != nil {
					return fmt.Errorf("load input %s for %s: %w", dep, t.node.Name, err)
				}
				inputs[dep] = data
			}
			out, err := s.runner.ExecuteStep(gctx, runner.Params{
				Pipeline: reg,
				Node:     t.node,
				Run:      run,
				Prior:    t.prior,
				Inputs:   inputs,
			})
			if err != nil {
				return fmt.Errorf("step %s: %w", t.node.Name, err)
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func depsSatisfied(reg *registry.Registry, name string, satisfied map[string]bool) bool {
	node, ok := reg.Node(name)
	if !ok {
		return false
	}
	for _, dep := range node.DependsOn {
		if !satisfied[dep] {
			return false
		}
	}
	return true
}

func allSatisfied(reg *registry.Registry, satisfied map[string]bool) bool {
	for _, name := range reg.TopoOrder() {
		if !satisfied[name] {
			return false
		}
	}
	return true
}

func gateTargetSatisfied(reg *registry.Registry, after string, satisfied map[string]bool) bool {
	if members := reg.GroupMembers(after); len(members) > 0 {
		for _, member := range members {
			if !satisfied[member] {
				return false
			}
		}
		return true
	}
	return satisfied[after]
}

// gateTargetProduced reports whether at least one step backing the gate
// target completed in this run itself rather than by inheritance.
func gateTargetProduced(reg *registry.Registry, view *journal.RunView, after string) bool {
	members := reg.GroupMembers(after)
	if len(members) == 0 {
		members = []string{after}
	}
	for _, member := range members {
		step := view.Steps[member]
		if step != nil && step.Status == domain.StepStatusCompleted && !step.Inherited {
			return true
		}
	}
	return false
}
