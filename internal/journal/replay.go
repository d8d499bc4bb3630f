package journal

import (
	"fmt"
	"time"

	"github.com/loomworks/loom-go/internal/domain"
)

// GateState is an open gate waiting for an operator signal or its deadline.
type GateState struct {
	Name     string
	Kind     string
	InputKey string
	Deadline time.Time
	OpenedAt time.Time
}

// RunView is the state of a run derived from its journal. It is never
// stored; replaying the same entries always yields the same view.
type RunView struct {
	Run   domain.Run
	Steps map[string]*domain.StepExecution
	// Gate is the gate currently waiting on a signal, nil otherwise.
	Gate *GateState
	// Gates records every gate that opened at least once, so a gate is
	// never re-opened after its signal or timeout resolved it.
	Gates      map[string]bool
	Seen       map[string]bool
	NextOffset uint64
}

// Replay folds journal entries into a RunView. It is a pure function of its
// input: no clock, no I/O, no randomness. Offsets must be dense from 1 and
// every entry must pass its integrity check.
func Replay(entries []domain.JournalEntry) (*RunView, error) {
	view := &RunView{
		Steps:      make(map[string]*domain.StepExecution),
		Gates:      make(map[string]bool),
		Seen:       make(map[string]bool),
		NextOffset: 1,
	}
	for _, entry := range entries {
		if entry.Offset != view.NextOffset {
			return nil, fmt.Errorf("journal gap: offset %d, want %d", entry.Offset, view.NextOffset)
		}
		if err := entry.VerifyIntegrity(); err != nil {
			return nil, err
		}
		if err := view.apply(entry); err != nil {
			return nil, fmt.Errorf("offset %d (%s): %w", entry.Offset, entry.Type, err)
		}
		view.NextOffset = entry.Offset + 1
	}
	return view, nil
}

func (v *RunView) apply(entry domain.JournalEntry) error {
	if entry.Offset == 1 && entry.Type != domain.EventRunCreated {
		return fmt.Errorf("journal must open with %s", domain.EventRunCreated)
	}
	v.Run.UpdatedAt = entry.RecordedAt

	switch entry.Type {
	case domain.EventRunCreated:
		var p RunCreatedPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		v.Run = domain.Run{
			ID:         entry.RunID,
			TenantID:   entry.TenantID,
			PipelineID: p.PipelineID,
			Status:     domain.RunStatusPending,
			Config:     domain.Config(p.Config).Clone(),
			Supersedes: p.Supersedes,
			CreatedAt:  entry.RecordedAt,
			UpdatedAt:  entry.RecordedAt,
		}
		return nil

	case domain.EventStepInherited:
		var p StepInheritedPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		ref := p.Ref.Ref()
		v.Steps[p.StepName] = &domain.StepExecution{
			RunID:     entry.RunID,
			StepName:  p.StepName,
			Status:    domain.StepStatusCompleted,
			Ref:       &ref,
			Inherited: true,
		}
		return nil

	case domain.EventStepDispatched:
		var p StepDispatchedPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		if _, ok := v.Steps[p.StepName]; !ok {
			v.Steps[p.StepName] = &domain.StepExecution{
				RunID:    entry.RunID,
				StepName: p.StepName,
				Status:   domain.StepStatusPending,
			}
		}
		return v.transition(domain.RunStatusRunning)

	case domain.EventStepSkipped:
		var p StepSkippedPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		v.Steps[p.StepName] = &domain.StepExecution{
			RunID:      entry.RunID,
			StepName:   p.StepName,
			Status:     domain.StepStatusSkipped,
			SkipReason: p.Reason,
		}
		// Resolving a step counts as progress, so a run whose first
		// frontier is entirely disabled still leaves pending.
		return v.transition(domain.RunStatusRunning)

	case domain.EventAttemptStarted:
		var p AttemptStartedPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		step, err := v.step(p.StepName)
		if err != nil {
			return err
		}
		return step.BeginAttempt(p.Number, entry.RecordedAt)

	case domain.EventAttemptProgress:
		var p AttemptCheckpointedPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		step, err := v.step(p.StepName)
		if err != nil {
			return err
		}
		latest := step.Latest()
		if latest == nil || latest.Number != p.Number {
			return fmt.Errorf("checkpoint for unknown attempt %d of %s", p.Number, p.StepName)
		}
		if p.Seq <= latest.CheckpointSeq {
			return fmt.Errorf("checkpoint seq %d is not above %d", p.Seq, latest.CheckpointSeq)
		}
		latest.CheckpointSeq = p.Seq
		return nil

	case domain.EventAttemptDone:
		var p AttemptCompletedPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		step, err := v.step(p.StepName)
		if err != nil {
			return err
		}
		return step.FinishAttempt(p.Number, domain.StepStatusCompleted, entry.RecordedAt, nil)

	case domain.EventAttemptFailed:
		var p AttemptFailedPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		step, err := v.step(p.StepName)
		if err != nil {
			return err
		}
		failure := p.Failure.Record()
		if err := step.FinishAttempt(p.Number, domain.StepStatusFailed, entry.RecordedAt, &failure); err != nil {
			return err
		}
		if p.WillRetry {
			step.Status = domain.StepStatusPending
		}
		return nil

	case domain.EventStepCompleted:
		var p StepCompletedPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		step, err := v.step(p.StepName)
		if err != nil {
			return err
		}
		ref := p.Ref.Ref()
		step.Status = domain.StepStatusCompleted
		step.Ref = &ref
		step.Memoized = p.Memoized
		return nil

	case domain.EventStepFailed:
		var p StepFailedPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		step, err := v.step(p.StepName)
		if err != nil {
			return err
		}
		step.Status = domain.StepStatusFailed
		return nil

	case domain.EventGateOpened:
		var p GateOpenedPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		v.Gate = &GateState{
			Name:     p.Gate,
			Kind:     p.Kind,
			InputKey: p.InputKey,
			Deadline: p.Deadline,
			OpenedAt: entry.RecordedAt,
		}
		v.Gates[p.Gate] = true
		next := domain.RunStatusWaitingApproval
		if p.Kind == GateKindInput {
			next = domain.RunStatusWaitingExtraInput
		}
		return v.transition(next)

	case domain.EventSignalApproved:
		var p SignalPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		v.Seen[p.CommandID] = true
		v.Gate = nil
		return v.transition(domain.RunStatusRunning)

	case domain.EventSignalRejected:
		var p SignalPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		v.Seen[p.CommandID] = true
		v.Gate = nil
		return nil

	case domain.EventSignalInput:
		var p SignalPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		v.Seen[p.CommandID] = true
		v.Gate = nil
		v.Run.Config = v.Run.Config.Merged(domain.Config(p.Input))
		return v.transition(domain.RunStatusRunning)

	case domain.EventSignalCancelled:
		var p SignalPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		v.Seen[p.CommandID] = true
		return nil

	case domain.EventTimerFired:
		v.Gate = nil
		return nil

	case domain.EventRunCompleted:
		return v.transition(domain.RunStatusCompleted)

	case domain.EventRunFailed:
		var p RunFailedPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		failure := p.Failure.Record()
		v.Run.Failure = &failure
		return v.transition(domain.RunStatusFailed)

	case domain.EventRunCancelled:
		v.Gate = nil
		return v.transition(domain.RunStatusCancelled)

	case domain.EventRunSuperseded:
		var p RunSupersededPayload
		if err := decode(entry.Payload, &p); err != nil {
			return err
		}
		v.Run.SupersededBy = p.SupersededBy
		if p.CommandID != "" {
			v.Seen[p.CommandID] = true
		}
		return nil

	default:
		return fmt.Errorf("unknown event type %q", entry.Type)
	}
}

func (v *RunView) step(name string) (*domain.StepExecution, error) {
	step, ok := v.Steps[name]
	if !ok {
		return nil, fmt.Errorf("step %q was never dispatched", name)
	}
	return step, nil
}

func (v *RunView) transition(next domain.RunStatus) error {
	if v.Run.Status == next {
		return nil
	}
	if !domain.CanTransitionRunStatus(v.Run.Status, next) {
		return fmt.Errorf("illegal run transition %s -> %s", v.Run.Status, next)
	}
	v.Run.Status = next
	return nil
}

// Satisfied returns the set of steps downstream dependencies may treat as
// done: completed, skipped, or inherited.
func (v *RunView) Satisfied() map[string]bool {
	out := make(map[string]bool, len(v.Steps))
	for name, step := range v.Steps {
		switch step.Status {
		case domain.StepStatusCompleted, domain.StepStatusSkipped:
			out[name] = true
		}
	}
	return out
}

// CompletedRefs returns the artifact refs of completed steps.
func (v *RunView) CompletedRefs() map[string]domain.ArtifactRef {
	out := make(map[string]domain.ArtifactRef)
	for name, step := range v.Steps {
		if step.Status == domain.StepStatusCompleted && step.Ref != nil {
			out[name] = *step.Ref
		}
	}
	return out
}

// AttemptCount returns how many attempts a step has consumed.
func (v *RunView) AttemptCount(name string) int {
	step, ok := v.Steps[name]
	if !ok {
		return 0
	}
	return len(step.Attempts)
}

// FailedStep returns the step execution a run failure should be attributed
// to, if any step failed.
func (v *RunView) FailedStep() *domain.StepExecution {
	for _, step := range v.Steps {
		if step.Status == domain.StepStatusFailed {
			return step
		}
	}
	return nil
}
