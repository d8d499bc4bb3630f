// Package runner drives single steps to a terminal outcome: memoization,
// the attempt loop with its retry budget and backoff, checkpoint resume,
// and the attempt-level journal entries. It decides nothing about dispatch
// order; the engine hands it one step at a time.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom-go/internal/artifact"
	"github.com/loomworks/loom-go/internal/classify"
	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/executor"
	"github.com/loomworks/loom-go/internal/journal"
	"github.com/loomworks/loom-go/internal/registry"
	"github.com/loomworks/loom-go/internal/repo"
)

// Params carries one step execution request.
type Params struct {
	Pipeline *registry.Registry
	Node     registry.StepNode
	Run      domain.Run
	// Prior is the step's state replayed from the journal, nil on first
	// dispatch.
	Prior *domain.StepExecution
	// Inputs holds upstream outputs keyed by step name.
	Inputs map[string][]byte
}

// Outcome is the terminal result of a step execution. Exactly one of Ref
// and Failure is set.
type Outcome struct {
	Ref      *domain.ArtifactRef
	Memoized bool
	Failure  *domain.ErrorRecord
}

// Runner executes steps. One instance serves every run of a daemon; all
// per-step state lives in the journal and the checkpoint store.
type Runner struct {
	logger      *slog.Logger
	wr          *journal.Writer
	checkpoints repo.CheckpointStore
	artifacts   artifact.Store
	execs       *executor.Registry
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func New(logger *slog.Logger, wr *journal.Writer, checkpoints repo.CheckpointStore, artifacts artifact.Store, execs *executor.Registry) (*Runner, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if wr == nil {
		return nil, errors.New("journal writer is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if execs == nil {
		return nil, errors.New("executor registry is required")
	}
	return &Runner{
		logger:      logger,
		wr:          wr,
		checkpoints: checkpoints,
		artifacts:   artifacts,
		execs:       execs,
		now:         time.Now,
		sleep:       sleepFor,
	}, nil
}

// ExecuteStep drives one step until it completes, fails for good, or the
// context ends. The returned error is reserved for infrastructure trouble
// and cancellation; step failures come back inside the Outcome.
func (r *Runner) ExecuteStep(ctx context.Context, p Params) (Outcome, error) {
	if r == nil {
		return Outcome{}, errors.New("runner not initialized")
	}
	if p.Pipeline == nil {
		return Outcome{}, errors.New("pipeline registry is required")
	}
	tenantID := p.Run.TenantID
	runID := p.Run.ID
	stepName := p.Node.Name
	limit := p.Pipeline.RetryLimit(stepName)

	// A recorded result means the step already ran to completion, even when
	// the success entries never reached the journal. The executor is never
	// invoked again for it.
	ref, err := r.recordedResult(ctx, tenantID, runID, stepName)
	if err != nil {
		return Outcome{}, err
	}

	latest := p.Prior.Latest()
	dangling := latest != nil && latest.Status == domain.StepStatusRunning

	if ref != nil {
		if dangling {
			// The previous daemon died after committing the result but
			// before closing the attempt.
			if _, err := r.wr.AppendNext(ctx, tenantID, runID, domain.EventAttemptDone, journal.AttemptCompletedPayload{
				StepName: stepName,
				Number:   latest.Number,
			}); err != nil {
				return Outcome{}, err
			}
		}
		r.logger.Info("step memoized", "tenant", tenantID, "run", runID, "step", stepName)
		return Outcome{Ref: ref, Memoized: true}, nil
	}

	base := 0
	if latest != nil {
		base = latest.Number
	}

	if dangling {
		// Close the interrupted attempt or the next attempt.started will
		// not replay.
		rec := domain.ErrorRecord{
			Category:   domain.FailureRetryable,
			StepName:   stepName,
			Message:    "attempt interrupted by daemon restart",
			OccurredAt: r.now().UTC(),
		}
		willRetry := classify.ShouldRetry(rec, latest.Number, limit)
		if _, err := r.wr.AppendNext(ctx, tenantID, runID, domain.EventAttemptFailed, journal.AttemptFailedPayload{
			StepName:  stepName,
			Number:    latest.Number,
			Failure:   journal.NewFailurePayload(rec),
			WillRetry: willRetry,
		}); err != nil {
			return Outcome{}, err
		}
		if !willRetry {
			return Outcome{Failure: &rec}, nil
		}
	}

	exec, err := r.execs.Resolve(p.Node.ExecutorName())
	if err != nil {
		rec := domain.ErrorRecord{
			Category:   domain.FailureNonRetryable,
			StepName:   stepName,
			Message:    err.Error(),
			OccurredAt: r.now().UTC(),
		}
		return Outcome{Failure: &rec}, nil
	}

	// Run config wins over the step's static config.
	merged := domain.Config(p.Node.Config).Merged(p.Run.Config)

	for number := base + 1; ; number++ {
		if number > limit {
			rec := domain.ErrorRecord{
				Category:   domain.FailureNonRetryable,
				StepName:   stepName,
				Message:    fmt.Sprintf("retry budget exhausted after %d attempts", number-1),
				OccurredAt: r.now().UTC(),
			}
			return Outcome{Failure: &rec}, nil
		}

		if _, err := r.wr.AppendNext(ctx, tenantID, runID, domain.EventAttemptStarted, journal.AttemptStartedPayload{
			StepName: stepName,
			Number:   number,
		}); err != nil {
			return Outcome{}, err
		}

		cp, err := newCheckpointer(ctx, r.checkpoints, r.wr, tenantID, runID, stepName, number, r.now)
		if err != nil {
			return Outcome{}, err
		}

		req := executor.Request{
			TenantID: tenantID,
			RunID:    runID,
			StepName: stepName,
			Attempt:  number,
			Config:   merged,
			Inputs:   p.Inputs,
		}

		res, execErr := safeExecute(ctx, exec, req, cp)
		if execErr == nil {
			artifactRef, putErr := r.artifacts.Put(ctx, tenantID, runID, stepName, res.MediaType, res.Output)
			if putErr == nil {
				// Result first, attempt.completed second: a crash between
				// the two resolves as a memoized completion next time.
				if err := cp.save(ctx, resultKey, journal.NewRefPayload(artifactRef)); err != nil {
					return Outcome{}, err
				}
				if _, err := r.wr.AppendNext(ctx, tenantID, runID, domain.EventAttemptDone, journal.AttemptCompletedPayload{
					StepName: stepName,
					Number:   number,
				}); err != nil {
					return Outcome{}, err
				}
				r.logger.Info("step completed", "tenant", tenantID, "run", runID, "step", stepName, "attempt", number)
				return Outcome{Ref: &artifactRef}, nil
			}
			execErr = classify.Retryable(fmt.Errorf("store artifact: %w", putErr))
		}

		if ctx.Err() != nil {
			// Cancellation is not a step failure; the run-level entry is
			// the record.
			return Outcome{}, ctx.Err()
		}

		rec := classify.Classify(stepName, execErr, r.now())
		if rec.Category == domain.FailureValidationFail {
			rec.Recommended = classify.RouteValidationFailure(p.Pipeline, stepName, merged)
		}
		willRetry := classify.ShouldRetry(rec, number, limit)
		var delay time.Duration
		if willRetry {
			delay = classify.BackoffDelay(p.Pipeline.Defaults().Backoff, number)
		}
		if _, err := r.wr.AppendNext(ctx, tenantID, runID, domain.EventAttemptFailed, journal.AttemptFailedPayload{
			StepName:      stepName,
			Number:        number,
			Failure:       journal.NewFailurePayload(rec),
			WillRetry:     willRetry,
			RetryDelaySec: int64(delay / time.Second),
		}); err != nil {
			return Outcome{}, err
		}
		if !willRetry {
			r.logger.Warn("step failed", "tenant", tenantID, "run", runID, "step", stepName, "attempt", number, "category", string(rec.Category), "error", rec.Message)
			return Outcome{Failure: &rec}, nil
		}
		r.logger.Info("attempt failed, retrying", "tenant", tenantID, "run", runID, "step", stepName, "attempt", number, "delay", delay.String(), "error", rec.Message)
		if err := r.sleep(ctx, delay); err != nil {
			return Outcome{}, err
		}
	}
}

// recordedResult loads the reserved result checkpoint and verifies the
// artifact still exists before declaring the step memoized.
func (r *Runner) recordedResult(ctx context.Context, tenantID, runID, stepName string) (*domain.ArtifactRef, error) {
	cp, err := r.checkpoints.ByKey(ctx, tenantID, runID, stepName, resultKey)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load result checkpoint for %s: %w", stepName, err)
	}
	var p journal.RefPayload
	if err := json.Unmarshal(cp.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode result checkpoint for %s: %w", stepName, err)
	}
	ref := p.Ref()
	ok, err := r.artifacts.Exists(ctx, tenantID, ref)
	if err != nil {
		return nil, fmt.Errorf("probe artifact for %s: %w", stepName, err)
	}
	if !ok {
		return nil, nil
	}
	return &ref, nil
}

// safeExecute shields the engine from executor panics.
func safeExecute(ctx context.Context, exec executor.Executor, req executor.Request, cp executor.Checkpoints) (res executor.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor panic: %v", rec)
		}
	}()
	return exec.Execute(ctx, req, cp)
}

// sleepFor waits out a backoff delay without outliving the run.
func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
