package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/loomworks/loom-go/internal/artifact"
	"github.com/loomworks/loom-go/internal/classify"
	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/executor"
	"github.com/loomworks/loom-go/internal/journal"
	"github.com/loomworks/loom-go/internal/registry"
	"github.com/loomworks/loom-go/internal/repo/memory"
)

const (
	testTenant = "acme"
	testRun    = "run-1"
)

func newTestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stepClock() func() time.Time {
	current := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

type scriptedExecutor struct {
	name  string
	calls int
	fn    func(ctx context.Context, req executor.Request, cp executor.Checkpoints) (executor.Result, error)
}

func (s *scriptedExecutor) Name() string { return s.name }

func (s *scriptedExecutor) Execute(ctx context.Context, req executor.Request, cp executor.Checkpoints) (executor.Result, error) {
	s.calls++
	return s.fn(ctx, req, cp)
}

type fixture struct {
	runner      *Runner
	writer      *journal.Writer
	journals    *memory.JournalStore
	checkpoints *memory.CheckpointStore
	artifacts   *artifact.FSStore
	execs       *executor.Registry
	slept       []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	journals := memory.NewJournalStore()
	checkpoints := memory.NewCheckpointStore()
	store, err := artifact.NewFSStore(memfs.New(), nil)
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	execs := executor.NewRegistry()
	wr := journal.NewWriter(journals, stepClock())
	r, err := New(newTestLogger(t), wr, checkpoints, store, execs)
	if err != nil {
		t.Fatalf("build runner: %v", err)
	}
	f := &fixture{runner: r, writer: wr, journals: journals, checkpoints: checkpoints, artifacts: store, execs: execs}
	r.sleep = func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return ctx.Err()
	}
	return f
}

func (f *fixture) seedDispatch(t *testing.T, stepName string, config map[string]string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.writer.AppendNext(ctx, testTenant, testRun, domain.EventRunCreated, journal.RunCreatedPayload{
		PipelineID: "article-pipeline",
		Config:     config,
	}); err != nil {
		t.Fatalf("seed run.created: %v", err)
	}
	if _, err := f.writer.AppendNext(ctx, testTenant, testRun, domain.EventStepDispatched, journal.StepDispatchedPayload{StepName: stepName}); err != nil {
		t.Fatalf("seed step.dispatched: %v", err)
	}
}

func (f *fixture) params(t *testing.T, pipeline *registry.Registry, stepName string) Params {
	t.Helper()
	view := f.view(t)
	node, ok := pipeline.Node(stepName)
	if !ok {
		t.Fatalf("unknown step %s", stepName)
	}
	return Params{
		Pipeline: pipeline,
		Node:     node,
		Run:      view.Run,
		Prior:    view.Steps[stepName],
	}
}

func (f *fixture) view(t *testing.T) *journal.RunView {
	t.Helper()
	view, err := journal.Load(context.Background(), f.journals, testTenant, testRun)
	if err != nil {
		t.Fatalf("replay journal: %v", err)
	}
	return view
}

func (f *fixture) attemptFailures(t *testing.T) []journal.AttemptFailedPayload {
	t.Helper()
	entries, err := journal.ReadAll(context.Background(), f.journals, testTenant, testRun)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	out := make([]journal.AttemptFailedPayload, 0)
	for _, entry := range entries {
		if entry.Type != domain.EventAttemptFailed {
			continue
		}
		var p journal.AttemptFailedPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			t.Fatalf("decode attempt.failed: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func newPipeline(t *testing.T, defaults registry.Defaults) *registry.Registry {
	t.Helper()
	reg, err := registry.New("article-pipeline", []registry.StepNode{
		{Name: "topic_research"},
		{Name: "draft", DependsOn: []string{"topic_research"}},
		{Name: "seo_audit", Uses: "audit", DependsOn: []string{"draft"}, Fallbacks: []string{"draft"}},
	}, nil, defaults)
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	return reg
}

func TestExecuteStep_CompletesAndJournalsAttempt(t *testing.T) {
	f := newFixture(t)
	exec := &scriptedExecutor{name: "topic_research", fn: func(_ context.Context, req executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		return executor.Result{Output: []byte("# Research: " + req.Config["topic"]), MediaType: "text/markdown"}, nil
	}}
	f.execs.MustRegister(exec)
	f.seedDispatch(t, "topic_research", map[string]string{"topic": "espresso"})
	pipeline := newPipeline(t, registry.Defaults{})

	out, err := f.runner.ExecuteStep(context.Background(), f.params(t, pipeline, "topic_research"))
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if out.Ref == nil || out.Failure != nil || out.Memoized {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls=%d, want 1", exec.calls)
	}

	data, err := f.artifacts.Get(context.Background(), testTenant, *out.Ref)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "# Research: espresso" {
		t.Fatalf("artifact content=%q", data)
	}

	// The runner closes the attempt; the step-level completion entry belongs
	// to the dispatcher.
	view := f.view(t)
	if got := view.AttemptCount("topic_research"); got != 1 {
		t.Fatalf("attempts=%d, want 1", got)
	}
	step := view.Steps["topic_research"]
	latest := step.Latest()
	if latest.Status != domain.StepStatusCompleted {
		t.Fatalf("attempt status=%s, want completed", latest.Status)
	}
	if latest.CheckpointSeq != 1 {
		t.Fatalf("checkpoint seq=%d, want 1 for the result record", latest.CheckpointSeq)
	}
	if step.Status != domain.StepStatusRunning {
		t.Fatalf("step status=%s, want running until dispatched completion", step.Status)
	}
}

func TestExecuteStep_MemoizedResultNeverReinvokesExecutor(t *testing.T) {
	f := newFixture(t)
	exec := &scriptedExecutor{name: "topic_research", fn: func(_ context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		return executor.Result{Output: []byte("# Research"), MediaType: "text/markdown"}, nil
	}}
	f.execs.MustRegister(exec)
	f.seedDispatch(t, "topic_research", map[string]string{"topic": "espresso"})
	pipeline := newPipeline(t, registry.Defaults{})

	first, err := f.runner.ExecuteStep(context.Background(), f.params(t, pipeline, "topic_research"))
	if err != nil {
		t.Fatalf("first ExecuteStep: %v", err)
	}
	before, err := journal.ReadAll(context.Background(), f.journals, testTenant, testRun)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}

	second, err := f.runner.ExecuteStep(context.Background(), f.params(t, pipeline, "topic_research"))
	if err != nil {
		t.Fatalf("second ExecuteStep: %v", err)
	}
	if !second.Memoized {
		t.Fatalf("second outcome not memoized: %+v", second)
	}
	if second.Ref == nil || second.Ref.Digest != first.Ref.Digest {
		t.Fatalf("memoized ref=%+v, want digest %s", second.Ref, first.Ref.Digest)
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls=%d, want 1", exec.calls)
	}

	after, err := journal.ReadAll(context.Background(), f.journals, testTenant, testRun)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("memoized call appended %d entries", len(after)-len(before))
	}
}

func TestExecuteStep_RetriesUntilBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	exec := &scriptedExecutor{name: "topic_research", fn: func(_ context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		return executor.Result{}, classify.Retryable(errors.New("upstream flaked"))
	}}
	f.execs.MustRegister(exec)
	f.seedDispatch(t, "topic_research", map[string]string{"topic": "espresso"})
	pipeline := newPipeline(t, registry.Defaults{RetryLimit: 3})

	out, err := f.runner.ExecuteStep(context.Background(), f.params(t, pipeline, "topic_research"))
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if out.Failure == nil {
		t.Fatalf("expected a failure outcome, got %+v", out)
	}
	if out.Failure.Category != domain.FailureRetryable {
		t.Fatalf("category=%s, want retryable", out.Failure.Category)
	}
	if !strings.Contains(out.Failure.Message, "upstream flaked") {
		t.Fatalf("message=%q", out.Failure.Message)
	}
	if exec.calls != 3 {
		t.Fatalf("executor calls=%d, want 3", exec.calls)
	}
	if len(f.slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(f.slept))
	}

	failures := f.attemptFailures(t)
	if len(failures) != 3 {
		t.Fatalf("attempt.failed entries=%d, want 3", len(failures))
	}
	wantRetry := []bool{true, true, false}
	for i, p := range failures {
		if p.WillRetry != wantRetry[i] {
			t.Fatalf("attempt %d will_retry=%v, want %v", p.Number, p.WillRetry, wantRetry[i])
		}
	}
	if got := f.view(t).AttemptCount("topic_research"); got != 3 {
		t.Fatalf("replayed attempts=%d, want 3", got)
	}
}

func TestExecuteStep_NonRetryableFailsOnFirstAttempt(t *testing.T) {
	f := newFixture(t)
	exec := &scriptedExecutor{name: "topic_research", fn: func(_ context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		return executor.Result{}, classify.NonRetryable(errors.New("prompt template missing"))
	}}
	f.execs.MustRegister(exec)
	f.seedDispatch(t, "topic_research", map[string]string{"topic": "espresso"})
	pipeline := newPipeline(t, registry.Defaults{RetryLimit: 3})

	out, err := f.runner.ExecuteStep(context.Background(), f.params(t, pipeline, "topic_research"))
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if out.Failure == nil || out.Failure.Category != domain.FailureNonRetryable {
		t.Fatalf("outcome=%+v, want non_retryable failure", out)
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls=%d, want 1", exec.calls)
	}
	if len(f.slept) != 0 {
		t.Fatalf("slept %d times, want 0", len(f.slept))
	}
}

func TestExecuteStep_ValidationFailureRecommendsUpstreamStep(t *testing.T) {
	f := newFixture(t)
	exec := &scriptedExecutor{name: "audit", fn: func(_ context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		return executor.Result{}, classify.ValidationFail(errors.New("keyword density off"))
	}}
	f.execs.MustRegister(exec)
	f.seedDispatch(t, "seo_audit", map[string]string{"topic": "espresso"})
	pipeline := newPipeline(t, registry.Defaults{RetryLimit: 3})

	out, err := f.runner.ExecuteStep(context.Background(), f.params(t, pipeline, "seo_audit"))
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if out.Failure == nil || out.Failure.Category != domain.FailureValidationFail {
		t.Fatalf("outcome=%+v, want validation_fail", out)
	}
	if out.Failure.Recommended != "draft" {
		t.Fatalf("recommended=%q, want draft", out.Failure.Recommended)
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls=%d, want 1: validation failures never retry", exec.calls)
	}
}

func TestExecuteStep_ValidationRoutingFallsBackToSelfWhenCandidateDisabled(t *testing.T) {
	f := newFixture(t)
	exec := &scriptedExecutor{name: "audit", fn: func(_ context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		return executor.Result{}, classify.ValidationFail(errors.New("keyword density off"))
	}}
	f.execs.MustRegister(exec)
	f.seedDispatch(t, "seo_audit", map[string]string{"step.draft.disabled": "true"})
	pipeline := newPipeline(t, registry.Defaults{RetryLimit: 3})

	out, err := f.runner.ExecuteStep(context.Background(), f.params(t, pipeline, "seo_audit"))
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if out.Failure == nil || out.Failure.Recommended != "seo_audit" {
		t.Fatalf("outcome=%+v, want recommendation seo_audit", out)
	}
}

func TestExecuteStep_RetryResumesFromCheckpoints(t *testing.T) {
	f := newFixture(t)
	executed := make([]string, 0)
	exec := &scriptedExecutor{name: "topic_research", fn: func(ctx context.Context, req executor.Request, cp executor.Checkpoints) (executor.Result, error) {
		for i := 1; i <= 3; i++ {
			key := fmt.Sprintf("unit-%d", i)
			if _, done := cp.Load(key); done {
				continue
			}
			executed = append(executed, key)
			if err := cp.Save(ctx, key, map[string]int{"unit": i}); err != nil {
				return executor.Result{}, err
			}
			if req.Attempt == 1 && i == 2 {
				return executor.Result{}, classify.Retryable(errors.New("flaked after unit 2"))
			}
		}
		return executor.Result{Output: []byte("# Research"), MediaType: "text/markdown"}, nil
	}}
	f.execs.MustRegister(exec)
	f.seedDispatch(t, "topic_research", map[string]string{"topic": "espresso"})
	pipeline := newPipeline(t, registry.Defaults{RetryLimit: 3})

	out, err := f.runner.ExecuteStep(context.Background(), f.params(t, pipeline, "topic_research"))
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if out.Ref == nil {
		t.Fatalf("outcome=%+v, want completion", out)
	}
	if want := []string{"unit-1", "unit-2", "unit-3"}; len(executed) != len(want) {
		t.Fatalf("executed=%v, want each unit once", executed)
	}
	for i, want := range []string{"unit-1", "unit-2", "unit-3"} {
		if executed[i] != want {
			t.Fatalf("executed[%d]=%s, want %s", i, executed[i], want)
		}
	}

	// Sequences keep climbing across attempts; the result record lands last.
	history, err := f.checkpoints.History(context.Background(), testTenant, testRun, "topic_research")
	if err != nil {
		t.Fatalf("checkpoint history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("checkpoints=%d, want 4", len(history))
	}
	for i, cp := range history {
		if cp.Seq != uint64(i+1) {
			t.Fatalf("checkpoint[%d] seq=%d, want %d", i, cp.Seq, i+1)
		}
	}
	if history[3].Key != resultKey {
		t.Fatalf("last checkpoint key=%s, want %s", history[3].Key, resultKey)
	}

	view := f.view(t)
	step := view.Steps["topic_research"]
	if len(step.Attempts) != 2 {
		t.Fatalf("attempts=%d, want 2", len(step.Attempts))
	}
	if step.Attempts[0].CheckpointSeq != 2 {
		t.Fatalf("attempt 1 seq=%d, want 2", step.Attempts[0].CheckpointSeq)
	}
	if step.Attempts[1].CheckpointSeq != 4 {
		t.Fatalf("attempt 2 seq=%d, want 4", step.Attempts[1].CheckpointSeq)
	}
}

func TestExecuteStep_ExecutorPanicBecomesFailure(t *testing.T) {
	f := newFixture(t)
	exec := &scriptedExecutor{name: "topic_research", fn: func(_ context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		panic("template exploded")
	}}
	f.execs.MustRegister(exec)
	f.seedDispatch(t, "topic_research", map[string]string{"topic": "espresso"})
	pipeline := newPipeline(t, registry.Defaults{RetryLimit: 3})

	out, err := f.runner.ExecuteStep(context.Background(), f.params(t, pipeline, "topic_research"))
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if out.Failure == nil || out.Failure.Category != domain.FailureNonRetryable {
		t.Fatalf("outcome=%+v, want non_retryable failure", out)
	}
	if !strings.Contains(out.Failure.Message, "executor panic: template exploded") {
		t.Fatalf("message=%q", out.Failure.Message)
	}
	if got := f.view(t).AttemptCount("topic_research"); got != 1 {
		t.Fatalf("attempts=%d, want 1", got)
	}
}

func TestExecuteStep_ClosesInterruptedAttemptBeforeRetrying(t *testing.T) {
	f := newFixture(t)
	exec := &scriptedExecutor{name: "topic_research", fn: func(_ context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		return executor.Result{Output: []byte("# Research"), MediaType: "text/markdown"}, nil
	}}
	f.execs.MustRegister(exec)
	f.seedDispatch(t, "topic_research", map[string]string{"topic": "espresso"})
	// The previous daemon died mid-attempt: attempt.started with no close.
	if _, err := f.writer.AppendNext(context.Background(), testTenant, testRun, domain.EventAttemptStarted, journal.AttemptStartedPayload{
		StepName: "topic_research",
		Number:   1,
	}); err != nil {
		t.Fatalf("seed attempt.started: %v", err)
	}
	pipeline := newPipeline(t, registry.Defaults{RetryLimit: 3})

	out, err := f.runner.ExecuteStep(context.Background(), f.params(t, pipeline, "topic_research"))
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if out.Ref == nil || out.Memoized {
		t.Fatalf("outcome=%+v, want fresh completion", out)
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls=%d, want 1", exec.calls)
	}

	view := f.view(t)
	step := view.Steps["topic_research"]
	if len(step.Attempts) != 2 {
		t.Fatalf("attempts=%d, want interrupted + fresh", len(step.Attempts))
	}
	first := step.Attempts[0]
	if first.Status != domain.StepStatusFailed || first.Failure == nil {
		t.Fatalf("interrupted attempt=%+v, want recorded failure", first)
	}
	if !strings.Contains(first.Failure.Message, "interrupted by daemon restart") {
		t.Fatalf("interrupted message=%q", first.Failure.Message)
	}
	if step.Attempts[1].Status != domain.StepStatusCompleted {
		t.Fatalf("fresh attempt status=%s, want completed", step.Attempts[1].Status)
	}
}

func TestExecuteStep_RecoversCommittedResultAfterCrash(t *testing.T) {
	f := newFixture(t)
	exec := &scriptedExecutor{name: "topic_research", fn: func(_ context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		return executor.Result{}, errors.New("must not run")
	}}
	f.execs.MustRegister(exec)
	f.seedDispatch(t, "topic_research", map[string]string{"topic": "espresso"})
	ctx := context.Background()
	if _, err := f.writer.AppendNext(ctx, testTenant, testRun, domain.EventAttemptStarted, journal.AttemptStartedPayload{
		StepName: "topic_research",
		Number:   1,
	}); err != nil {
		t.Fatalf("seed attempt.started: %v", err)
	}

	// The crash landed between committing the result and journaling the
	// attempt close.
	ref, err := f.artifacts.Put(ctx, testTenant, testRun, "topic_research", "text/markdown", []byte("# Research"))
	if err != nil {
		t.Fatalf("put artifact: %v", err)
	}
	payload, err := json.Marshal(journal.NewRefPayload(ref))
	if err != nil {
		t.Fatalf("encode ref: %v", err)
	}
	if err := f.checkpoints.Save(ctx, testTenant, testRun, "topic_research", 1, domain.Checkpoint{
		Key:        resultKey,
		Seq:        1,
		Payload:    payload,
		RecordedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("seed result checkpoint: %v", err)
	}
	pipeline := newPipeline(t, registry.Defaults{RetryLimit: 3})

	out, err := f.runner.ExecuteStep(ctx, f.params(t, pipeline, "topic_research"))
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if !out.Memoized || out.Ref == nil || out.Ref.Digest != ref.Digest {
		t.Fatalf("outcome=%+v, want memoized recovery of %s", out, ref.Digest)
	}
	if exec.calls != 0 {
		t.Fatalf("executor calls=%d, want 0", exec.calls)
	}

	view := f.view(t)
	latest := view.Steps["topic_research"].Latest()
	if latest.Status != domain.StepStatusCompleted {
		t.Fatalf("attempt status=%s, want completed after recovery", latest.Status)
	}
}

func TestExecuteStep_UnknownExecutorFailsWithoutAttempt(t *testing.T) {
	f := newFixture(t)
	f.seedDispatch(t, "draft", map[string]string{"topic": "espresso"})
	pipeline := newPipeline(t, registry.Defaults{RetryLimit: 3})

	out, err := f.runner.ExecuteStep(context.Background(), f.params(t, pipeline, "draft"))
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if out.Failure == nil || out.Failure.Category != domain.FailureNonRetryable {
		t.Fatalf("outcome=%+v, want non_retryable failure", out)
	}
	if !strings.Contains(out.Failure.Message, "unknown executor draft") {
		t.Fatalf("message=%q", out.Failure.Message)
	}
	if got := f.view(t).AttemptCount("draft"); got != 0 {
		t.Fatalf("attempts=%d, want 0: binding errors spend no budget", got)
	}
}

func TestExecuteStep_CancelledRunStopsWithoutFailureEntry(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	exec := &scriptedExecutor{name: "topic_research", fn: func(_ context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		cancel()
		return executor.Result{}, classify.Retryable(errors.New("interrupted"))
	}}
	f.execs.MustRegister(exec)
	f.seedDispatch(t, "topic_research", map[string]string{"topic": "espresso"})
	pipeline := newPipeline(t, registry.Defaults{RetryLimit: 3})

	_, err := f.runner.ExecuteStep(ctx, f.params(t, pipeline, "topic_research"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}

	entries, err := journal.ReadAll(context.Background(), f.journals, testTenant, testRun)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	// run.created, step.dispatched, attempt.started; the run-level
	// cancellation entry is the dispatcher's record.
	if len(entries) != 3 {
		t.Fatalf("journal entries=%d, want 3", len(entries))
	}
	if entries[2].Type != domain.EventAttemptStarted {
		t.Fatalf("last entry=%s, want attempt.started", entries[2].Type)
	}
}

func TestExecuteStep_BackoffFollowsPolicy(t *testing.T) {
	f := newFixture(t)
	exec := &scriptedExecutor{name: "topic_research", fn: func(_ context.Context, req executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		if req.Attempt < 3 {
			return executor.Result{}, classify.Retryable(errors.New("rate limited"))
		}
		return executor.Result{Output: []byte("# Research"), MediaType: "text/markdown"}, nil
	}}
	f.execs.MustRegister(exec)
	f.seedDispatch(t, "topic_research", map[string]string{"topic": "espresso"})
	pipeline := newPipeline(t, registry.Defaults{
		RetryLimit: 3,
		Backoff:    registry.Backoff{Type: "exponential", InitialSeconds: 2, MaxSeconds: 5, Multiplier: 2},
	})

	out, err := f.runner.ExecuteStep(context.Background(), f.params(t, pipeline, "topic_research"))
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if out.Ref == nil {
		t.Fatalf("outcome=%+v, want completion", out)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(f.slept) != len(want) {
		t.Fatalf("slept=%v, want %v", f.slept, want)
	}
	for i := range want {
		if f.slept[i] != want[i] {
			t.Fatalf("slept[%d]=%s, want %s", i, f.slept[i], want[i])
		}
	}
	failures := f.attemptFailures(t)
	if len(failures) != 2 {
		t.Fatalf("attempt.failed entries=%d, want 2", len(failures))
	}
	if failures[0].RetryDelaySec != 2 || failures[1].RetryDelaySec != 4 {
		t.Fatalf("journaled delays=%d,%d, want 2,4", failures[0].RetryDelaySec, failures[1].RetryDelaySec)
	}
}

func TestCheckpointer_RejectsReservedKeys(t *testing.T) {
	f := newFixture(t)
	f.seedDispatch(t, "topic_research", map[string]string{"topic": "espresso"})
	ctx := context.Background()

	cp, err := newCheckpointer(ctx, f.checkpoints, f.writer, testTenant, testRun, "topic_research", 1, time.Now)
	if err != nil {
		t.Fatalf("newCheckpointer: %v", err)
	}
	if err := cp.Save(ctx, "__shadow", map[string]bool{"done": true}); err == nil || !strings.Contains(err.Error(), "reserved") {
		t.Fatalf("err=%v, want reserved key rejection", err)
	}
	if err := cp.Save(ctx, "outline", map[string]bool{"done": true}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := cp.Load("outline"); !ok {
		t.Fatalf("saved checkpoint not loadable")
	}
}
