package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/loomworks/loom-go/internal/artifact"
	"github.com/loomworks/loom-go/internal/classify"
	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/executor"
	"github.com/loomworks/loom-go/internal/journal"
	"github.com/loomworks/loom-go/internal/registry"
	"github.com/loomworks/loom-go/internal/repo"
	"github.com/loomworks/loom-go/internal/repo/memory"
)

const testTenant = "acme"

func newTestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStep is a scripted executor. The call counter is atomic because group
// members execute concurrently.
type fakeStep struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, req executor.Request, cp executor.Checkpoints) (executor.Result, error)
}

func (f *fakeStep) Name() string { return f.name }

func (f *fakeStep) Execute(ctx context.Context, req executor.Request, cp executor.Checkpoints) (executor.Result, error) {
	f.calls.Add(1)
	return f.fn(ctx, req, cp)
}

func okStep(name string) *fakeStep {
	return &fakeStep{name: name, fn: func(_ context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		return executor.Result{Output: []byte(name + " output"), MediaType: "text/plain"}, nil
	}}
}

type engineFixture struct {
	svc         *Service
	journals    *memory.JournalStore
	checkpoints *memory.CheckpointStore
	runs        *memory.RunIndexStore
	artifacts   *artifact.FSStore
	execs       *executor.Registry
}

func newEngine(t *testing.T) *engineFixture {
	t.Helper()
	store, err := artifact.NewFSStore(memfs.New(), nil)
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	return newEngineWith(t, memory.NewJournalStore(), memory.NewCheckpointStore(), memory.NewRunIndexStore(), store)
}

func newEngineWith(t *testing.T, journals *memory.JournalStore, checkpoints *memory.CheckpointStore, runs *memory.RunIndexStore, store *artifact.FSStore) *engineFixture {
	t.Helper()
	execs := executor.NewRegistry()
	svc, err := NewService(newTestLogger(t), Stores{Journal: journals, Runs: runs, Checkpoints: checkpoints}, store, execs, Config{MaxParallel: 4})
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &engineFixture{svc: svc, journals: journals, checkpoints: checkpoints, runs: runs, artifacts: store, execs: execs}
}

func (f *engineFixture) register(t *testing.T, reg *registry.Registry, steps ...*fakeStep) {
	t.Helper()
	if err := f.svc.RegisterPipeline(reg); err != nil {
		t.Fatalf("register pipeline: %v", err)
	}
	for _, st := range steps {
		if err := f.execs.Register(st); err != nil {
			t.Fatalf("register executor %s: %v", st.name, err)
		}
	}
}

func (f *engineFixture) submit(t *testing.T, config map[string]string) domain.Run {
	t.Helper()
	run, err := f.svc.SubmitRun(context.Background(), testTenant, "article-pipeline", config)
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	return run
}

// waitFor polls the replayed view until the run reaches the wanted status.
func (f *engineFixture) waitFor(t *testing.T, runID string, want domain.RunStatus) *journal.RunView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err := f.svc.GetRun(context.Background(), testTenant, runID)
		if err == nil && view.Run.Status == want {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	view, err := f.svc.GetRun(context.Background(), testTenant, runID)
	if err != nil {
		t.Fatalf("run %s never reached %s: %v", runID, want, err)
	}
	t.Fatalf("run %s never reached %s, stuck at %s", runID, want, view.Run.Status)
	return nil
}

func (f *engineFixture) entries(t *testing.T, runID string) []domain.JournalEntry {
	t.Helper()
	out, err := f.journals.Read(context.Background(), testTenant, runID, 0, 0)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	return out
}

func (f *engineFixture) artifactBody(t *testing.T, ref *domain.ArtifactRef) string {
	t.Helper()
	if ref == nil {
		t.Fatal("artifact ref is nil")
	}
	data, err := f.artifacts.Get(context.Background(), testTenant, *ref)
	if err != nil {
		t.Fatalf("fetch artifact: %v", err)
	}
	return string(data)
}

func findEntry(t *testing.T, entries []domain.JournalEntry, typ domain.EventType, stepName string) domain.JournalEntry {
	t.Helper()
	for _, e := range entries {
		if e.Type != typ {
			continue
		}
		if stepName == "" {
			return e
		}
		var p struct {
			StepName string `json:"step_name"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			t.Fatalf("decode %s payload: %v", typ, err)
		}
		if p.StepName == stepName {
			return e
		}
	}
	t.Fatalf("journal has no %s entry for step %q", typ, stepName)
	return domain.JournalEntry{}
}

func countEntries(entries []domain.JournalEntry, typ domain.EventType) int {
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func typesOf(entries []domain.JournalEntry) []domain.EventType {
	out := make([]domain.EventType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Type)
	}
	return out
}

func buildPipeline(t *testing.T, steps []registry.StepNode, gates []registry.Gate) *registry.Registry {
	t.Helper()
	reg, err := registry.New("article-pipeline", steps, gates, registry.Defaults{RetryLimit: 2})
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	return reg
}

func linearSteps() []registry.StepNode {
	return []registry.StepNode{
		{Name: "research"},
		{Name: "draft", DependsOn: []string{"research"}},
		{Name: "seo_audit", DependsOn: []string{"draft"}},
	}
}

func TestSubmitRun_CompletesLinearPipeline(t *testing.T) {
	f := newEngine(t)
	research, draft, audit := okStep("research"), okStep("draft"), okStep("seo_audit")
	f.register(t, buildPipeline(t, linearSteps(), nil), research, draft, audit)

	run := f.submit(t, map[string]string{"topic": "espresso"})
	if run.Status != domain.RunStatusPending {
		t.Fatalf("submitted status = %s, want pending", run.Status)
	}

	view := f.waitFor(t, run.ID, domain.RunStatusCompleted)
	for _, name := range []string{"research", "draft", "seo_audit"} {
		step := view.Steps[name]
		if step == nil || step.Status != domain.StepStatusCompleted {
			t.Fatalf("step %s did not complete: %+v", name, step)
		}
		if step.Ref == nil {
			t.Fatalf("step %s completed without an artifact ref", name)
		}
	}
	if got := int(draft.calls.Load()); got != 1 {
		t.Fatalf("draft executed %d times, want 1", got)
	}
	if got := f.artifactBody(t, view.Steps["seo_audit"].Ref); got != "seo_audit output" {
		t.Fatalf("final artifact = %q", got)
	}

	entries := f.entries(t, run.ID)
	if entries[0].Type != domain.EventRunCreated {
		t.Fatalf("first entry = %s, want run.created", entries[0].Type)
	}
	if last := entries[len(entries)-1]; last.Type != domain.EventRunCompleted {
		t.Fatalf("last entry = %s, want run.completed", last.Type)
	}
	// Dependency order holds in the journal: a step completes before its
	// downstream dispatches.
	draftDone := findEntry(t, entries, domain.EventStepCompleted, "draft")
	auditStart := findEntry(t, entries, domain.EventStepDispatched, "seo_audit")
	if draftDone.Offset > auditStart.Offset {
		t.Fatalf("draft completed at offset %d after seo_audit dispatched at %d", draftDone.Offset, auditStart.Offset)
	}

	indexed, err := f.runs.Get(context.Background(), testTenant, run.ID)
	if err != nil {
		t.Fatalf("index get: %v", err)
	}
	if indexed.Status != domain.RunStatusCompleted {
		t.Fatalf("indexed status = %s, want completed", indexed.Status)
	}
}

func TestSubmitRun_UnknownPipelineRejected(t *testing.T) {
	f := newEngine(t)
	_, err := f.svc.SubmitRun(context.Background(), testTenant, "newsletter", nil)
	if err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("err = %v, want unregistered pipeline rejection", err)
	}
}

func TestRegisterPipeline_DuplicateRejected(t *testing.T) {
	f := newEngine(t)
	reg := buildPipeline(t, linearSteps(), nil)
	if err := f.svc.RegisterPipeline(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := f.svc.RegisterPipeline(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if got := f.svc.Pipelines(); len(got) != 1 || got[0] != "article-pipeline" {
		t.Fatalf("pipelines = %v", got)
	}
}

func TestRun_ParallelGroupFansInUpstreamOutputs(t *testing.T) {
	f := newEngine(t)
	steps := []registry.StepNode{
		{Name: "research"},
		{Name: "outline_a", DependsOn: []string{"research"}, Group: "outline"},
		{Name: "outline_b", DependsOn: []string{"research"}, Group: "outline"},
		{Name: "merge", DependsOn: []string{"outline_a", "outline_b"}},
	}
	merge := &fakeStep{name: "merge"}
	merge.fn = func(_ context.Context, req executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		keys := make([]string, 0, len(req.Inputs))
		for k := range req.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return executor.Result{Output: []byte(strings.Join(keys, ",")), MediaType: "text/plain"}, nil
	}
	f.register(t, buildPipeline(t, steps, nil), okStep("research"), okStep("outline_a"), okStep("outline_b"), merge)

	run := f.submit(t, nil)
	view := f.waitFor(t, run.ID, domain.RunStatusCompleted)

	if got := f.artifactBody(t, view.Steps["merge"].Ref); got != "outline_a,outline_b" {
		t.Fatalf("merge inputs = %q, want both outline outputs", got)
	}
	entries := f.entries(t, run.ID)
	mergeStart := findEntry(t, entries, domain.EventStepDispatched, "merge")
	for _, name := range []string{"outline_a", "outline_b"} {
		done := findEntry(t, entries, domain.EventStepCompleted, name)
		if done.Offset > mergeStart.Offset {
			t.Fatalf("%s completed at offset %d after merge dispatched at %d", name, done.Offset, mergeStart.Offset)
		}
	}
}

func TestRun_SiblingResultsSurviveGroupMemberFailure(t *testing.T) {
	f := newEngine(t)
	steps := []registry.StepNode{
		{Name: "outline_a", Group: "outline"},
		{Name: "outline_b", Group: "outline"},
		{Name: "merge", DependsOn: []string{"outline_a", "outline_b"}},
	}
	broken := &fakeStep{name: "outline_b"}
	broken.fn = func(_ context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		return executor.Result{}, classify.NonRetryable(errors.New("outline rejected by style check"))
	}
	merge := okStep("merge")
	f.register(t, buildPipeline(t, steps, nil), okStep("outline_a"), broken, merge)

	run := f.submit(t, nil)
	view := f.waitFor(t, run.ID, domain.RunStatusFailed)

	if view.Run.Failure == nil {
		t.Fatal("failed run carries no failure record")
	}
	if view.Run.Failure.StepName != "outline_b" || view.Run.Failure.Category != domain.FailureNonRetryable {
		t.Fatalf("failure = %+v, want non_retryable outline_b", view.Run.Failure)
	}
	sibling := view.Steps["outline_a"]
	if sibling == nil || sibling.Status != domain.StepStatusCompleted || sibling.Ref == nil {
		t.Fatalf("sibling lost its result: %+v", sibling)
	}
	if view.Steps["merge"] != nil {
		t.Fatal("merge dispatched after its group failed")
	}
	if got := int(merge.calls.Load()); got != 0 {
		t.Fatalf("merge executed %d times, want 0", got)
	}

	// The sibling's completion is journaled before the failure, so its ref
	// survives the run going terminal.
	entries := f.entries(t, run.ID)
	done := findEntry(t, entries, domain.EventStepCompleted, "outline_a")
	failed := findEntry(t, entries, domain.EventStepFailed, "outline_b")
	if done.Offset > failed.Offset {
		t.Fatalf("sibling completion at offset %d landed after the failure at %d", done.Offset, failed.Offset)
	}
}

func TestRun_RetryableFailureRetriesUntilSuccess(t *testing.T) {
	f := newEngine(t)
	flaky := &fakeStep{name: "draft"}
	flaky.fn = func(_ context.Context, req executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		if req.Attempt < 3 {
			return executor.Result{}, classify.Retryable(errors.New("model overloaded"))
		}
		return executor.Result{Output: []byte("draft v3"), MediaType: "text/markdown"}, nil
	}
	f.register(t, buildPipeline(t, []registry.StepNode{{Name: "draft", RetryLimit: 3}}, nil), flaky)

	run := f.submit(t, nil)
	view := f.waitFor(t, run.ID, domain.RunStatusCompleted)

	if got := int(flaky.calls.Load()); got != 3 {
		t.Fatalf("draft executed %d times, want 3", got)
	}
	if got := len(view.Steps["draft"].Attempts); got != 3 {
		t.Fatalf("journaled attempts = %d, want 3", got)
	}
	entries := f.entries(t, run.ID)
	if got := countEntries(entries, domain.EventAttemptFailed); got != 2 {
		t.Fatalf("attempt.failed entries = %d, want 2", got)
	}
	if got := countEntries(entries, domain.EventStepFailed); got != 0 {
		t.Fatalf("step.failed entries = %d, want none after recovery", got)
	}
}

func TestRun_DisabledStepSkipsAndDownstreamContinues(t *testing.T) {
	f := newEngine(t)
	draft := okStep("draft")
	audit := &fakeStep{name: "seo_audit"}
	audit.fn = func(_ context.Context, req executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		return executor.Result{Output: []byte(fmt.Sprintf("inputs:%d", len(req.Inputs))), MediaType: "text/plain"}, nil
	}
	f.register(t, buildPipeline(t, linearSteps(), nil), okStep("research"), draft, audit)

	run := f.submit(t, map[string]string{"step.draft.disabled": "true"})
	view := f.waitFor(t, run.ID, domain.RunStatusCompleted)

	if got := view.Steps["draft"]; got == nil || got.Status != domain.StepStatusSkipped {
		t.Fatalf("draft = %+v, want skipped", got)
	}
	if got := int(draft.calls.Load()); got != 0 {
		t.Fatalf("disabled draft executed %d times", got)
	}
	// A skipped step contributes no input downstream.
	if got := f.artifactBody(t, view.Steps["seo_audit"].Ref); got != "inputs:0" {
		t.Fatalf("seo_audit saw %q, want inputs:0", got)
	}
	skip := findEntry(t, f.entries(t, run.ID), domain.EventStepSkipped, "draft")
	var p struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(skip.Payload, &p); err != nil {
		t.Fatalf("decode skip payload: %v", err)
	}
	if p.Reason != "step disabled" {
		t.Fatalf("skip reason = %q", p.Reason)
	}
}

func TestRun_AllStepsDisabledCompletesWithoutDispatch(t *testing.T) {
	f := newEngine(t)
	draft := okStep("draft")
	f.register(t, buildPipeline(t, []registry.StepNode{{Name: "draft", Disabled: true}}, nil), draft)

	run := f.submit(t, nil)
	f.waitFor(t, run.ID, domain.RunStatusCompleted)

	entries := f.entries(t, run.ID)
	want := []domain.EventType{domain.EventRunCreated, domain.EventStepSkipped, domain.EventRunCompleted}
	if len(entries) != len(want) {
		t.Fatalf("journal = %v, want %v", typesOf(entries), want)
	}
	for i, typ := range want {
		if entries[i].Type != typ {
			t.Fatalf("entry %d = %s, want %s", i+1, entries[i].Type, typ)
		}
	}
	if got := int(draft.calls.Load()); got != 0 {
		t.Fatalf("disabled draft executed %d times", got)
	}
}

func TestApprove_ResumesWaitingRun(t *testing.T) {
	f := newEngine(t)
	steps := []registry.StepNode{
		{Name: "draft"},
		{Name: "publish", DependsOn: []string{"draft"}},
	}
	gates := []registry.Gate{{After: "draft", Kind: registry.GateApproval, Timeout: time.Hour}}
	publish := okStep("publish")
	f.register(t, buildPipeline(t, steps, gates), okStep("draft"), publish)

	run := f.submit(t, nil)
	f.waitFor(t, run.ID, domain.RunStatusWaitingApproval)
	if got := int(publish.calls.Load()); got != 0 {
		t.Fatal("publish ran before the approval arrived")
	}

	cmd := domain.Command{ID: "approve-1", TenantID: testTenant, RunID: run.ID}
	if err := f.svc.Approve(context.Background(), cmd); err != nil {
		t.Fatalf("approve: %v", err)
	}
	view := f.waitFor(t, run.ID, domain.RunStatusCompleted)
	if view.Gate != nil {
		t.Fatalf("gate still open after approval: %+v", view.Gate)
	}
	entries := f.entries(t, run.ID)
	findEntry(t, entries, domain.EventGateOpened, "")
	findEntry(t, entries, domain.EventSignalApproved, "")
	before := len(entries)

	// Redelivered and stray approvals acknowledge without writing.
	if err := f.svc.Approve(context.Background(), cmd); err != nil {
		t.Fatalf("duplicate approve: %v", err)
	}
	if err := f.svc.Approve(context.Background(), domain.Command{ID: "approve-2", TenantID: testTenant, RunID: run.ID}); err != nil {
		t.Fatalf("late approve: %v", err)
	}
	if got := len(f.entries(t, run.ID)); got != before {
		t.Fatalf("journal grew from %d to %d entries on no-op approvals", before, got)
	}
}

func TestReject_FailsRunWithReason(t *testing.T) {
	f := newEngine(t)
	steps := []registry.StepNode{
		{Name: "draft"},
		{Name: "publish", DependsOn: []string{"draft"}},
	}
	gates := []registry.Gate{{After: "draft", Kind: registry.GateApproval, Timeout: time.Hour}}
	publish := okStep("publish")
	f.register(t, buildPipeline(t, steps, gates), okStep("draft"), publish)

	run := f.submit(t, nil)
	f.waitFor(t, run.ID, domain.RunStatusWaitingApproval)

	cmd := domain.Command{ID: "reject-1", TenantID: testTenant, RunID: run.ID, Reason: "tone is off"}
	if err := f.svc.Reject(context.Background(), cmd); err != nil {
		t.Fatalf("reject: %v", err)
	}
	view := f.waitFor(t, run.ID, domain.RunStatusFailed)

	if view.Run.Failure == nil || view.Run.Failure.Category != domain.FailureNonRetryable {
		t.Fatalf("failure = %+v, want non_retryable", view.Run.Failure)
	}
	if !strings.Contains(view.Run.Failure.Message, "tone is off") {
		t.Fatalf("failure message = %q, want the rejection reason", view.Run.Failure.Message)
	}
	if view.Run.Failure.StepName != "draft" {
		t.Fatalf("failure step = %q, want the gate name", view.Run.Failure.StepName)
	}
	entries := f.entries(t, run.ID)
	findEntry(t, entries, domain.EventSignalRejected, "")
	if got := int(publish.calls.Load()); got != 0 {
		t.Fatal("publish ran after rejection")
	}
}

func TestProvideInput_MergesConfigAndResumes(t *testing.T) {
	f := newEngine(t)
	steps := []registry.StepNode{
		{Name: "draft"},
		{Name: "seo_audit", DependsOn: []string{"draft"}},
	}
	gates := []registry.Gate{{After: "draft", Kind: registry.GateInput, InputKey: "seo_keywords", Timeout: time.Hour}}
	audit := &fakeStep{name: "seo_audit"}
	audit.fn = func(_ context.Context, req executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		kw := req.Config["seo_keywords"]
		if kw == "" {
			return executor.Result{}, classify.NonRetryable(errors.New("seo keywords missing"))
		}
		return executor.Result{Output: []byte("audited for " + kw), MediaType: "text/plain"}, nil
	}
	f.register(t, buildPipeline(t, steps, gates), okStep("draft"), audit)

	run := f.submit(t, nil)
	f.waitFor(t, run.ID, domain.RunStatusWaitingExtraInput)

	missing := domain.Command{ID: "input-1", TenantID: testTenant, RunID: run.ID, Input: domain.Config{"other": "x"}}
	if err := f.svc.ProvideInput(context.Background(), missing); err == nil || !strings.Contains(err.Error(), `requires input "seo_keywords"`) {
		t.Fatalf("err = %v, want missing-key rejection", err)
	}

	good := domain.Command{ID: "input-2", TenantID: testTenant, RunID: run.ID, Input: domain.Config{"seo_keywords": "espresso, crema"}}
	if err := f.svc.ProvideInput(context.Background(), good); err != nil {
		t.Fatalf("provide input: %v", err)
	}
	view := f.waitFor(t, run.ID, domain.RunStatusCompleted)

	if got := view.Run.Config["seo_keywords"]; got != "espresso, crema" {
		t.Fatalf("merged config = %q", got)
	}
	if got := f.artifactBody(t, view.Steps["seo_audit"].Ref); got != "audited for espresso, crema" {
		t.Fatalf("seo_audit artifact = %q", got)
	}
}

func TestGate_TimesOutAndFailsRun(t *testing.T) {
	f := newEngine(t)
	steps := []registry.StepNode{
		{Name: "draft"},
		{Name: "publish", DependsOn: []string{"draft"}},
	}
	gates := []registry.Gate{{After: "draft", Kind: registry.GateApproval, Timeout: 60 * time.Millisecond}}
	publish := okStep("publish")
	f.register(t, buildPipeline(t, steps, gates), okStep("draft"), publish)

	run := f.submit(t, nil)
	view := f.waitFor(t, run.ID, domain.RunStatusFailed)

	if view.Run.Failure == nil || view.Run.Failure.Category != domain.FailureTimeout {
		t.Fatalf("failure = %+v, want timeout", view.Run.Failure)
	}
	entries := f.entries(t, run.ID)
	fired := findEntry(t, entries, domain.EventTimerFired, "")
	var tp struct {
		Gate     string    `json:"gate"`
		Deadline time.Time `json:"deadline"`
	}
	if err := json.Unmarshal(fired.Payload, &tp); err != nil {
		t.Fatalf("decode timer payload: %v", err)
	}
	var gp struct {
		Deadline time.Time `json:"deadline"`
	}
	if err := json.Unmarshal(findEntry(t, entries, domain.EventGateOpened, "").Payload, &gp); err != nil {
		t.Fatalf("decode gate payload: %v", err)
	}
	// The timer fires against the deadline journaled when the gate opened,
	// not against a clock read at expiry.
	if tp.Gate != "draft" || !tp.Deadline.Equal(gp.Deadline) {
		t.Fatalf("timer fired for %q at %v, gate deadline was %v", tp.Gate, tp.Deadline, gp.Deadline)
	}
	if got := int(publish.calls.Load()); got != 0 {
		t.Fatal("publish ran after the gate expired")
	}
}

func TestCancel_StopsRunDurably(t *testing.T) {
	f := newEngine(t)
	started := make(chan struct{}, 1)
	slow := &fakeStep{name: "draft"}
	slow.fn = func(ctx context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	}
	f.register(t, buildPipeline(t, []registry.StepNode{{Name: "draft"}}, nil), slow)

	run := f.submit(t, nil)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("draft never started")
	}

	// A live run cannot be superseded.
	_, err := f.svc.RetryStep(context.Background(), domain.Command{ID: "retry-0", TenantID: testTenant, RunID: run.ID, StepName: "draft"})
	if err == nil || !strings.Contains(err.Error(), "cancel it before retrying") {
		t.Fatalf("retry on a live run = %v", err)
	}

	cmd := domain.Command{ID: "cancel-1", TenantID: testTenant, RunID: run.ID, Reason: "operator abort"}
	if err := f.svc.Cancel(context.Background(), cmd); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.waitFor(t, run.ID, domain.RunStatusCancelled)

	entries := f.entries(t, run.ID)
	if countEntries(entries, domain.EventSignalCancelled) != 1 || countEntries(entries, domain.EventRunCancelled) != 1 {
		t.Fatalf("cancellation entries missing: %v", typesOf(entries))
	}
	if countEntries(entries, domain.EventRunFailed) != 0 {
		t.Fatal("cancelled run also journaled run.failed")
	}
	before := len(entries)

	if err := f.svc.Cancel(context.Background(), cmd); err != nil {
		t.Fatalf("duplicate cancel: %v", err)
	}
	if err := f.svc.Cancel(context.Background(), domain.Command{ID: "cancel-2", TenantID: testTenant, RunID: run.ID}); err != nil {
		t.Fatalf("late cancel: %v", err)
	}
	if got := len(f.entries(t, run.ID)); got != before {
		t.Fatalf("journal grew from %d to %d entries on repeated cancels", before, got)
	}

	// Cancelled is settled: a restart has nothing to pick up.
	if n, err := f.svc.RecoverActive(context.Background()); err != nil || n != 0 {
		t.Fatalf("recover after cancel = %d, %v", n, err)
	}
}

func TestRetryStep_SupersedesFailedRun(t *testing.T) {
	f := newEngine(t)
	research := okStep("research")
	audit := okStep("seo_audit")
	draft := &fakeStep{name: "draft"}
	draft.fn = func(_ context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		if draft.calls.Load() == 1 {
			return executor.Result{}, classify.NonRetryable(errors.New("draft rejected by style check"))
		}
		return executor.Result{Output: []byte("draft v2"), MediaType: "text/markdown"}, nil
	}
	f.register(t, buildPipeline(t, linearSteps(), nil), research, draft, audit)

	source := f.submit(t, map[string]string{"topic": "espresso"})
	f.waitFor(t, source.ID, domain.RunStatusFailed)

	cmd := domain.Command{ID: "retry-1", TenantID: testTenant, RunID: source.ID, StepName: "draft"}
	successor, err := f.svc.RetryStep(context.Background(), cmd)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if successor.ID == source.ID || successor.Supersedes != source.ID {
		t.Fatalf("successor = %+v, want a fresh run superseding %s", successor, source.ID)
	}

	view := f.waitFor(t, successor.ID, domain.RunStatusCompleted)
	if got := int(research.calls.Load()); got != 1 {
		t.Fatalf("research executed %d times; completed work must carry over by reference", got)
	}
	if got := int(draft.calls.Load()); got != 2 {
		t.Fatalf("draft executed %d times, want 2", got)
	}
	inherited := view.Steps["research"]
	if inherited == nil || !inherited.Inherited || inherited.Status != domain.StepStatusCompleted || inherited.Ref == nil {
		t.Fatalf("research not inherited: %+v", inherited)
	}

	entries := f.entries(t, successor.ID)
	var created journal.RunCreatedPayload
	if err := json.Unmarshal(entries[0].Payload, &created); err != nil {
		t.Fatalf("decode successor run.created: %v", err)
	}
	if created.Supersedes != source.ID || created.ResumeFrom != "draft" || created.CommandID != "retry-1" {
		t.Fatalf("successor provenance = %+v", created)
	}
	if created.Config["topic"] != "espresso" {
		t.Fatalf("successor config = %v, want the source config", created.Config)
	}
	var ip journal.StepInheritedPayload
	if err := json.Unmarshal(findEntry(t, entries, domain.EventStepInherited, "research").Payload, &ip); err != nil {
		t.Fatalf("decode step.inherited: %v", err)
	}
	if ip.SourceRun != source.ID {
		t.Fatalf("inherited from %q, want %s", ip.SourceRun, source.ID)
	}

	srcView, err := f.svc.GetRun(context.Background(), testTenant, source.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if srcView.Run.SupersededBy != successor.ID {
		t.Fatalf("source superseded_by = %q, want %s", srcView.Run.SupersededBy, successor.ID)
	}
	if srcView.Run.Status != domain.RunStatusFailed {
		t.Fatalf("source status = %s; supersession must not rewrite it", srcView.Run.Status)
	}

	// Redelivered command returns the same successor instead of forking.
	again, err := f.svc.RetryStep(context.Background(), cmd)
	if err != nil || again.ID != successor.ID {
		t.Fatalf("duplicate retry = %+v, %v, want successor %s", again, err, successor.ID)
	}
	// A fresh command against the superseded source is refused.
	_, err = f.svc.RetryStep(context.Background(), domain.Command{ID: "retry-2", TenantID: testTenant, RunID: source.ID, StepName: "draft"})
	if err == nil || !strings.Contains(err.Error(), "already superseded") {
		t.Fatalf("second retry = %v, want already-superseded rejection", err)
	}
}

func TestResumeFrom_ReexecutesFromStepForward(t *testing.T) {
	f := newEngine(t)
	research, draft, audit := okStep("research"), okStep("draft"), okStep("seo_audit")
	f.register(t, buildPipeline(t, linearSteps(), nil), research, draft, audit)

	source := f.submit(t, nil)
	f.waitFor(t, source.ID, domain.RunStatusCompleted)

	_, err := f.svc.ResumeFrom(context.Background(), domain.Command{ID: "resume-0", TenantID: testTenant, RunID: source.ID, StepName: "cover_art"})
	if err == nil || !strings.Contains(err.Error(), "no step") {
		t.Fatalf("resume from unknown step = %v", err)
	}

	successor, err := f.svc.ResumeFrom(context.Background(), domain.Command{ID: "resume-1", TenantID: testTenant, RunID: source.ID, StepName: "draft"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	view := f.waitFor(t, successor.ID, domain.RunStatusCompleted)

	if r, d, a := int(research.calls.Load()), int(draft.calls.Load()), int(audit.calls.Load()); r != 1 || d != 2 || a != 2 {
		t.Fatalf("executions research=%d draft=%d seo_audit=%d, want 1/2/2", r, d, a)
	}
	if got := view.Steps["research"]; got == nil || !got.Inherited {
		t.Fatalf("research = %+v, want inherited", got)
	}

	// The default listing hides superseded runs.
	visible, err := f.svc.ListRuns(context.Background(), testTenant, repo.RunFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != successor.ID {
		t.Fatalf("default list = %v, want only the successor", typesOfRuns(visible))
	}
	all, err := f.svc.ListRuns(context.Background(), testTenant, repo.RunFilter{IncludeSuperseded: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("full list = %v, want both runs", typesOfRuns(all))
	}
}

func TestSupersede_GateReopensOnlyWhenTargetReruns(t *testing.T) {
	f := newEngine(t)
	steps := []registry.StepNode{
		{Name: "draft"},
		{Name: "publish", DependsOn: []string{"draft"}},
	}
	gates := []registry.Gate{{After: "draft", Kind: registry.GateApproval, Timeout: time.Hour}}
	draft := okStep("draft")
	publish := &fakeStep{name: "publish"}
	publish.fn = func(_ context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		if publish.calls.Load() == 1 {
			return executor.Result{}, classify.NonRetryable(errors.New("publish endpoint rejected the payload"))
		}
		return executor.Result{Output: []byte("published"), MediaType: "text/plain"}, nil
	}
	f.register(t, buildPipeline(t, steps, gates), draft, publish)

	source := f.submit(t, nil)
	f.waitFor(t, source.ID, domain.RunStatusWaitingApproval)
	if err := f.svc.Approve(context.Background(), domain.Command{ID: "approve-1", TenantID: testTenant, RunID: source.ID}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	f.waitFor(t, source.ID, domain.RunStatusFailed)

	// Retrying publish inherits the approved draft; the gate stays resolved.
	successor, err := f.svc.RetryStep(context.Background(), domain.Command{ID: "retry-1", TenantID: testTenant, RunID: source.ID, StepName: "publish"})
	if err != nil {
		t.Fatalf("retry publish: %v", err)
	}
	view := f.waitFor(t, successor.ID, domain.RunStatusCompleted)
	if got := view.Steps["draft"]; got == nil || !got.Inherited {
		t.Fatalf("draft = %+v, want inherited", got)
	}
	if got := countEntries(f.entries(t, successor.ID), domain.EventGateOpened); got != 0 {
		t.Fatalf("successor opened %d gates over inherited output", got)
	}
	if got := int(draft.calls.Load()); got != 1 {
		t.Fatalf("draft executed %d times", got)
	}

	// Redoing draft produces fresh output, which waits for approval again.
	second, err := f.svc.ResumeFrom(context.Background(), domain.Command{ID: "resume-1", TenantID: testTenant, RunID: successor.ID, StepName: "draft"})
	if err != nil {
		t.Fatalf("resume draft: %v", err)
	}
	f.waitFor(t, second.ID, domain.RunStatusWaitingApproval)
	if err := f.svc.Approve(context.Background(), domain.Command{ID: "approve-2", TenantID: testTenant, RunID: second.ID}); err != nil {
		t.Fatalf("approve successor: %v", err)
	}
	f.waitFor(t, second.ID, domain.RunStatusCompleted)
	if got := countEntries(f.entries(t, second.ID), domain.EventGateOpened); got != 1 {
		t.Fatalf("second successor opened %d gates, want 1", got)
	}
}

func typesOfRuns(runs []domain.Run) []string {
	out := make([]string, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.ID+":"+string(r.Status))
	}
	return out
}

func TestShutdown_InterruptedRunRecoversOnRestart(t *testing.T) {
	journals := memory.NewJournalStore()
	checkpoints := memory.NewCheckpointStore()
	runs := memory.NewRunIndexStore()
	store, err := artifact.NewFSStore(memfs.New(), nil)
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	reg := buildPipeline(t, []registry.StepNode{{Name: "draft"}}, nil)

	first := newEngineWith(t, journals, checkpoints, runs, store)
	started := make(chan struct{}, 1)
	stuck := &fakeStep{name: "draft"}
	stuck.fn = func(ctx context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	}
	first.register(t, reg, stuck)

	run := first.submit(t, nil)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("draft never started")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.svc.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	indexed, err := runs.Get(context.Background(), testTenant, run.ID)
	if err != nil {
		t.Fatalf("index get after shutdown: %v", err)
	}
	if indexed.Terminal() {
		t.Fatalf("run went %s during shutdown, want recoverable", indexed.Status)
	}

	second := newEngineWith(t, journals, checkpoints, runs, store)
	second.register(t, reg, okStep("draft"))
	n, err := second.svc.RecoverActive(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("recover = %d, %v, want 1 run", n, err)
	}
	view := second.waitFor(t, run.ID, domain.RunStatusCompleted)
	if got := view.Steps["draft"]; got == nil || got.Status != domain.StepStatusCompleted {
		t.Fatalf("draft after recovery = %+v", got)
	}

	entries := second.entries(t, run.ID)
	closed := findEntry(t, entries, domain.EventAttemptFailed, "draft")
	var p journal.AttemptFailedPayload
	if err := json.Unmarshal(closed.Payload, &p); err != nil {
		t.Fatalf("decode attempt.failed: %v", err)
	}
	if !strings.Contains(p.Failure.Message, "interrupted by daemon restart") {
		t.Fatalf("dangling attempt closed with %q", p.Failure.Message)
	}
	// The step was dispatched once; recovery reuses the journaled dispatch.
	if got := countEntries(entries, domain.EventStepDispatched); got != 1 {
		t.Fatalf("step.dispatched entries = %d, want 1 across the restart", got)
	}
}

func TestSubscribe_StreamsJournalEntries(t *testing.T) {
	f := newEngine(t)
	release := make(chan struct{})
	gated := &fakeStep{name: "draft"}
	gated.fn = func(ctx context.Context, _ executor.Request, _ executor.Checkpoints) (executor.Result, error) {
		select {
		case <-release:
			return executor.Result{Output: []byte("draft output"), MediaType: "text/plain"}, nil
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		}
	}
	f.register(t, buildPipeline(t, []registry.StepNode{{Name: "draft"}}, nil), gated)

	run := f.submit(t, nil)
	sub := f.svc.Subscribe(testTenant, run.ID)
	defer sub.Close()
	close(release)

	var got []domain.JournalEntry
	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case e, ok := <-sub.Entries:
			if !ok {
				t.Fatalf("subscription closed early; got %v", typesOf(got))
			}
			got = append(got, e)
			if e.Type == domain.EventRunCompleted {
				done = true
			}
		case <-deadline:
			t.Fatalf("run.completed never arrived; got %v", typesOf(got))
		}
	}

	var lastOffset uint64
	seen := map[domain.EventType]bool{}
	for _, e := range got {
		seen[e.Type] = true
		if e.Offset <= lastOffset {
			t.Fatalf("offset %d arrived after %d", e.Offset, lastOffset)
		}
		lastOffset = e.Offset
	}
	for _, typ := range []domain.EventType{domain.EventAttemptDone, domain.EventStepCompleted, domain.EventRunCompleted} {
		if !seen[typ] {
			t.Fatalf("stream missing %s: %v", typ, typesOf(got))
		}
	}
}
