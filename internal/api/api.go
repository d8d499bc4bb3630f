// Package api exposes the run orchestration surface over HTTP: run
// submission, inspection, the journal feed, artifact passthrough, and the
// operator command inlet.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loomworks/loom-go/internal/artifact"
	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/engine"
	"github.com/loomworks/loom-go/internal/journal"
	"github.com/loomworks/loom-go/internal/repo"
)

// API serves the run endpoints. All state lives in the engine; handlers
// translate HTTP to service calls and domain values to wire shapes.
type API struct {
	logger    *slog.Logger
	svc       *engine.Service
	artifacts artifact.Store
}

func New(logger *slog.Logger, svc *engine.Service, artifacts artifact.Store) *API {
	return &API{logger: logger, svc: svc, artifacts: artifacts}
}

// routes maps mux patterns to handlers. The OpenAPI contract test walks
// this table, so a new route without a documented path fails the build.
func (a *API) routes() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET /v1/pipelines": a.handleListPipelines,

		"POST /v1/tenants/{tenant_id}/runs":                               a.handleSubmitRun,
		"GET /v1/tenants/{tenant_id}/runs":                                a.handleListRuns,
		"GET /v1/tenants/{tenant_id}/runs/{run_id}":                       a.handleGetRun,
		"GET /v1/tenants/{tenant_id}/runs/{run_id}/events":                a.handleRunEvents,
		"GET /v1/tenants/{tenant_id}/runs/{run_id}/stream":                a.handleRunStream,
		"GET /v1/tenants/{tenant_id}/runs/{run_id}/artifacts/{step_name}": a.handleRunArtifact,

		"POST /v1/tenants/{tenant_id}/runs/{run_id}/approve": a.handleApprove,
		"POST /v1/tenants/{tenant_id}/runs/{run_id}/reject":  a.handleReject,
		"POST /v1/tenants/{tenant_id}/runs/{run_id}/input":   a.handleProvideInput,
		"POST /v1/tenants/{tenant_id}/runs/{run_id}/cancel":  a.handleCancel,
		"POST /v1/tenants/{tenant_id}/runs/{run_id}/retry":   a.handleRetryStep,
		"POST /v1/tenants/{tenant_id}/runs/{run_id}/resume":  a.handleResumeFrom,
	}
}

func (a *API) Register(mux *http.ServeMux) {
	for pattern, handler := range a.routes() {
		mux.HandleFunc(pattern, handler)
	}
}

type runPayload struct {
	RunID        string            `json:"run_id"`
	TenantID     string            `json:"tenant_id"`
	PipelineID   string            `json:"pipeline_id"`
	Status       string            `json:"status"`
	Config       map[string]string `json:"config,omitempty"`
	Supersedes   string            `json:"supersedes,omitempty"`
	SupersededBy string            `json:"superseded_by,omitempty"`
	Failure      *failurePayload   `json:"failure,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type failurePayload struct {
	Category    string    `json:"category"`
	StepName    string    `json:"step_name,omitempty"`
	Message     string    `json:"message"`
	Recommended string    `json:"recommended_step,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type artifactPayload struct {
	Key       string    `json:"key"`
	Digest    string    `json:"digest"`
	SizeBytes int64     `json:"size_bytes"`
	MediaType string    `json:"media_type"`
	CreatedAt time.Time `json:"created_at"`
}

type stepPayload struct {
	StepName   string           `json:"step_name"`
	Status     string           `json:"status"`
	Attempts   int              `json:"attempts"`
	Artifact   *artifactPayload `json:"artifact,omitempty"`
	Inherited  bool             `json:"inherited,omitempty"`
	SkipReason string           `json:"skip_reason,omitempty"`
	Failure    *failurePayload  `json:"failure,omitempty"`
}

type gatePayload struct {
	Name     string     `json:"name"`
	Kind     string     `json:"kind"`
	InputKey string     `json:"input_key,omitempty"`
	OpenedAt time.Time  `json:"opened_at"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

type runDetail struct {
	Run   runPayload    `json:"run"`
	Steps []stepPayload `json:"steps"`
	Gate  *gatePayload  `json:"gate,omitempty"`
}

type journalEntryPayload struct {
	Offset          uint64          `json:"offset"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	RecordedAt      time.Time       `json:"recorded_at"`
	IntegritySHA256 string          `json:"integrity_sha256"`
}

type submitRunRequest struct {
	PipelineID string            `json:"pipeline_id"`
	Config     map[string]string `json:"config,omitempty"`
}

type commandRequest struct {
	CommandID string            `json:"command_id"`
	Reason    string            `json:"reason,omitempty"`
	StepName  string            `json:"step_name,omitempty"`
	Input     map[string]string `json:"input,omitempty"`
}

func (a *API) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"pipelines": a.svc.Pipelines(),
	})
}

func (a *API) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	if tenantID == "" {
		a.writeError(w, r, http.StatusBadRequest, "tenant_id_required")
		return
	}

	var req submitRunRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.PipelineID) == "" {
		a.writeError(w, r, http.StatusBadRequest, "pipeline_id_required")
		return
	}

	run, err := a.svc.SubmitRun(r.Context(), tenantID, req.PipelineID, req.Config)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownPipeline) {
			a.writeError(w, r, http.StatusNotFound, "pipeline_not_found")
			return
		}
		a.logger.Error("submit run failed", "tenant", tenantID, "pipeline", req.PipelineID, "error", err)
		a.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	a.writeJSON(w, http.StatusCreated, toRunPayload(run))
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	if tenantID == "" {
		a.writeError(w, r, http.StatusBadRequest, "tenant_id_required")
		return
	}

	filter := repo.RunFilter{
		PipelineID: strings.TrimSpace(r.URL.Query().Get("pipeline")),
		Limit:      clampInt(parseIntQuery(r, "limit", 50), 1, 500),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.NormalizeRunStatus(raw)
		if status == "" {
			a.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("include_superseded")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			a.writeError(w, r, http.StatusBadRequest, "invalid_include_superseded")
			return
		}
		filter.IncludeSuperseded = v
	}

	runs, err := a.svc.ListRuns(r.Context(), tenantID, filter)
	if err != nil {
		a.logger.Error("list runs failed", "tenant", tenantID, "error", err)
		a.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]runPayload, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunPayload(run))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	tenantID, runID, ok := a.runPath(w, r)
	if !ok {
		return
	}

	view, err := a.svc.GetRun(r.Context(), tenantID, runID)
	if err != nil {
		a.writeViewError(w, r, tenantID, runID, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toRunDetail(view))
}

func (a *API) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, runID, ok := a.runPath(w, r)
	if !ok {
		return
	}

	after := parseUint64Query(r, "after_offset", 0)
	limit := clampInt(parseIntQuery(r, "limit", 200), 1, 1000)

	entries, err := a.svc.Journal(r.Context(), tenantID, runID, after, limit)
	if err != nil {
		a.logger.Error("read journal failed", "tenant", tenantID, "run", runID, "error", err)
		a.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	// A run's journal always holds run.created at offset 1, so an empty
	// first page means the run does not exist.
	if after == 0 && len(entries) == 0 {
		a.writeError(w, r, http.StatusNotFound, "run_not_found")
		return
	}

	out := make([]journalEntryPayload, 0, len(entries))
	next := after
	for _, entry := range entries {
		out = append(out, toEntryPayload(entry))
		next = entry.Offset
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"entries":     out,
		"next_offset": next,
	})
}

func (a *API) handleRunArtifact(w http.ResponseWriter, r *http.Request) {
	tenantID, runID, ok := a.runPath(w, r)
	if !ok {
		return
	}
	stepName := strings.TrimSpace(r.PathValue("step_name"))
	if stepName == "" {
		a.writeError(w, r, http.StatusBadRequest, "step_name_required")
		return
	}

	view, err := a.svc.GetRun(r.Context(), tenantID, runID)
	if err != nil {
		a.writeViewError(w, r, tenantID, runID, err)
		return
	}
	step := view.Steps[stepName]
	if step == nil || step.Ref == nil {
		a.writeError(w, r, http.StatusNotFound, "artifact_not_found")
		return
	}

	data, err := a.artifacts.Get(r.Context(), tenantID, *step.Ref)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			a.writeError(w, r, http.StatusNotFound, "artifact_not_found")
			return
		}
		a.logger.Error("load artifact failed", "tenant", tenantID, "run", runID, "step", stepName, "error", err)
		a.writeError(w, r, http.StatusBadGateway, "object_store_error")
		return
	}

	mediaType := step.Ref.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Artifact-Digest", step.Ref.Digest.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	cmd, ok := a.decodeCommand(w, r)
	if !ok {
		return
	}
	a.acknowledge(w, r, cmd, a.svc.Approve(r.Context(), cmd))
}

func (a *API) handleReject(w http.ResponseWriter, r *http.Request) {
	cmd, ok := a.decodeCommand(w, r)
	if !ok {
		return
	}
	a.acknowledge(w, r, cmd, a.svc.Reject(r.Context(), cmd))
}

func (a *API) handleProvideInput(w http.ResponseWriter, r *http.Request) {
	cmd, ok := a.decodeCommand(w, r)
	if !ok {
		return
	}
	if len(cmd.Input) == 0 {
		a.writeError(w, r, http.StatusBadRequest, "input_required")
		return
	}
	a.acknowledge(w, r, cmd, a.svc.ProvideInput(r.Context(), cmd))
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	cmd, ok := a.decodeCommand(w, r)
	if !ok {
		return
	}
	a.acknowledge(w, r, cmd, a.svc.Cancel(r.Context(), cmd))
}

func (a *API) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	cmd, ok := a.decodeCommand(w, r)
	if !ok {
		return
	}
	if cmd.StepName == "" {
		a.writeError(w, r, http.StatusBadRequest, "step_name_required")
		return
	}
	successor, err := a.svc.RetryStep(r.Context(), cmd)
	a.supersedeResponse(w, r, cmd, successor, err)
}

func (a *API) handleResumeFrom(w http.ResponseWriter, r *http.Request) {
	cmd, ok := a.decodeCommand(w, r)
	if !ok {
		return
	}
	if cmd.StepName == "" {
		a.writeError(w, r, http.StatusBadRequest, "step_name_required")
		return
	}
	successor, err := a.svc.ResumeFrom(r.Context(), cmd)
	a.supersedeResponse(w, r, cmd, successor, err)
}

// runPath extracts and validates the {tenant_id}/{run_id} pair.
func (a *API) runPath(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	if tenantID == "" {
		a.writeError(w, r, http.StatusBadRequest, "tenant_id_required")
		return "", "", false
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		a.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return "", "", false
	}
	return tenantID, runID, true
}

func (a *API) decodeCommand(w http.ResponseWriter, r *http.Request) (domain.Command, bool) {
	tenantID, runID, ok := a.runPath(w, r)
	if !ok {
		return domain.Command{}, false
	}

	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return domain.Command{}, false
	}
	if strings.TrimSpace(req.CommandID) == "" {
		a.writeError(w, r, http.StatusBadRequest, "command_id_required")
		return domain.Command{}, false
	}

	return domain.Command{
		ID:       strings.TrimSpace(req.CommandID),
		TenantID: tenantID,
		RunID:    runID,
		StepName: strings.TrimSpace(req.StepName),
		Reason:   strings.TrimSpace(req.Reason),
		Input:    domain.Config(req.Input),
	}, true
}

func (a *API) acknowledge(w http.ResponseWriter, r *http.Request, cmd domain.Command, err error) {
	if err != nil {
		a.writeCommandError(w, r, cmd, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{
		"command_id": cmd.ID,
		"status":     "accepted",
	})
}

func (a *API) supersedeResponse(w http.ResponseWriter, r *http.Request, cmd domain.Command, successor domain.Run, err error) {
	if err != nil {
		a.writeCommandError(w, r, cmd, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, toRunPayload(successor))
}

func (a *API) writeCommandError(w http.ResponseWriter, r *http.Request, cmd domain.Command, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		a.writeError(w, r, http.StatusNotFound, "run_not_found")
	case errors.Is(err, engine.ErrConflict):
		a.writeErrorWithDetails(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, engine.ErrUnknownPipeline):
		a.writeError(w, r, http.StatusNotFound, "pipeline_not_found")
	default:
		a.logger.Error("command failed",
			"tenant", cmd.TenantID, "run", cmd.RunID, "kind", string(cmd.Kind), "command", cmd.ID, "error", err)
		a.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (a *API) writeViewError(w http.ResponseWriter, r *http.Request, tenantID, runID string, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		a.writeError(w, r, http.StatusNotFound, "run_not_found")
		return
	}
	a.logger.Error("load run failed", "tenant", tenantID, "run", runID, "error", err)
	a.writeError(w, r, http.StatusInternalServerError, "internal_error")
}

func toRunPayload(run domain.Run) runPayload {
	return runPayload{
		RunID:        run.ID,
		TenantID:     run.TenantID,
		PipelineID:   run.PipelineID,
		Status:       string(run.Status),
		Config:       run.Config,
		Supersedes:   run.Supersedes,
		SupersededBy: run.SupersededBy,
		Failure:      toFailurePayload(run.Failure),
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
	}
}

func toFailurePayload(rec *domain.ErrorRecord) *failurePayload {
	if rec == nil {
		return nil
	}
	return &failurePayload{
		Category:    string(rec.Category),
		StepName:    rec.StepName,
		Message:     rec.Message,
		Recommended: rec.Recommended,
		OccurredAt:  rec.OccurredAt,
	}
}

func toArtifactPayload(ref *domain.ArtifactRef) *artifactPayload {
	if ref == nil {
		return nil
	}
	return &artifactPayload{
		Key:       ref.Key,
		Digest:    ref.Digest.String(),
		SizeBytes: ref.SizeBytes,
		MediaType: ref.MediaType,
		CreatedAt: ref.CreatedAt,
	}
}

func toRunDetail(view *journal.RunView) runDetail {
	detail := runDetail{
		Run:   toRunPayload(view.Run),
		Steps: make([]stepPayload, 0, len(view.Steps)),
	}

	names := make([]string, 0, len(view.Steps))
	for name := range view.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		step := view.Steps[name]
		p := stepPayload{
			StepName:   name,
			Status:     string(step.Status),
			Attempts:   len(step.Attempts),
			Artifact:   toArtifactPayload(step.Ref),
			Inherited:  step.Inherited,
			SkipReason: step.SkipReason,
		}
		if latest := step.Latest(); latest != nil && latest.Failure != nil {
			p.Failure = toFailurePayload(latest.Failure)
		}
		detail.Steps = append(detail.Steps, p)
	}

	if g := view.Gate; g != nil {
		gate := &gatePayload{
			Name:     g.Name,
			Kind:     g.Kind,
			InputKey: g.InputKey,
			OpenedAt: g.OpenedAt,
		}
		if !g.Deadline.IsZero() {
			deadline := g.Deadline
			gate.Deadline = &deadline
		}
		detail.Gate = gate
	}
	return detail
}

func toEntryPayload(entry domain.JournalEntry) journalEntryPayload {
	return journalEntryPayload{
		Offset:          entry.Offset,
		Type:            string(entry.Type),
		Payload:         entry.Payload,
		RecordedAt:      entry.RecordedAt,
		IntegritySHA256: entry.IntegritySHA256,
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	a.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (a *API) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	a.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
		"details":    details,
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func parseUint64Query(r *http.Request, key string, def uint64) uint64 {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
