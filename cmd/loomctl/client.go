package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Wire shapes mirrored from the daemon's API.

type run struct {
	RunID        string            `json:"run_id"`
	TenantID     string            `json:"tenant_id"`
	PipelineID   string            `json:"pipeline_id"`
	Status       string            `json:"status"`
	Config       map[string]string `json:"config,omitempty"`
	Supersedes   string            `json:"supersedes,omitempty"`
	SupersededBy string            `json:"superseded_by,omitempty"`
	Failure      *failure          `json:"failure,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type failure struct {
	Category    string    `json:"category"`
	StepName    string    `json:"step_name,omitempty"`
	Message     string    `json:"message"`
	Recommended string    `json:"recommended_step,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type artifactInfo struct {
	Key       string    `json:"key"`
	Digest    string    `json:"digest"`
	SizeBytes int64     `json:"size_bytes"`
	MediaType string    `json:"media_type"`
	CreatedAt time.Time `json:"created_at"`
}

type step struct {
	StepName   string        `json:"step_name"`
	Status     string        `json:"status"`
	Attempts   int           `json:"attempts"`
	Artifact   *artifactInfo `json:"artifact,omitempty"`
	Inherited  bool          `json:"inherited,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Failure    *failure      `json:"failure,omitempty"`
}

type gate struct {
	Name     string     `json:"name"`
	Kind     string     `json:"kind"`
	InputKey string     `json:"input_key,omitempty"`
	OpenedAt time.Time  `json:"opened_at"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

type runDetail struct {
	Run   run    `json:"run"`
	Steps []step `json:"steps"`
	Gate  *gate  `json:"gate,omitempty"`
}

type journalEntry struct {
	Offset          uint64          `json:"offset"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	RecordedAt      time.Time       `json:"recorded_at"`
	IntegritySHA256 string          `json:"integrity_sha256"`
}

type eventsPage struct {
	Entries    []journalEntry `json:"entries"`
	NextOffset uint64         `json:"next_offset"`
}

type commandBody struct {
	CommandID string            `json:"command_id"`
	Reason    string            `json:"reason,omitempty"`
	StepName  string            `json:"step_name,omitempty"`
	Input     map[string]string `json:"input,omitempty"`
}

type commandAck struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
}

// apiError carries the daemon's error envelope back to the operator.
type apiError struct {
	Status    int
	Code      string `json:"error"`
	RequestID string `json:"request_id"`
	Details   any    `json:"details"`
}

func (e *apiError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Details)
	}
	if e.Code == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return e.Code
}

// client is a thin HTTP wrapper over the daemon's run API.
type client struct {
	base    string
	tenant  string
	timeout time.Duration
	http    *http.Client
}

func newClient(base, tenant string, timeout time.Duration) *client {
	return &client{base: base, tenant: tenant, timeout: timeout, http: &http.Client{}}
}

func (c *client) runsURL(parts ...string) string {
	u := c.base + "/v1/tenants/" + url.PathEscape(c.tenant) + "/runs"
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// do issues one unary request and decodes the response into out. Non-2xx
// responses come back as *apiError.
func (c *client) do(ctx context.Context, method, rawURL string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &apiError{Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil {
		_ = json.Unmarshal(raw, apiErr)
	}
	return apiErr
}

func (c *client) pipelines(ctx context.Context) ([]string, error) {
	var out struct {
		Pipelines []string `json:"pipelines"`
	}
	if err := c.do(ctx, http.MethodGet, c.base+"/v1/pipelines", nil, &out); err != nil {
		return nil, err
	}
	return out.Pipelines, nil
}

func (c *client) submitRun(ctx context.Context, pipelineID string, config map[string]string) (run, error) {
	body := struct {
		PipelineID string            `json:"pipeline_id"`
		Config     map[string]string `json:"config,omitempty"`
	}{PipelineID: pipelineID, Config: config}
	var out run
	if err := c.do(ctx, http.MethodPost, c.runsURL(), body, &out); err != nil {
		return run{}, err
	}
	return out, nil
}

func (c *client) getRun(ctx context.Context, runID string) (runDetail, error) {
	var out runDetail
	if err := c.do(ctx, http.MethodGet, c.runsURL(runID), nil, &out); err != nil {
		return runDetail{}, err
	}
	return out, nil
}

type listFilter struct {
	status            string
	pipeline          string
	includeSuperseded bool
	limit             int
}

func (c *client) listRuns(ctx context.Context, f listFilter) ([]run, error) {
	q := url.Values{}
	if f.status != "" {
		q.Set("status", f.status)
	}
	if f.pipeline != "" {
		q.Set("pipeline", f.pipeline)
	}
	if f.includeSuperseded {
		q.Set("include_superseded", "true")
	}
	if f.limit > 0 {
		q.Set("limit", strconv.Itoa(f.limit))
	}
	rawURL := c.runsURL()
	if len(q) > 0 {
		rawURL += "?" + q.Encode()
	}
	var out struct {
		Runs []run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, rawURL, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func (c *client) events(ctx context.Context, runID string, after uint64, limit int) (eventsPage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after_offset", strconv.FormatUint(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	rawURL := c.runsURL(runID, "events")
	if len(q) > 0 {
		rawURL += "?" + q.Encode()
	}
	var out eventsPage
	if err := c.do(ctx, http.MethodGet, rawURL, nil, &out); err != nil {
		return eventsPage{}, err
	}
	return out, nil
}

// stream opens the SSE feed. The caller owns the response body; no timeout
// applies because the stream stays up until the run ends.
func (c *client) stream(ctx context.Context, runID string, after uint64) (*http.Response, error) {
	rawURL := c.runsURL(runID, "stream")
	if after > 0 {
		rawURL += "?after_offset=" + strconv.FormatUint(after, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func (c *client) artifact(ctx context.Context, runID, stepName string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.runsURL(runID, "artifacts", stepName), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, "", decodeAPIError(resp)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// signal posts an acknowledged command: approve, reject, input, cancel.
func (c *client) signal(ctx context.Context, runID, verb string, body commandBody) (commandAck, error) {
	var out commandAck
	if err := c.do(ctx, http.MethodPost, c.runsURL(runID, verb), body, &out); err != nil {
		return commandAck{}, err
	}
	return out, nil
}

// supersede posts a run-producing command: retry, resume. The response is
// the successor run.
func (c *client) supersede(ctx context.Context, runID, verb string, body commandBody) (run, error) {
	var out run
	if err := c.do(ctx, http.MethodPost, c.runsURL(runID, verb), body, &out); err != nil {
		return run{}, err
	}
	return out, nil
}
