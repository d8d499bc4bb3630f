// Package journal defines the event payload vocabulary of run journals and
// the pure replay fold that reconstructs run state from them. The journal is
// the single source of truth: anything the engine decides is appended here
// before it is acted on.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/loomworks/loom-go/internal/domain"
)

// RefPayload is the wire form of an ArtifactRef.
type RefPayload struct {
	Key       string `json:"key"`
	Digest    string `json:"digest"`
	SizeBytes int64  `json:"size_bytes"`
	MediaType string `json:"media_type,omitempty"`
}

func NewRefPayload(ref domain.ArtifactRef) RefPayload {
	return RefPayload{
		Key:       ref.Key,
		Digest:    ref.Digest.String(),
		SizeBytes: ref.SizeBytes,
		MediaType: ref.MediaType,
	}
}

func (p RefPayload) Ref() domain.ArtifactRef {
	return domain.ArtifactRef{
		Key:       p.Key,
		Digest:    digest.Digest(p.Digest),
		SizeBytes: p.SizeBytes,
		MediaType: p.MediaType,
	}
}

// FailurePayload is the wire form of an ErrorRecord.
type FailurePayload struct {
	Category    string    `json:"category"`
	StepName    string    `json:"step_name,omitempty"`
	Message     string    `json:"message"`
	Recommended string    `json:"recommended,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func NewFailurePayload(rec domain.ErrorRecord) FailurePayload {
	return FailurePayload{
		Category:    string(rec.Category),
		StepName:    rec.StepName,
		Message:     rec.Message,
		Recommended: rec.Recommended,
		OccurredAt:  rec.OccurredAt.UTC(),
	}
}

func (p FailurePayload) Record() domain.ErrorRecord {
	return domain.ErrorRecord{
		Category:    domain.FailureCategory(p.Category),
		StepName:    p.StepName,
		Message:     p.Message,
		Recommended: p.Recommended,
		OccurredAt:  p.OccurredAt,
	}
}

type RunCreatedPayload struct {
	PipelineID string            `json:"pipeline_id"`
	Config     map[string]string `json:"config,omitempty"`
	Supersedes string            `json:"supersedes,omitempty"`
	ResumeFrom string            `json:"resume_from,omitempty"`
	CommandID  string            `json:"command_id,omitempty"`
}

type StepInheritedPayload struct {
	StepName  string     `json:"step_name"`
	SourceRun string     `json:"source_run"`
	Ref       RefPayload `json:"ref"`
}

type StepDispatchedPayload struct {
	StepName string `json:"step_name"`
	Group    string `json:"group,omitempty"`
}

type StepSkippedPayload struct {
	StepName string `json:"step_name"`
	Reason   string `json:"reason"`
}

type AttemptStartedPayload struct {
	StepName string `json:"step_name"`
	Number   int    `json:"number"`
}

type AttemptCheckpointedPayload struct {
	StepName string `json:"step_name"`
	Number   int    `json:"number"`
	Seq      uint64 `json:"seq"`
	Key      string `json:"key"`
}

type AttemptCompletedPayload struct {
	StepName string `json:"step_name"`
	Number   int    `json:"number"`
}

type AttemptFailedPayload struct {
	StepName      string         `json:"step_name"`
	Number        int            `json:"number"`
	Failure       FailurePayload `json:"failure"`
	WillRetry     bool           `json:"will_retry"`
	RetryDelaySec int64          `json:"retry_delay_sec,omitempty"`
}

type StepCompletedPayload struct {
	StepName string     `json:"step_name"`
	Ref      RefPayload `json:"ref"`
	Memoized bool       `json:"memoized,omitempty"`
}

type StepFailedPayload struct {
	StepName string         `json:"step_name"`
	Failure  FailurePayload `json:"failure"`
}

// Gate kinds carried on gate.opened entries.
const (
	GateKindApproval = "approval"
	GateKindInput    = "input"
)

type GateOpenedPayload struct {
	Gate     string    `json:"gate"`
	Kind     string    `json:"kind"`
	InputKey string    `json:"input_key,omitempty"`
	Deadline time.Time `json:"deadline"`
}

type SignalPayload struct {
	CommandID string            `json:"command_id"`
	Gate      string            `json:"gate,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	InputKey  string            `json:"input_key,omitempty"`
	Input     map[string]string `json:"input,omitempty"`
}

type TimerFiredPayload struct {
	Gate     string    `json:"gate"`
	Deadline time.Time `json:"deadline"`
}

type RunCompletedPayload struct{}

type RunFailedPayload struct {
	Failure FailurePayload `json:"failure"`
}

type RunCancelledPayload struct {
	CommandID string `json:"command_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type RunSupersededPayload struct {
	SupersededBy string `json:"superseded_by"`
	CommandID    string `json:"command_id,omitempty"`
}

// Encode marshals a payload struct into the journal wire form.
func Encode(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode journal payload: %w", err)
	}
	return raw, nil
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode journal payload: %w", err)
	}
	return nil
}
