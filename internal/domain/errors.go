package domain

import (
	"errors"
	"strings"
	"time"
)

// FailureCategory classifies why a step attempt failed. The category is
// decided once, when the failure is recorded, and is never re-evaluated.
type FailureCategory string

const (
	FailureRetryable      FailureCategory = "retryable"
	FailureNonRetryable   FailureCategory = "non_retryable"
	FailureValidationFail FailureCategory = "validation_fail"
	FailureTimeout        FailureCategory = "timeout"
)

// NormalizeFailureCategory maps free-form values to canonical categories.
func NormalizeFailureCategory(value string) FailureCategory {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(FailureRetryable):
		return FailureRetryable
	case string(FailureNonRetryable):
		return FailureNonRetryable
	case string(FailureValidationFail):
		return FailureValidationFail
	case string(FailureTimeout):
		return FailureTimeout
	default:
		return ""
	}
}

// ErrorRecord is the durable description of a failure. Recommended names the
// step an operator should re-run; it is advisory, never acted on
// automatically.
type ErrorRecord struct {
	Category    FailureCategory
	StepName    string
	Message     string
	Recommended string
	OccurredAt  time.Time
}

func (e ErrorRecord) Validate() error {
	if NormalizeFailureCategory(string(e.Category)) == "" {
		return errors.New("failure category is required")
	}
	if strings.TrimSpace(e.Message) == "" {
		return errors.New("failure message is required")
	}
	return nil
}

// Retryable reports whether the coordinator may retry the same step in the
// same run. Timeouts are deliberate operator territory and never retried.
func (e ErrorRecord) Retryable() bool {
	return e.Category == FailureRetryable
}
