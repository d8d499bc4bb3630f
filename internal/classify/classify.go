// Package classify assigns failure categories to executor errors and applies
// the retry policy. Errors nobody labeled are non-retryable: retry budget is
// never spent on a guess.
package classify

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/registry"
)

type categoryError struct {
	category domain.FailureCategory
	err      error
}

func (e *categoryError) Error() string { return e.err.Error() }
func (e *categoryError) Unwrap() error { return e.err }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &categoryError{category: domain.FailureRetryable, err: err}
}

// NonRetryable marks err as permanent.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &categoryError{category: domain.FailureNonRetryable, err: err}
}

// ValidationFail marks err as a quality-check rejection, eligible for
// fallback routing instead of retries.
func ValidationFail(err error) error {
	if err == nil {
		return nil
	}
	return &categoryError{category: domain.FailureValidationFail, err: err}
}

// Classify builds the error record for a failed attempt. An explicit mark
// wins over anything the error wraps. Deadline and network timeouts are
// transients and retry; the timeout category is reserved for expired gate
// ceilings, which the coordinator records itself.
func Classify(stepName string, err error, now time.Time) domain.ErrorRecord {
	rec := domain.ErrorRecord{
		Category:   domain.FailureNonRetryable,
		StepName:   stepName,
		Message:    "unknown failure",
		OccurredAt: now.UTC(),
	}
	if err == nil {
		return rec
	}
	rec.Message = err.Error()

	var marked *categoryError
	switch {
	case errors.As(err, &marked):
		rec.Category = marked.category
	case errors.Is(err, context.DeadlineExceeded):
		rec.Category = domain.FailureRetryable
	case isTimeout(err):
		rec.Category = domain.FailureRetryable
	}
	return rec
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// ShouldRetry reports whether a failed attempt gets another try. Attempts
// are 1-based; a limit of 3 means three attempts total.
func ShouldRetry(rec domain.ErrorRecord, attempt, limit int) bool {
	return rec.Retryable() && attempt < limit
}

// BackoffDelay computes the pause before the attempt after number attempt.
func BackoffDelay(policy registry.Backoff, attempt int) time.Duration {
	return time.Duration(backoffSeconds(policy, attempt)) * time.Second
}

func backoffSeconds(policy registry.Backoff, attempt int) int {
	if attempt < 1 {
		return 0
	}
	initial := policy.InitialSeconds
	if initial < 0 {
		initial = 0
	}
	ceiling := policy.MaxSeconds
	if ceiling < 0 {
		ceiling = 0
	}

	switch strings.ToLower(policy.Type) {
	case "exponential":
		backoff := float64(initial) * math.Pow(policy.Multiplier, float64(attempt-1))
		if backoff > float64(ceiling) {
			return ceiling
		}
		return int(backoff)
	default:
		if ceiling > 0 && initial > ceiling {
			return ceiling
		}
		return initial
	}
}

// RouteValidationFailure picks the step an operator should redo after a
// quality check rejects an output: the first enabled candidate in the
// step's ordered upstream fallback list, or the failed step itself when
// every candidate is disabled.
func RouteValidationFailure(reg *registry.Registry, stepName string, overrides map[string]string) string {
	for _, candidate := range reg.FallbackCandidates(stepName) {
		if !reg.IsDisabled(candidate, overrides) {
			return candidate
		}
	}
	return stepName
}
