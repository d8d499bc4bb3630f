package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StepExecution tracks one step of one run. There is exactly one per
// (run, step name); repeated execution accumulates attempts.
type StepExecution struct {
	RunID      string
	StepName   string
	Status     StepStatus
	Attempts   []Attempt
	Ref        *ArtifactRef
	Memoized   bool
	Inherited  bool
	SkipReason string
}

// Attempt is a single invocation of a step executor. Numbers start at 1 and
// strictly increase; only the latest attempt may be running.
type Attempt struct {
	Number        int
	Status        StepStatus
	StartedAt     time.Time
	CompletedAt   *time.Time
	Failure       *ErrorRecord
	CheckpointSeq uint64
}

func (s StepExecution) Validate() error {
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(s.StepName) == "" {
		return errors.New("step name is required")
	}
	return nil
}

// Latest returns the highest-numbered attempt, or nil when none started.
func (s *StepExecution) Latest() *Attempt {
	if s == nil || len(s.Attempts) == 0 {
		return nil
	}
	return &s.Attempts[len(s.Attempts)-1]
}

// Terminal reports whether the step resolved.
func (s *StepExecution) Terminal() bool {
	return s != nil && IsTerminalStepStatus(s.Status)
}

// BeginAttempt appends a new running attempt, enforcing strictly increasing
// numbering and at most one attempt in flight.
func (s *StepExecution) BeginAttempt(number int, startedAt time.Time) error {
	if s == nil {
		return errors.New("step execution is not initialized")
	}
	if latest := s.Latest(); latest != nil {
		if latest.Status == StepStatusRunning {
			return fmt.Errorf("attempt %d is still running", latest.Number)
		}
		if number <= latest.Number {
			return fmt.Errorf("attempt number %d is not above %d", number, latest.Number)
		}
	} else if number != 1 {
		return fmt.Errorf("first attempt must be numbered 1, got %d", number)
	}
	s.Attempts = append(s.Attempts, Attempt{
		Number:    number,
		Status:    StepStatusRunning,
		StartedAt: startedAt,
	})
	s.Status = StepStatusRunning
	return nil
}

// FinishAttempt resolves the running attempt identified by number.
func (s *StepExecution) FinishAttempt(number int, status StepStatus, at time.Time, failure *ErrorRecord) error {
	if s == nil {
		return errors.New("step execution is not initialized")
	}
	latest := s.Latest()
	if latest == nil || latest.Number != number {
		return fmt.Errorf("attempt %d is not the latest", number)
	}
	if latest.Status != StepStatusRunning {
		return fmt.Errorf("attempt %d is not running", number)
	}
	if !IsTerminalStepStatus(status) {
		return fmt.Errorf("attempt status %q is not terminal", status)
	}
	latest.Status = status
	latest.CompletedAt = &at
	latest.Failure = failure
	return nil
}
