package domain

import "strings"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending           RunStatus = "pending"
	RunStatusRunning           RunStatus = "running"
	RunStatusWaitingApproval   RunStatus = "waiting_approval"
	RunStatusWaitingExtraInput RunStatus = "waiting_extra_input"
	RunStatusCompleted         RunStatus = "completed"
	RunStatusFailed            RunStatus = "failed"
	RunStatusCancelled         RunStatus = "cancelled"
)

// StepStatus represents the state of one step execution within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusPending), "created":
		return RunStatusPending
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusWaitingApproval):
		return RunStatusWaitingApproval
	case string(RunStatusWaitingExtraInput):
		return RunStatusWaitingExtraInput
	case string(RunStatusCompleted):
		return RunStatusCompleted
	case string(RunStatusFailed):
		return RunStatusFailed
	case string(RunStatusCancelled), "canceled":
		return RunStatusCancelled
	default:
		return ""
	}
}

// IsTerminalRunStatus reports whether a run can never change state again.
func IsTerminalRunStatus(status RunStatus) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionRunStatus enforces the run state machine. Waiting states loop
// back to running; terminal states accept nothing.
func CanTransitionRunStatus(current, next RunStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	if next == RunStatusCancelled {
		return !IsTerminalRunStatus(current)
	}
	switch current {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		switch next {
		case RunStatusWaitingApproval, RunStatusWaitingExtraInput, RunStatusCompleted, RunStatusFailed:
			return true
		}
		return false
	case RunStatusWaitingApproval, RunStatusWaitingExtraInput:
		return next == RunStatusRunning || next == RunStatusFailed
	default:
		return false
	}
}

// IsTerminalStepStatus reports whether a step execution is resolved.
func IsTerminalStepStatus(status StepStatus) bool {
	switch status {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}
