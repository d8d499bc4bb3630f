package domain

import "testing"

func TestCanTransitionRunStatus(t *testing.T) {
	tests := []struct {
		name    string
		current RunStatus
		next    RunStatus
		want    bool
	}{
		{name: "pending to running", current: RunStatusPending, next: RunStatusRunning, want: true},
		{name: "running to waiting approval", current: RunStatusRunning, next: RunStatusWaitingApproval, want: true},
		{name: "running to waiting extra input", current: RunStatusRunning, next: RunStatusWaitingExtraInput, want: true},
		{name: "waiting approval back to running", current: RunStatusWaitingApproval, next: RunStatusRunning, want: true},
		{name: "waiting extra input back to running", current: RunStatusWaitingExtraInput, next: RunStatusRunning, want: true},
		{name: "waiting approval to failed", current: RunStatusWaitingApproval, next: RunStatusFailed, want: true},
		{name: "running to completed", current: RunStatusRunning, next: RunStatusCompleted, want: true},
		{name: "running to failed", current: RunStatusRunning, next: RunStatusFailed, want: true},
		{name: "cancel from pending", current: RunStatusPending, next: RunStatusCancelled, want: true},
		{name: "cancel from running", current: RunStatusRunning, next: RunStatusCancelled, want: true},
		{name: "cancel from waiting approval", current: RunStatusWaitingApproval, next: RunStatusCancelled, want: true},
		{name: "cancel from completed rejected", current: RunStatusCompleted, next: RunStatusCancelled, want: false},
		{name: "cancel from failed rejected", current: RunStatusFailed, next: RunStatusCancelled, want: false},
		{name: "pending cannot complete directly", current: RunStatusPending, next: RunStatusCompleted, want: false},
		{name: "completed is terminal", current: RunStatusCompleted, next: RunStatusRunning, want: false},
		{name: "failed is terminal", current: RunStatusFailed, next: RunStatusRunning, want: false},
		{name: "cancelled is terminal", current: RunStatusCancelled, next: RunStatusRunning, want: false},
		{name: "same state allowed", current: RunStatusRunning, next: RunStatusRunning, want: true},
		{name: "empty current rejected", current: "", next: RunStatusRunning, want: false},
		{name: "empty next rejected", current: RunStatusRunning, next: "", want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanTransitionRunStatus(tc.current, tc.next); got != tc.want {
				t.Fatalf("CanTransitionRunStatus(%q, %q)=%v, want %v", tc.current, tc.next, got, tc.want)
			}
		})
	}
}

func TestNormalizeRunStatus(t *testing.T) {
	tests := []struct {
		in   string
		want RunStatus
	}{
		{in: "pending", want: RunStatusPending},
		{in: "created", want: RunStatusPending},
		{in: " Running ", want: RunStatusRunning},
		{in: "WAITING_APPROVAL", want: RunStatusWaitingApproval},
		{in: "canceled", want: RunStatusCancelled},
		{in: "bogus", want: ""},
	}
	for _, tc := range tests {
		if got := NormalizeRunStatus(tc.in); got != tc.want {
			t.Fatalf("NormalizeRunStatus(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsTerminalRunStatus(t *testing.T) {
	for _, status := range []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled} {
		if !IsTerminalRunStatus(status) {
			t.Fatalf("expected %q to be terminal", status)
		}
	}
	for _, status := range []RunStatus{RunStatusPending, RunStatusRunning, RunStatusWaitingApproval, RunStatusWaitingExtraInput} {
		if IsTerminalRunStatus(status) {
			t.Fatalf("expected %q to be non-terminal", status)
		}
	}
}
