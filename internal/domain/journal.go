package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType identifies one kind of journal entry.
type EventType string

const (
	EventRunCreated      EventType = "run.created"
	EventRunCompleted    EventType = "run.completed"
	EventRunFailed       EventType = "run.failed"
	EventRunCancelled    EventType = "run.cancelled"
	EventRunSuperseded   EventType = "run.superseded"
	EventStepInherited   EventType = "step.inherited"
	EventStepDispatched  EventType = "step.dispatched"
	EventStepSkipped     EventType = "step.skipped"
	EventStepCompleted   EventType = "step.completed"
	EventStepFailed      EventType = "step.failed"
	EventAttemptStarted  EventType = "attempt.started"
	EventAttemptProgress EventType = "attempt.checkpointed"
	EventAttemptDone     EventType = "attempt.completed"
	EventAttemptFailed   EventType = "attempt.failed"
	EventGateOpened      EventType = "gate.opened"
	EventSignalApproved  EventType = "signal.approved"
	EventSignalRejected  EventType = "signal.rejected"
	EventSignalInput     EventType = "signal.input"
	EventSignalCancelled EventType = "signal.cancelled"
	EventTimerFired      EventType = "timer.fired"
)

// JournalEntry is one record of the append-only run journal. Offsets start
// at 1 and increase by exactly one; entries are never rewritten.
type JournalEntry struct {
	TenantID        string
	RunID           string
	Offset          uint64
	Type            EventType
	Payload         json.RawMessage
	RecordedAt      time.Time
	IntegritySHA256 string
}

func (e JournalEntry) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	if e.Offset == 0 {
		return errors.New("offset must start at 1")
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		return errors.New("event type is required")
	}
	return nil
}

// EntryIntegrity computes the integrity hash covering the immutable fields
// of a journal entry.
func EntryIntegrity(tenantID, runID string, offset uint64, eventType EventType, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|", tenantID, runID, offset, eventType)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyIntegrity recomputes the entry hash and compares it to the stored
// value.
func (e JournalEntry) VerifyIntegrity() error {
	want := EntryIntegrity(e.TenantID, e.RunID, e.Offset, e.Type, e.Payload)
	if e.IntegritySHA256 != want {
		return fmt.Errorf("journal entry %s/%s offset %d failed integrity check", e.TenantID, e.RunID, e.Offset)
	}
	return nil
}
