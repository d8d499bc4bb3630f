package domain

import (
	"errors"
	"strings"
)

// CommandKind identifies an operator command accepted by the command inlet.
type CommandKind string

const (
	CommandApprove CommandKind = "approve"
	CommandReject  CommandKind = "reject"
	CommandInput   CommandKind = "input"
	CommandCancel  CommandKind = "cancel"
	CommandRetry   CommandKind = "retry"
	CommandResume  CommandKind = "resume"
)

// Command is one operator instruction. ID is the idempotency key: delivering
// the same command twice has the effect of delivering it once.
type Command struct {
	ID       string
	Kind     CommandKind
	TenantID string
	RunID    string
	StepName string
	Reason   string
	Input    Config
}

func (c Command) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("command id is required")
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(c.RunID) == "" {
		return errors.New("run id is required")
	}
	switch c.Kind {
	case CommandApprove, CommandReject, CommandCancel:
	case CommandInput:
		if len(c.Input) == 0 {
			return errors.New("input payload is required")
		}
	case CommandRetry, CommandResume:
		if strings.TrimSpace(c.StepName) == "" {
			return errors.New("step name is required")
		}
	default:
		return errors.New("command kind is required")
	}
	return nil
}
