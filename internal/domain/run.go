package domain

import (
	"errors"
	"strings"
	"time"
)

// Run represents a single pipeline run. TenantID is fixed at creation and
// never changes for the life of the run.
type Run struct {
	ID           string
	TenantID     string
	PipelineID   string
	Status       RunStatus
	Config       Config
	Supersedes   string
	SupersededBy string
	Failure      *ErrorRecord
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Config carries run-scoped step configuration as plain string pairs.
type Config map[string]string

func (c Config) Clone() Config {
	if c == nil {
		return Config{}
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merged returns a copy of c with overrides applied on top.
func (c Config) Merged(overrides Config) Config {
	out := c.Clone()
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(r.PipelineID) == "" {
		return errors.New("pipeline id is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("run status is required")
	}
	return nil
}

// Terminal reports whether the run reached a final state.
func (r Run) Terminal() bool {
	return IsTerminalRunStatus(r.Status)
}

// EnsureRunImmutable enforces the fields that must never change after a run
// record is first written.
func EnsureRunImmutable(before, after Run) error {
	if before.ID == "" || after.ID == "" {
		return errors.New("run ids are required")
	}
	if before.ID != after.ID {
		return errors.New("run id is immutable")
	}
	if before.TenantID != after.TenantID {
		return errors.New("tenant id is immutable")
	}
	if before.PipelineID != after.PipelineID {
		return errors.New("pipeline id is immutable")
	}
	if before.Supersedes != after.Supersedes {
		return errors.New("supersedes linkage is immutable")
	}
	if before.Terminal() {
		if after.Status != before.Status {
			return errors.New("terminal run status is immutable")
		}
		if before.SupersededBy != "" && after.SupersededBy != before.SupersededBy {
			return errors.New("superseded_by linkage is immutable once set")
		}
	}
	return nil
}
