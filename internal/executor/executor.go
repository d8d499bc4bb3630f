// Package executor defines the pluggable surface that runs individual
// pipeline steps. The engine stays ignorant of what a step does; executors
// stay ignorant of journals, retries, and scheduling.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Request carries everything a step execution may read.
type Request struct {
	TenantID string
	RunID    string
	StepName string
	Attempt  int
	// Config is the run config overlaid with the step's own config.
	Config map[string]string
	// Inputs holds the outputs of upstream dependencies, keyed by step name.
	Inputs map[string][]byte
}

// Result is a step's output. Output becomes an immutable artifact.
type Result struct {
	Output    []byte
	MediaType string
}

// Checkpoints is the progress surface handed to executors. Save records a
// unit of completed work; Load answers whether a prior attempt already did
// it; Once runs a non-idempotent side effect at most once across attempts.
type Checkpoints interface {
	Save(ctx context.Context, key string, payload any) error
	Load(key string) (json.RawMessage, bool)
	Once(ctx context.Context, key string, fn func(context.Context) error) error
}

// Executor runs one kind of step. Implementations classify their own
// failures by wrapping errors with the classify package's markers;
// anything unmarked is treated as non-retryable.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req Request, cp Checkpoints) (Result, error)
}

// Registry maintains the executors a daemon can dispatch to.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

// Register installs an executor. Re-registering a name is an error.
func (r *Registry) Register(exec Executor) error {
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	name := exec.Name()
	if name == "" {
		return fmt.Errorf("executor name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[name]; exists {
		return fmt.Errorf("executor %s already registered", name)
	}
	r.executors[name] = exec
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(exec Executor) {
	if err := r.Register(exec); err != nil {
		panic(err)
	}
}

// Resolve returns the executor registered under name.
func (r *Registry) Resolve(name string) (Executor, error) {
	r.mu.RLock()
	exec, ok := r.executors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown executor %s", name)
	}
	return exec, nil
}

// Names returns the registered executor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
