// Package script runs step executors written as standalone Go source files,
// evaluated in-process with yaegi. A script declares
//
//	func Execute(config map[string]string, inputs map[string][]byte) ([]byte, error)
//
// and is registered under its file base name. Scripts are stateless: they
// get no checkpoint surface, and errors they return are treated as
// non-retryable unless the daemon operator fixes the script.
package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/loomworks/loom-go/internal/executor"
)

const entrypoint = "Execute"

type executeFunc = func(config map[string]string, inputs map[string][]byte) ([]byte, error)

// Executor wraps one interpreted script.
type Executor struct {
	name string
	fn   executeFunc
}

// Load evaluates a script file and binds its Execute function.
func Load(path string) (*Executor, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("script: %s is empty", path)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("script: stdlib symbols: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("script: interpret %s: %w", path, err)
	}
	value, err := i.Eval(entrypoint)
	if err != nil {
		return nil, fmt.Errorf("script: %s must define %s(config map[string]string, inputs map[string][]byte) ([]byte, error): %w", path, entrypoint, err)
	}
	fn, ok := value.Interface().(executeFunc)
	if !ok {
		return nil, fmt.Errorf("script: %s: %s has the wrong signature", path, entrypoint)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &Executor{name: name, fn: fn}, nil
}

// LoadDir loads every .go file in dir into the registry. A missing dir is
// not an error; a daemon without scripts is fine.
func LoadDir(dir string, reg *executor.Registry) error {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("script: read %s: %w", trimmed, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".go" {
			continue
		}
		exec, err := Load(filepath.Join(trimmed, entry.Name()))
		if err != nil {
			return err
		}
		if err := reg.Register(exec); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) Name() string { return e.name }

func (e *Executor) Execute(ctx context.Context, req executor.Request, cp executor.Checkpoints) (executor.Result, error) {
	if e == nil || e.fn == nil {
		return executor.Result{}, fmt.Errorf("script executor not initialized")
	}
	if err := ctx.Err(); err != nil {
		return executor.Result{}, err
	}
	output, err := e.fn(req.Config, req.Inputs)
	if err != nil {
		return executor.Result{}, fmt.Errorf("script %s: %w", e.name, err)
	}
	mediaType := req.Config["media_type"]
	if mediaType == "" {
		mediaType = "text/markdown"
	}
	return executor.Result{Output: output, MediaType: mediaType}, nil
}
