package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "loom.pipeline.v1"

// Spec is the on-disk pipeline definition.
type Spec struct {
	Schema   string       `json:"schema" yaml:"schema"`
	ID       string       `json:"id" yaml:"id"`
	Defaults DefaultsSpec `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Steps    []StepSpec   `json:"steps" yaml:"steps"`
	Gates    []GateSpec   `json:"gates,omitempty" yaml:"gates,omitempty"`
}

type DefaultsSpec struct {
	RetryLimit int         `json:"retry_limit,omitempty" yaml:"retry_limit,omitempty"`
	Backoff    BackoffSpec `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

type BackoffSpec struct {
	Type           string  `json:"type,omitempty" yaml:"type,omitempty"`
	InitialSeconds int     `json:"initial_seconds,omitempty" yaml:"initial_seconds,omitempty"`
	MaxSeconds     int     `json:"max_seconds,omitempty" yaml:"max_seconds,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

type StepSpec struct {
	Name       string            `json:"name" yaml:"name"`
	Uses       string            `json:"uses,omitempty" yaml:"uses,omitempty"`
	DependsOn  []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Group      string            `json:"group,omitempty" yaml:"group,omitempty"`
	Disabled   bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	RetryLimit int               `json:"retry_limit,omitempty" yaml:"retry_limit,omitempty"`
	Fallbacks  []string          `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	Config     map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

type GateSpec struct {
	After    string `json:"after" yaml:"after"`
	Kind     string `json:"kind" yaml:"kind"`
	InputKey string `json:"input_key,omitempty" yaml:"input_key,omitempty"`
	Timeout  string `json:"timeout" yaml:"timeout"`
}

// Parse decodes and validates a pipeline spec document.
func Parse(input []byte) (*Registry, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return nil, fmt.Errorf("decode pipeline spec: %w", err)
	}
	return FromSpec(spec)
}

// Load reads a pipeline spec file from disk.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline spec: %w", err)
	}
	return Parse(raw)
}

// FromSpec converts the on-disk form into a validated Registry.
func FromSpec(spec Spec) (*Registry, error) {
	if strings.TrimSpace(spec.Schema) != SpecSchemaV1 {
		return nil, fmt.Errorf("pipeline schema must be %q", SpecSchemaV1)
	}
	if len(spec.Steps) == 0 {
		return nil, errors.New("pipeline steps must be non-empty")
	}

	steps := make([]StepNode, 0, len(spec.Steps))
	for _, s := range spec.Steps {
		steps = append(steps, StepNode{
			Name:       s.Name,
			Uses:       strings.TrimSpace(s.Uses),
			DependsOn:  append([]string(nil), s.DependsOn...),
			Group:      strings.TrimSpace(s.Group),
			Disabled:   s.Disabled,
			RetryLimit: s.RetryLimit,
			Fallbacks:  append([]string(nil), s.Fallbacks...),
			Config:     s.Config,
		})
	}

	gates := make([]Gate, 0, len(spec.Gates))
	for i, g := range spec.Gates {
		timeout, err := time.ParseDuration(strings.TrimSpace(g.Timeout))
		if err != nil {
			return nil, fmt.Errorf("gate[%d] timeout: %w", i, err)
		}
		gates = append(gates, Gate{
			After:    strings.TrimSpace(g.After),
			Kind:     GateKind(strings.ToLower(strings.TrimSpace(g.Kind))),
			InputKey: strings.TrimSpace(g.InputKey),
			Timeout:  timeout,
		})
	}

	defaults := Defaults{
		RetryLimit: spec.Defaults.RetryLimit,
		Backoff: Backoff{
			Type:           strings.TrimSpace(spec.Defaults.Backoff.Type),
			InitialSeconds: spec.Defaults.Backoff.InitialSeconds,
			MaxSeconds:     spec.Defaults.Backoff.MaxSeconds,
			Multiplier:     spec.Defaults.Backoff.Multiplier,
		},
	}

	return New(strings.TrimSpace(spec.ID), steps, gates, defaults)
}
