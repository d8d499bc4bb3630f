// Package registry holds the static pipeline topology: named steps, their
// upstream dependencies, parallel groups, gates, and retry defaults. The
// topology is loaded once at startup and never changes while runs execute.
package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const DefaultRetryLimit = 3

// StepNode is one step of the pipeline DAG.
type StepNode struct {
	Name       string
	Uses       string
	DependsOn  []string
	Group      string
	Disabled   bool
	RetryLimit int
	Fallbacks  []string
	Config     map[string]string
}

// ExecutorName is the executor a step binds to: its uses field, or the step
// name when unset.
func (s StepNode) ExecutorName() string {
	if strings.TrimSpace(s.Uses) != "" {
		return strings.TrimSpace(s.Uses)
	}
	return s.Name
}

// GateKind distinguishes approval gates from extra-input gates.
type GateKind string

const (
	GateApproval GateKind = "approval"
	GateInput    GateKind = "input"
)

// Gate pauses a run after the named step or group until an operator signal
// arrives or the timeout ceiling passes.
type Gate struct {
	After    string
	Kind     GateKind
	InputKey string
	Timeout  time.Duration
}

// Backoff describes the delay curve between retryable attempts.
type Backoff struct {
	Type           string
	InitialSeconds int
	MaxSeconds     int
	Multiplier     float64
}

// Defaults apply to steps that do not override them.
type Defaults struct {
	RetryLimit int
	Backoff    Backoff
}

// Registry is a validated, immutable pipeline topology.
type Registry struct {
	pipelineID string
	steps      map[string]StepNode
	order      []string
	downstream map[string][]string
	gates      []Gate
	defaults   Defaults
}

// New validates the assembled topology and freezes it.
func New(pipelineID string, steps []StepNode, gates []Gate, defaults Defaults) (*Registry, error) {
	pipelineID = strings.TrimSpace(pipelineID)
	if pipelineID == "" {
		return nil, fmt.Errorf("pipeline id is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("pipeline %q declares no steps", pipelineID)
	}
	if defaults.RetryLimit <= 0 {
		defaults.RetryLimit = DefaultRetryLimit
	}

	byName := make(map[string]StepNode, len(steps))
	for i, step := range steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return nil, fmt.Errorf("step[%d] name is required", i)
		}
		if _, exists := byName[name]; exists {
			return nil, fmt.Errorf("step %q is declared twice", name)
		}
		step.Name = name
		byName[name] = step
	}
	for _, step := range byName {
		for _, dep := range step.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", step.Name, dep)
			}
			if dep == step.Name {
				return nil, fmt.Errorf("step %q depends on itself", step.Name)
			}
		}
		for _, fb := range step.Fallbacks {
			if _, ok := byName[fb]; !ok {
				return nil, fmt.Errorf("step %q lists unknown fallback %q", step.Name, fb)
			}
		}
	}

	order, err := topoSort(byName)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]bool)
	for _, step := range byName {
		if g := strings.TrimSpace(step.Group); g != "" {
			groups[g] = true
		}
	}
	for i, gate := range gates {
		after := strings.TrimSpace(gate.After)
		if after == "" {
			return nil, fmt.Errorf("gate[%d] after is required", i)
		}
		if _, ok := byName[after]; !ok && !groups[after] {
			return nil, fmt.Errorf("gate[%d] after %q is neither a step nor a group", i, after)
		}
		switch gate.Kind {
		case GateApproval:
		case GateInput:
			if strings.TrimSpace(gate.InputKey) == "" {
				return nil, fmt.Errorf("gate[%d] input_key is required for input gates", i)
			}
		default:
			return nil, fmt.Errorf("gate[%d] kind %q is not supported", i, gate.Kind)
		}
		if gate.Timeout <= 0 {
			return nil, fmt.Errorf("gate[%d] timeout is required", i)
		}
	}

	return &Registry{
		pipelineID: pipelineID,
		steps:      byName,
		order:      order,
		downstream: buildDownstream(byName),
		gates:      append([]Gate(nil), gates...),
		defaults:   defaults,
	}, nil
}

func topoSort(steps map[string]StepNode) ([]string, error) {
	inDegree := make(map[string]int, len(steps))
	adj := make(map[string][]string, len(steps))
	for name := range steps {
		inDegree[name] = 0
	}
	for name, step := range steps {
		for _, dep := range step.DependsOn {
			adj[dep] = append(adj[dep], name)
			inDegree[name]++
		}
	}

	ready := make([]string, 0, len(steps))
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]string, 0, len(steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, name)
		for _, neighbor := range adj[name] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				ready = append(ready, neighbor)
				sort.Strings(ready)
			}
		}
	}

	if len(ordered) != len(steps) {
		return nil, fmt.Errorf("dependency graph contains a cycle")
	}
	return ordered, nil
}

func buildDownstream(steps map[string]StepNode) map[string][]string {
	out := make(map[string][]string, len(steps))
	for name, step := range steps {
		for _, dep := range step.DependsOn {
			out[dep] = append(out[dep], name)
		}
	}
	for name := range out {
		sort.Strings(out[name])
	}
	return out
}

func (r *Registry) PipelineID() string { return r.pipelineID }

func (r *Registry) Defaults() Defaults { return r.defaults }

// Node returns the named step.
func (r *Registry) Node(name string) (StepNode, bool) {
	step, ok := r.steps[name]
	return step, ok
}

// TopoOrder returns every step name in deterministic topological order.
func (r *Registry) TopoOrder() []string {
	return append([]string(nil), r.order...)
}

// Steps returns every node in topological order.
func (r *Registry) Steps() []StepNode {
	out := make([]StepNode, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.steps[name])
	}
	return out
}

// IsDisabled reports whether a step is switched off, either statically or by
// a run config override of the form step.<name>.disabled.
func (r *Registry) IsDisabled(name string, overrides map[string]string) bool {
	step, ok := r.steps[name]
	if !ok {
		return false
	}
	if raw, ok := overrides["step."+name+".disabled"]; ok {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return step.Disabled
}

// Ready returns the enabled steps whose upstream dependencies are all
// satisfied and which are not yet satisfied themselves, in topological
// order. Disabled steps never dispatch; callers resolve them as skipped.
func (r *Registry) Ready(satisfied map[string]bool, overrides map[string]string) []StepNode {
	out := make([]StepNode, 0)
	for _, name := range r.order {
		if satisfied[name] {
			continue
		}
		if r.IsDisabled(name, overrides) {
			continue
		}
		step := r.steps[name]
		blocked := false
		for _, dep := range step.DependsOn {
			if !satisfied[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, step)
		}
	}
	return out
}

// GroupMembers returns the names of every step in a parallel group, in
// topological order.
func (r *Registry) GroupMembers(group string) []string {
	if strings.TrimSpace(group) == "" {
		return nil
	}
	out := make([]string, 0)
	for _, name := range r.order {
		if r.steps[name].Group == group {
			out = append(out, name)
		}
	}
	return out
}

// Downstream returns every step reachable from name through dependency
// edges, in topological order.
func (r *Registry) Downstream(name string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(current string) {
		for _, next := range r.downstream[current] {
			if !seen[next] {
				seen[next] = true
				walk(next)
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for _, step := range r.order {
		if seen[step] {
			out = append(out, step)
		}
	}
	return out
}

// FallbackCandidates returns the ordered validation-failure candidates a
// step declares. Disabled filtering is the caller's concern.
func (r *Registry) FallbackCandidates(name string) []string {
	step, ok := r.steps[name]
	if !ok {
		return nil
	}
	return append([]string(nil), step.Fallbacks...)
}

// RetryLimit returns the effective retry budget for a step.
func (r *Registry) RetryLimit(name string) int {
	step, ok := r.steps[name]
	if ok && step.RetryLimit > 0 {
		return step.RetryLimit
	}
	return r.defaults.RetryLimit
}

// GateAfter returns the gate bound to a step or group name, if any.
func (r *Registry) GateAfter(name string) (Gate, bool) {
	for _, gate := range r.gates {
		if gate.After == name {
			return gate, true
		}
	}
	return Gate{}, false
}

// Gates returns every declared gate.
func (r *Registry) Gates() []Gate {
	return append([]Gate(nil), r.gates...)
}
