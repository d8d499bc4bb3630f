// Package staticexec is the built-in deterministic executor. Its output is a
// pure function of the request, so re-running a step reproduces the same
// artifact byte for byte. Config knobs simulate transient failures, quality
// rejections, and multi-unit progress, which makes it the executor of choice
// for dev mode and engine tests.
package staticexec

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/opencontainers/go-digest"

	"github.com/loomworks/loom-go/internal/classify"
	"github.com/loomworks/loom-go/internal/executor"
)

// Config keys the executor understands.
const (
	// KeyFailUntilAttempt makes attempts strictly below the value fail with
	// a retryable error.
	KeyFailUntilAttempt = "static.fail_until_attempt"
	// KeyMinScore rejects the output with a validation failure when the
	// deterministic quality score falls below the value.
	KeyMinScore = "static.min_score"
	// KeyCheckpointUnits splits the work into that many checkpointed units.
	KeyCheckpointUnits = "static.checkpoint_units"
)

const defaultMediaType = "text/markdown"

type Executor struct {
	name string
}

func New(name string) *Executor {
	if name == "" {
		name = "static"
	}
	return &Executor{name: name}
}

func (e *Executor) Name() string { return e.name }

func (e *Executor) Execute(ctx context.Context, req executor.Request, cp executor.Checkpoints) (executor.Result, error) {
	if failUntil, err := intConfig(req.Config, KeyFailUntilAttempt); err != nil {
		return executor.Result{}, classify.NonRetryable(err)
	} else if failUntil > 0 && req.Attempt < failUntil {
		return executor.Result{}, classify.Retryable(fmt.Errorf("simulated transient failure on attempt %d", req.Attempt))
	}

	units, err := intConfig(req.Config, KeyCheckpointUnits)
	if err != nil {
		return executor.Result{}, classify.NonRetryable(err)
	}
	if units < 1 {
		units = 1
	}
	for unit := 1; unit <= units; unit++ {
		if err := ctx.Err(); err != nil {
			return executor.Result{}, err
		}
		key := fmt.Sprintf("unit-%d", unit)
		if _, done := cp.Load(key); done {
			continue
		}
		if err := cp.Save(ctx, key, map[string]int{"unit": unit}); err != nil {
			return executor.Result{}, err
		}
	}

	score := deterministicScore(req.TenantID, req.RunID, req.StepName)
	if rawMin, ok := req.Config[KeyMinScore]; ok {
		minScore, err := strconv.ParseFloat(rawMin, 64)
		if err != nil {
			return executor.Result{}, classify.NonRetryable(fmt.Errorf("config %s: %w", KeyMinScore, err))
		}
		if score < minScore {
			return executor.Result{}, classify.ValidationFail(fmt.Errorf("quality score %.3f below threshold %.3f", score, minScore))
		}
	}

	return executor.Result{
		Output:    render(req, score),
		MediaType: defaultMediaType,
	}, nil
}

// render builds the artifact body. Attempt number is deliberately excluded:
// a retried step must land on the same content-addressed key.
func render(req executor.Request, score float64) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n\n", req.StepName)
	fmt.Fprintf(&buf, "run: %s\n", req.RunID)
	fmt.Fprintf(&buf, "score: %.3f\n", score)
	if topic, ok := req.Config["topic"]; ok {
		fmt.Fprintf(&buf, "topic: %s\n", topic)
	}
	if len(req.Inputs) > 0 {
		names := make([]string, 0, len(req.Inputs))
		for name := range req.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		buf.WriteString("\ninputs:\n")
		for _, name := range names {
			fmt.Fprintf(&buf, "- %s: %s\n", name, digest.FromBytes(req.Inputs[name]))
		}
	}
	return buf.Bytes()
}

func deterministicScore(tenantID, runID, stepName string) float64 {
	seed := fmt.Sprintf("%s:%s:%s", tenantID, runID, stepName)
	sum := sha256.Sum256([]byte(seed))
	value := binary.BigEndian.Uint64(sum[:8])
	return float64(value) / float64(math.MaxUint64)
}

func intConfig(config map[string]string, key string) (int, error) {
	raw, ok := config[key]
	if !ok || raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", key, err)
	}
	return value, nil
}
