package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/journal"
	"github.com/loomworks/loom-go/internal/repo"
)

// Checkpoint keys starting with the reserved prefix belong to the runner;
// executors cannot write them.
const reservedKeyPrefix = "__"

// resultKey holds a finished step's artifact ref. Its presence is what makes
// a later execution of the same step a memoized no-op, even when the crash
// ate the success entries before they reached the journal.
const resultKey = reservedKeyPrefix + "result"

// checkpointer is the progress surface handed to one executor invocation.
// It is seeded from the step's full checkpoint history, so sequence numbers
// keep climbing across attempts and Load sees work done by earlier attempts.
type checkpointer struct {
	store   repo.CheckpointStore
	wr      *journal.Writer
	tenant  string
	run     string
	step    string
	attempt int
	now     func() time.Time

	mu    sync.Mutex
	seq   uint64
	known map[string]json.RawMessage
}

func newCheckpointer(ctx context.Context, store repo.CheckpointStore, wr *journal.Writer, tenantID, runID, stepName string, attempt int, now func() time.Time) (*checkpointer, error) {
	history, err := store.History(ctx, tenantID, runID, stepName)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints for %s: %w", stepName, err)
	}
	cp := &checkpointer{
		store:   store,
		wr:      wr,
		tenant:  tenantID,
		run:     runID,
		step:    stepName,
		attempt: attempt,
		now:     now,
		known:   make(map[string]json.RawMessage, len(history)),
	}
	for _, item := range history {
		cp.known[item.Key] = item.Payload
		if item.Seq > cp.seq {
			cp.seq = item.Seq
		}
	}
	return cp, nil
}

// Save records a completed unit of work under key.
func (c *checkpointer) Save(ctx context.Context, key string, payload any) error {
	if strings.HasPrefix(key, reservedKeyPrefix) {
		return fmt.Errorf("checkpoint key %q is reserved", key)
	}
	return c.save(ctx, key, payload)
}

// save writes to the checkpoint store first and journals second. A crash
// between the two leaves the store ahead of the journal, which the next
// attempt repairs by seeding its sequence from the store.
func (c *checkpointer) save(ctx context.Context, key string, payload any) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("checkpoint key is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", key, err)
	}
	// A unit that finished before cancellation still gets recorded;
	// cancellation only stops new units from starting.
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	next := domain.Checkpoint{
		Key:        key,
		Seq:        c.seq + 1,
		Payload:    raw,
		RecordedAt: c.now().UTC(),
	}
	if err := c.store.Save(ctx, c.tenant, c.run, c.step, c.attempt, next); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	c.seq = next.Seq
	c.known[key] = raw

	if _, err := c.wr.AppendNext(ctx, c.tenant, c.run, domain.EventAttemptProgress, journal.AttemptCheckpointedPayload{
		StepName: c.step,
		Number:   c.attempt,
		Seq:      next.Seq,
		Key:      key,
	}); err != nil {
		return fmt.Errorf("journal checkpoint %s: %w", key, err)
	}
	return nil
}

// Load returns the payload recorded under key by this or any prior attempt.
func (c *checkpointer) Load(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.known[key]
	return raw, ok
}

// Once runs fn unless a prior attempt already recorded key. The marker is
// written only after fn succeeds, so a crash mid-effect re-runs it.
// Cancellation is observed between units, never inside one.
func (c *checkpointer) Once(ctx context.Context, key string, fn func(context.Context) error) error {
	if _, done := c.Load(key); done {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return c.Save(ctx, key, map[string]bool{"done": true})
}
