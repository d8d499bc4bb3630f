package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/repo"
)

const readPageSize = 500

// Writer appends entries to a run journal, stamping each with its recording
// time and integrity hash. Offset assignment stays with the caller so that
// concurrent writers surface repo.ErrOffsetConflict instead of interleaving.
type Writer struct {
	store repo.JournalStore
	now   func() time.Time
}

func NewWriter(store repo.JournalStore, now func() time.Time) *Writer {
	if now == nil {
		now = time.Now
	}
	return &Writer{store: store, now: now}
}

// Append encodes payload and appends it at offset. The entry's hash covers
// tenant, run, offset, type, and payload, so a moved or edited entry fails
// verification on replay.
func (w *Writer) Append(ctx context.Context, tenantID, runID string, offset uint64, eventType domain.EventType, payload any) (domain.JournalEntry, error) {
	if w == nil || w.store == nil {
		return domain.JournalEntry{}, errors.New("journal writer not initialized")
	}
	raw, err := Encode(payload)
	if err != nil {
		return domain.JournalEntry{}, fmt.Errorf("encode %s: %w", eventType, err)
	}
	entry := domain.JournalEntry{
		TenantID:   tenantID,
		RunID:      runID,
		Offset:     offset,
		Type:       eventType,
		Payload:    raw,
		RecordedAt: w.now().UTC(),
	}
	entry.IntegritySHA256 = domain.EntryIntegrity(entry.TenantID, entry.RunID, entry.Offset, entry.Type, entry.Payload)
	if err := entry.Validate(); err != nil {
		return domain.JournalEntry{}, err
	}
	if err := w.store.Append(ctx, entry); err != nil {
		return domain.JournalEntry{}, err
	}
	return entry, nil
}

// AppendNext appends at the current head, retrying when a concurrent writer
// claims the offset first. Parallel steps of one run interleave their
// entries through this path; per-step ordering still holds because each
// step's events are appended from a single goroutine.
func (w *Writer) AppendNext(ctx context.Context, tenantID, runID string, eventType domain.EventType, payload any) (domain.JournalEntry, error) {
	if w == nil || w.store == nil {
		return domain.JournalEntry{}, errors.New("journal writer not initialized")
	}
	for {
		head, err := w.store.Head(ctx, tenantID, runID)
		if err != nil {
			return domain.JournalEntry{}, err
		}
		entry, err := w.Append(ctx, tenantID, runID, head+1, eventType, payload)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, repo.ErrOffsetConflict) {
			return domain.JournalEntry{}, err
		}
		if err := ctx.Err(); err != nil {
			return domain.JournalEntry{}, err
		}
	}
}

// ReadAll pages through a run's journal from the beginning.
func ReadAll(ctx context.Context, store repo.JournalStore, tenantID, runID string) ([]domain.JournalEntry, error) {
	var (
		entries []domain.JournalEntry
		after   uint64
	)
	for {
		page, err := store.Read(ctx, tenantID, runID, after, readPageSize)
		if err != nil {
			return nil, err
		}
		entries = append(entries, page...)
		if len(page) < readPageSize {
			return entries, nil
		}
		after = page[len(page)-1].Offset
	}
}

// Load reads and replays a run's full journal.
func Load(ctx context.Context, store repo.JournalStore, tenantID, runID string) (*RunView, error) {
	entries, err := ReadAll(ctx, store, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, repo.ErrNotFound
	}
	return Replay(entries)
}
