package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loomworks/loom-go/internal/domain"
	"github.com/loomworks/loom-go/internal/repo"
)

const defaultSubscriberBuffer = 64

// Subscription is a live feed of one run's journal entries.
type Subscription struct {
	Entries <-chan domain.JournalEntry
	cancel  func()
}

// Close terminates the subscription and releases its channel.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Broadcaster fans journal entries out to in-process subscribers. Delivery
// is non-blocking: a subscriber that stops draining loses entries rather
// than stalling the engine, and catches up from the journal itself. Entries
// appended by concurrent steps may arrive out of offset order; the journal
// is the ordered record.
type Broadcaster struct {
	logger *slog.Logger
	buffer int

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func NewBroadcaster(logger *slog.Logger, buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{
		logger: logger,
		buffer: buffer,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe registers for entries of one run as they append.
func (b *Broadcaster) Subscribe(tenantID, runID string) Subscription {
	key := subKey(tenantID, runID)
	sub := &subscriber{ch: make(chan domain.JournalEntry, b.buffer)}

	b.mu.Lock()
	if b.subs[key] == nil {
		b.subs[key] = make(map[*subscriber]struct{})
	}
	b.subs[key][sub] = struct{}{}
	b.mu.Unlock()

	return Subscription{
		Entries: sub.ch,
		cancel: func() {
			b.remove(key, sub)
		},
	}
}

// Publish delivers an appended entry to every subscriber of its run.
func (b *Broadcaster) Publish(entry domain.JournalEntry) {
	key := subKey(entry.TenantID, entry.RunID)

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs[key]))
	for sub := range b.subs[key] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.deliver(entry) && b.logger != nil {
			b.logger.Warn("event subscriber lagging, entry dropped",
				"tenant", entry.TenantID, "run", entry.RunID, "offset", entry.Offset)
		}
	}
}

func (b *Broadcaster) remove(key string, sub *subscriber) {
	b.mu.Lock()
	if subs := b.subs[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, key)
		}
	}
	b.mu.Unlock()
	sub.close()
}

func subKey(tenantID, runID string) string {
	return tenantID + "/" + runID
}

type subscriber struct {
	ch     chan domain.JournalEntry
	mu     sync.Mutex
	closed bool
}

func (s *subscriber) deliver(entry domain.JournalEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- entry:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// journalTap wraps a journal store so every successful append is also
// broadcast. The runner and the coordinator both write through it, which
// keeps the live feed identical to the durable record.
type journalTap struct {
	inner  repo.JournalStore
	events *Broadcaster
}

var _ repo.JournalStore = (*journalTap)(nil)

func (t *journalTap) Append(ctx context.Context, entry domain.JournalEntry) error {
	if err := t.inner.Append(ctx, entry); err != nil {
		return err
	}
	t.events.Publish(entry)
	return nil
}

func (t *journalTap) Read(ctx context.Context, tenantID, runID string, afterOffset uint64, limit int) ([]domain.JournalEntry, error) {
	return t.inner.Read(ctx, tenantID, runID, afterOffset, limit)
}

func (t *journalTap) Head(ctx context.Context, tenantID, runID string) (uint64, error) {
	return t.inner.Head(ctx, tenantID, runID)
}
