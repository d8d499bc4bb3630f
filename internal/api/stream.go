package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/loom-go/internal/domain"
)

const streamPageSize = 256

// handleRunStream serves the run journal over SSE: a catch-up read from
// after_offset, then live entries as the engine appends them. The stream
// ends after a terminal run entry or when the client goes away.
func (a *API) handleRunStream(w http.ResponseWriter, r *http.Request) {
	tenantID, runID, ok := a.runPath(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, r, http.StatusInternalServerError, "streaming_unsupported")
		return
	}

	if _, err := a.svc.GetRun(r.Context(), tenantID, runID); err != nil {
		a.writeViewError(w, r, tenantID, runID, err)
		return
	}

	// Subscribe before the catch-up read so no entry can fall between the
	// page boundary and the live feed.
	sub := a.svc.Subscribe(tenantID, runID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	lastSent := parseUint64Query(r, "after_offset", 0)
	terminal := false

	send := func(entry domain.JournalEntry) error {
		data, err := json.Marshal(toEntryPayload(entry))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", entry.Offset, entry.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		lastSent = entry.Offset
		if isTerminalEntry(entry.Type) {
			terminal = true
		}
		return nil
	}

	catchUp := func() error {
		for {
			page, err := a.svc.Journal(ctx, tenantID, runID, lastSent, streamPageSize)
			if err != nil {
				return err
			}
			for _, entry := range page {
				if err := send(entry); err != nil {
					return err
				}
			}
			if len(page) < streamPageSize {
				return nil
			}
		}
	}

	if err := catchUp(); err != nil {
		a.logger.Warn("stream catch-up ended", "tenant", tenantID, "run", runID, "error", err)
		return
	}
	if terminal {
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case entry, open := <-sub.Entries:
			if !open {
				return
			}
			if entry.Offset <= lastSent {
				continue
			}
			// The live feed is lossy under pressure; a gap means going
			// back to the journal for the missed range.
			if entry.Offset > lastSent+1 {
				if err := catchUp(); err != nil {
					a.logger.Warn("stream gap fill ended", "tenant", tenantID, "run", runID, "error", err)
					return
				}
			} else if err := send(entry); err != nil {
				return
			}
			if terminal {
				return
			}
		}
	}
}

func isTerminalEntry(t domain.EventType) bool {
	switch t {
	case domain.EventRunCompleted, domain.EventRunFailed, domain.EventRunCancelled:
		return true
	}
	return false
}
