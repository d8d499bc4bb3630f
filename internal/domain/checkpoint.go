package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Checkpoint records durable intra-step progress. Seq is monotonic within
// one (run, step, attempt); a resumed attempt continues from the highest
// recorded sequence.
type Checkpoint struct {
	Key        string
	Seq        uint64
	Payload    json.RawMessage
	RecordedAt time.Time
}

func (c Checkpoint) Validate() error {
	if strings.TrimSpace(c.Key) == "" {
		return errors.New("checkpoint key is required")
	}
	if c.Seq == 0 {
		return errors.New("checkpoint seq must start at 1")
	}
	return nil
}
