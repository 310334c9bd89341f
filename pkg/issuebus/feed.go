package issuebus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"issuebridge/pkg/issues"
	"issuebridge/pkg/logging"
)

const (
	OpAdd   = "add"
	OpReset = "reset"
)

// Record is one message on the issue topic. "add" appends Issue; "reset"
// replaces the whole list with Issues, which may be empty.
type Record struct {
	Op     string         `json:"op"`
	Issue  *issues.Issue  `json:"issue,omitempty"`
	Issues []issues.Issue `json:"issues,omitempty"`
}

// Sink is satisfied by *issues.MemorySource.
type Sink interface {
	Add(issue issues.Issue)
	Set(list []issues.Issue)
}

var retryDelay = 500 * time.Millisecond

func Apply(sink Sink, rec Record) error {
	switch rec.Op {
	case OpAdd:
		if rec.Issue == nil {
			return fmt.Errorf("add record without issue")
		}
		sink.Add(*rec.Issue)
	case OpReset:
		sink.Set(rec.Issues)
	default:
		return fmt.Errorf("unknown op %q", rec.Op)
	}
	return nil
}

// Run applies records from c to sink until ctx is cancelled. Read errors are
// retried; undecodable records are logged and skipped.
func Run(ctx context.Context, c Consumer, sink Sink, log logging.Logger) {
	if log == nil {
		log = logging.Nop{}
	}
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("issue bus read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}
		var rec Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			log.Error("issue bus decode failed", "error", err)
			continue
		}
		if err := Apply(sink, rec); err != nil {
			log.Error("issue bus record rejected", "error", err)
		}
	}
}
