// Package journal records orchestrator runs as an append-only, per-run
// sequenced log: the user query, every tool call and result, and the final
// answer or failure. The log is an audit artifact; the bridge itself never
// reads a past InvocationResult back.
package journal

import (
	"context"
	"encoding/json"
	"time"
)

// Record kinds.
const (
	KindQuery       = "query"
	KindToolCall    = "tool_call"
	KindToolResult  = "tool_result"
	KindFinalAnswer = "final_answer"
	KindRunError    = "run_error"
)

// Record is one journal entry. Seq is assigned per run on append, starting
// at 1.
type Record struct {
	RunID     string
	Seq       int64
	Kind      string
	Tool      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Journal is the append-only run log.
type Journal interface {
	// Append stores the record and returns it with its assigned Seq.
	Append(ctx context.Context, r Record) (Record, error)
	// List returns records for a run with Seq greater than afterSeq, in
	// ascending Seq order, at most limit entries (0 means no limit).
	List(ctx context.Context, runID string, afterSeq int64, limit int) ([]Record, error)
	// LastSeq returns the highest Seq for a run, 0 when the run is unknown.
	LastSeq(ctx context.Context, runID string) (int64, error)
	Close() error
}
