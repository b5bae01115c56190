// Package eval scores recorded runs offline. Fixtures name a journaled run
// and the outcome it should have had; the evaluator replays the journal and
// checks expectations without touching the MCP server or an engine.
package eval

import (
	"context"
	"encoding/json"

	"github.com/wilhg/mcpbridge/pkg/journal"
)

// RunOutcome is a journaled run reduced to its observable result.
type RunOutcome struct {
	RunID  string   `json:"run_id"`
	Query  string   `json:"query"`
	Tools  []string `json:"tools"` // tool_call order
	Answer string   `json:"answer"`
	Error  string   `json:"error"`
}

// LoadOutcome replays a run's journal records into an outcome.
func LoadOutcome(ctx context.Context, j journal.Journal, runID string) (RunOutcome, error) {
	records, err := j.List(ctx, runID, 0, 0)
	if err != nil {
		return RunOutcome{}, err
	}
	out := RunOutcome{RunID: runID}
	for _, r := range records {
		switch r.Kind {
		case journal.KindQuery:
			out.Query = payloadField(r.Payload, "query")
		case journal.KindToolCall:
			out.Tools = append(out.Tools, r.Tool)
		case journal.KindFinalAnswer:
			out.Answer = payloadField(r.Payload, "answer")
		case journal.KindRunError:
			out.Error = payloadField(r.Payload, "error")
		}
	}
	return out, nil
}

func payloadField(raw json.RawMessage, key string) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
