package runtime

import (
	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/wilhg/mcpbridge/pkg/adapters/engine"
)

// TokenEstimator estimates token usage of text content.
type TokenEstimator func(text string) int

// NewTikTokenEstimator returns a TokenEstimator backed by tiktoken-go for the
// given model. Common models: "gpt-4", "gpt-4o". If the model is unknown,
// EncodingForModel returns an error.
func NewTikTokenEstimator(model string) (TokenEstimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, err
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, nil
}

// trimTranscript bounds a transcript to a token budget. The first turn (the
// user query) is always kept; after that, newest turns are kept first and
// older ones dropped. A tool-result turn and the assistant turn that
// requested it are kept or dropped together so the transcript never shows an
// answer without its request.
func trimTranscript(turns []engine.Turn, estimate TokenEstimator, budget int) []engine.Turn {
	if estimate == nil || budget <= 0 || len(turns) <= 1 {
		return turns
	}
	remaining := budget - estimate(turns[0].Content)

	// Group the tail into blocks: a tool turn binds to the assistant turn
	// that issued the call.
	type block struct {
		start, end int // [start, end] inclusive
		cost       int
	}
	var blocks []block
	for i := len(turns) - 1; i >= 1; {
		b := block{start: i, end: i, cost: estimate(turns[i].Content)}
		if turns[i].Role == "tool" && i-1 >= 1 && turns[i-1].Role == "assistant" && turns[i-1].Tool != "" {
			b.start = i - 1
			b.cost += estimate(turns[i-1].Content)
		}
		blocks = append(blocks, b)
		i = b.start - 1
	}

	// blocks is newest-first; keep while they fit, then stop.
	keepFrom := len(turns)
	for _, b := range blocks {
		if b.cost > remaining {
			break
		}
		remaining -= b.cost
		keepFrom = b.start
	}

	if keepFrom >= len(turns) {
		return turns[:1]
	}
	out := make([]engine.Turn, 0, 1+len(turns)-keepFrom)
	out = append(out, turns[0])
	out = append(out, turns[keepFrom:]...)
	return out
}
