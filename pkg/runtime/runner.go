// Package runtime drives bounded agent runs: it presents the tool registry
// to a decision engine, executes the tool calls the engine asks for, and
// stops on a final answer or the iteration cap. Every step is journaled
// when a journal is configured.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/mcpbridge/pkg/adapters/engine"
	"github.com/wilhg/mcpbridge/pkg/bridge"
	"github.com/wilhg/mcpbridge/pkg/errmodel"
	"github.com/wilhg/mcpbridge/pkg/journal"
)

const defaultMaxTurns = 8

// Runner coordinates one engine and one tool registry.
type Runner struct {
	registry *bridge.Registry
	eng      engine.Engine
	jrnl     journal.Journal
	log      zerolog.Logger

	maxTurns int
	estimate TokenEstimator
	budget   int
}

// RunnerOption configures the Runner at construction time.
type RunnerOption func(*Runner)

// WithJournal enables run journaling. A journal append failure is logged,
// never fatal to the run.
func WithJournal(j journal.Journal) RunnerOption {
	return func(r *Runner) { r.jrnl = j }
}

// WithLogger sets the runner's logger.
func WithLogger(l zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.log = l }
}

// WithMaxTurns caps the number of engine turns per run. At most that many
// tool invocations are issued. Values <= 0 keep the default.
func WithMaxTurns(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxTurns = n
		}
	}
}

// WithTranscriptBudget bounds the transcript handed to the engine to a token
// budget. The user query is always kept; oldest turns are dropped first.
func WithTranscriptBudget(estimate TokenEstimator, tokens int) RunnerOption {
	return func(r *Runner) {
		if estimate != nil && tokens > 0 {
			r.estimate = estimate
			r.budget = tokens
		}
	}
}

// NewRunner constructs a Runner over a built registry and an engine.
func NewRunner(reg *bridge.Registry, eng engine.Engine, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: reg,
		eng:      eng,
		log:      zerolog.Nop(),
		maxTurns: defaultMaxTurns,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one bounded run for a user query and returns the engine's
// final answer. It returns an error when the engine fails, when the
// transport is lost, or when the turn cap is reached without an answer.
func (r *Runner) Run(ctx context.Context, query string) (string, error) {
	if query == "" {
		return "", errors.New("query is empty")
	}
	runID := uuid.NewString()
	tr := otel.Tracer("runtime/runner")
	ctx, span := tr.Start(ctx, "Runner.Run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("engine.name", r.eng.Name()),
		attribute.Int("tools.count", r.registry.Len()),
	))
	defer span.End()

	r.record(ctx, runID, journal.KindQuery, "", map[string]any{"query": query})

	specs := make([]engine.ToolSpec, 0, r.registry.Len())
	for _, t := range r.registry.Tools() {
		desc := t.Describe()
		specs = append(specs, engine.ToolSpec{
			Name:        desc.Name,
			Description: desc.Description,
			Parameters:  desc.InputSchema,
		})
	}

	transcript := []engine.Turn{{Role: "user", Content: query}}
	for turn := 1; turn <= r.maxTurns; turn++ {
		answer, done, err := r.step(ctx, tr, runID, turn, specs, &transcript)
		if err != nil {
			span.RecordError(err)
			r.record(ctx, runID, journal.KindRunError, "", map[string]any{"error": err.Error()})
			return "", err
		}
		if done {
			r.record(ctx, runID, journal.KindFinalAnswer, "", map[string]any{"answer": answer})
			return answer, nil
		}
	}

	err := errmodel.IterationLimit("turns_exhausted",
		fmt.Sprintf("no final answer after %d turns", r.maxTurns),
		map[string]any{"max_turns": r.maxTurns})
	span.RecordError(err)
	r.record(ctx, runID, journal.KindRunError, "", map[string]any{"error": err.Error()})
	return "", err
}

// step executes one engine turn: a decision, and at most one invocation.
func (r *Runner) step(ctx context.Context, tr trace.Tracer, runID string, turn int, specs []engine.ToolSpec, transcript *[]engine.Turn) (string, bool, error) {
	ctx, span := tr.Start(ctx, "Runner.Turn", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("turn", turn),
	))
	defer span.End()

	d, err := r.eng.Decide(ctx, specs, trimTranscript(*transcript, r.estimate, r.budget))
	if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("engine decide: %w", err)
	}
	if d.Final {
		return d.Answer, true, nil
	}
	span.SetAttributes(attribute.String("tool.name", d.Tool))

	argsJSON, _ := json.Marshal(d.Args)
	r.record(ctx, runID, journal.KindToolCall, d.Tool, d.Args)

	res := r.registry.Invoke(ctx, d.Tool, d.Args)
	r.record(ctx, runID, journal.KindToolResult, d.Tool, res)
	if !res.OK {
		r.log.Warn().Str("run_id", runID).Str("tool", d.Tool).
			Str("kind", res.Err.Kind).Str("code", res.Err.Code).
			Msg("tool invocation failed")
	}

	resJSON, _ := json.Marshal(res)
	*transcript = append(*transcript,
		engine.Turn{Role: "assistant", Tool: d.Tool, CallID: d.CallID, Content: string(argsJSON)},
		engine.Turn{Role: "tool", Tool: d.Tool, CallID: d.CallID, Content: string(resJSON)},
	)

	// A lost transport ends the run; every other failure goes back to the
	// engine as data.
	if !res.OK && res.Err != nil && res.Err.Kind == errmodel.KindConnection {
		span.RecordError(res.Err)
		return "", false, res.Err
	}
	return "", false, nil
}

func (r *Runner) record(ctx context.Context, runID, kind, tool string, payload any) {
	if r.jrnl == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			r.log.Warn().Err(err).Str("run_id", runID).Str("kind", kind).Msg("journal payload marshal failed")
			return
		}
		raw = b
	}
	if _, err := r.jrnl.Append(ctx, journal.Record{RunID: runID, Kind: kind, Tool: tool, Payload: raw}); err != nil {
		r.log.Warn().Err(err).Str("run_id", runID).Str("kind", kind).Msg("journal append failed")
	}
}
