// Package engine defines the decision-making interface the orchestrator
// drives: given the available tools and the conversation so far, an Engine
// either answers the user or asks for one tool invocation.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ToolSpec advertises one callable tool to the engine. Parameters is the
// JSON Schema of the arguments object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Turn is one entry of the run transcript. Roles are "user", "assistant"
// and "tool". An assistant turn with Tool set is a tool request (Content
// holds the argument JSON); a tool turn carries the invocation result and
// echoes the CallID of the request it answers.
type Turn struct {
	Role    string
	Content string
	Tool    string
	CallID  string
}

// Decision is the engine's next step: either a final answer or a single
// tool call. CallID is the provider's correlation id for the call, empty
// when the provider does not issue one.
type Decision struct {
	Final  bool
	Answer string
	Tool   string
	CallID string
	Args   map[string]any
}

// Engine decides the next step of a run.
type Engine interface {
	// Name returns the provider name (e.g., "openai").
	Name() string
	// Decide returns a final answer or one tool call given the tools and
	// the transcript so far.
	Decide(ctx context.Context, tools []ToolSpec, transcript []Turn) (Decision, error)
}

// Factory constructs an Engine from provider-specific config.
type Factory func(ctx context.Context, cfg map[string]any) (Engine, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers an Engine factory under a provider name.
func Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("engine: empty provider name")
	}
	if f == nil {
		return fmt.Errorf("engine: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("engine: provider %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Resolve gets a registered factory by name.
func Resolve(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Range iterates all registered factories.
func Range(fn func(name string, f Factory)) {
	regMu.RLock()
	defer regMu.RUnlock()
	for n, f := range factories {
		fn(n, f)
	}
}
