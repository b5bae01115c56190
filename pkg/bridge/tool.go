// Package bridge exposes remote MCP tools behind a uniform invocation
// contract. Each adapter pairs one tool descriptor with its translated
// parameter contract and a shared transport session; the registry builds one
// adapter per discovered tool and is the orchestrator's action set.
package bridge

import (
	"context"
	"encoding/json"

	"github.com/wilhg/mcpbridge/pkg/contract"
	"github.com/wilhg/mcpbridge/pkg/errmodel"
	"github.com/wilhg/mcpbridge/pkg/mcp"
)

// Session is the transport surface adapters dispatch through. The concrete
// session is shared, read-mostly infrastructure; no adapter owns it.
type Session interface {
	ListTools(ctx context.Context) ([]mcp.ToolDescriptor, error)
	Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Result is the outcome of one invocation. All failure paths are represented
// here as data, never as a raised error, so the reasoning loop can react to a
// failure the same way it reacts to a payload.
type Result struct {
	OK    bool            `json:"ok"`
	Value any             `json:"value,omitempty"`
	Err   *errmodel.Error `json:"error,omitempty"`
}

// failure builds an error result.
func failure(err error) Result {
	return Result{OK: false, Err: errmodel.From(err)}
}

// Tool is one callable unit: a name, a description, and an invocation that
// validates arguments against the tool's contract before dispatch.
type Tool interface {
	// Describe returns the immutable remote descriptor.
	Describe() mcp.ToolDescriptor
	// Contract returns the parameter contract derived from the descriptor.
	Contract() *contract.Contract
	// Invoke validates args, dispatches over the session, and maps the raw
	// response into a Result. It never returns a Go error.
	Invoke(ctx context.Context, args map[string]any) Result
}
