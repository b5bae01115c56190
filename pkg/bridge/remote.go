package bridge

import (
	"context"
	"encoding/json"

	"github.com/wilhg/mcpbridge/pkg/contract"
	"github.com/wilhg/mcpbridge/pkg/errmodel"
	"github.com/wilhg/mcpbridge/pkg/mcp"
)

// RemoteTool adapts one remote MCP tool. It holds a reference to the
// descriptor, the contract derived from its schema, and the shared session.
type RemoteTool struct {
	desc     mcp.ToolDescriptor
	contract *contract.Contract
	session  Session
}

// NewRemoteTool builds an adapter by translating the descriptor's schema.
// Tools whose schemas fall outside the supported subset fail here.
func NewRemoteTool(desc mcp.ToolDescriptor, session Session) (*RemoteTool, error) {
	c, err := contract.Translate(desc.InputSchema)
	if err != nil {
		return nil, err
	}
	if desc.Description == "" {
		desc.Description = "MCP tool: " + desc.Name
	}
	return &RemoteTool{desc: desc, contract: c, session: session}, nil
}

// Describe returns the descriptor.
func (t *RemoteTool) Describe() mcp.ToolDescriptor { return t.desc }

// Contract returns the parameter contract.
func (t *RemoteTool) Contract() *contract.Contract { return t.contract }

// Validate checks and normalizes args without any network call.
func (t *RemoteTool) Validate(args map[string]any) (map[string]any, error) {
	return t.contract.Validate(args)
}

// Invoke runs validation, forwards the normalized arguments over the session,
// and maps the raw response into a Result. A validation failure short-circuits
// before any network I/O.
func (t *RemoteTool) Invoke(ctx context.Context, args map[string]any) Result {
	normalized, err := t.contract.Validate(args)
	if err != nil {
		return failure(err)
	}
	raw, err := t.session.Call(ctx, t.desc.Name, normalized)
	if err != nil {
		return failure(err)
	}
	res, err := mcp.DecodeCallResult(raw)
	if err != nil {
		return failure(err)
	}
	if res.IsError {
		return failure(errmodel.Remote("tool_failed", res.Text(), map[string]any{"tool": t.desc.Name}))
	}
	return Result{OK: true, Value: resultValue(res)}
}

// resultValue prefers structured content and falls back to the text
// rendering of the content blocks.
func resultValue(res *mcp.CallResult) any {
	if len(res.StructuredContent) > 0 {
		var v any
		if err := json.Unmarshal(res.StructuredContent, &v); err == nil {
			return v
		}
	}
	return res.Text()
}
