package mcp

import (
	"encoding/json"

	"github.com/wilhg/mcpbridge/pkg/errmodel"
)

// MCP method names used by the session.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodListTools   = "tools/list"
	methodCallTool    = "tools/call"
)

// protocolVersion is the MCP revision this client speaks.
const protocolVersion = "2025-03-26"

// sessionIDHeader carries the server-assigned session id on streamable HTTP.
const sessionIDHeader = "Mcp-Session-Id"

// ToolDescriptor is the immutable, schema-backed definition of one remote tool.
// InputSchema holds the raw JSON Schema bytes exactly as the server declared them.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      clientInfo `json:"serverInfo"`
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type listToolsResult struct {
	Tools      []ToolDescriptor `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentBlock is one element of a tool result's content list.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult is the decoded shape of a tools/call result payload.
type CallResult struct {
	Content           []ContentBlock  `json:"content,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// DecodeCallResult parses a raw tools/call result.
func DecodeCallResult(raw json.RawMessage) (*CallResult, error) {
	var res CallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errmodel.Protocol("bad_call_result", "cannot decode tool result", nil, err)
	}
	return &res, nil
}

// Text returns the first text content block, or the JSON rendering of all
// content when no text block exists.
func (r *CallResult) Text() string {
	for _, c := range r.Content {
		if c.Type == "text" {
			return c.Text
		}
	}
	if len(r.Content) == 0 {
		return ""
	}
	b, _ := json.MarshalIndent(r.Content, "", "  ")
	return string(b)
}
