//go:build mcpsdk

package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wilhg/mcpbridge/pkg/errmodel"
)

// SDKSession is an alternate session backed by the official MCP Go SDK.
// It satisfies the same surface the bridge consumes (ListTools/Call/Close)
// and is selected with the mcpsdk build tag.
type SDKSession struct {
	endpoint string
	token    string
	client   *sdk.Client
	cs       *sdk.ClientSession
}

// NewSDKSession creates a disconnected SDK-backed session.
func NewSDKSession(endpoint, token string) *SDKSession {
	return &SDKSession{endpoint: endpoint, token: token}
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	return t.base.RoundTrip(req)
}

// Connect dials the endpoint over the SDK's streamable HTTP transport.
func (s *SDKSession) Connect(ctx context.Context) error {
	s.client = sdk.NewClient(&sdk.Implementation{Name: "mcpbridge", Version: "1.0"}, nil)
	transport := &sdk.StreamableClientTransport{
		Endpoint:   s.endpoint,
		HTTPClient: &http.Client{Transport: bearerTransport{token: s.token, base: http.DefaultTransport}},
	}
	cs, err := s.client.Connect(ctx, transport, nil)
	if err != nil {
		return errmodel.Connection("handshake_failed", "sdk connect failed", map[string]any{"endpoint": s.endpoint}, err)
	}
	s.cs = cs
	return nil
}

// ListTools returns the ordered catalog, with each SDK schema re-serialized
// to the raw bytes the translator consumes.
func (s *SDKSession) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if s.cs == nil {
		return nil, errmodel.Connection("not_ready", "session not connected", nil)
	}
	res, err := s.cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		return nil, errmodel.Protocol("list_failed", "catalog request failed", nil, err)
	}
	out := make([]ToolDescriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		out = append(out, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: marshalSchema(t.InputSchema),
		})
	}
	return out, nil
}

// Call invokes one tool and returns the raw result payload.
func (s *SDKSession) Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if s.cs == nil {
		return nil, errmodel.Connection("not_ready", "session not connected", nil)
	}
	res, err := s.cs.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, errmodel.Transport("round_trip", "tool call failed", map[string]any{"tool": name}, err)
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, errmodel.Protocol("bad_call_result", "cannot re-encode tool result", nil, err)
	}
	return raw, nil
}

// Close terminates the SDK session.
func (s *SDKSession) Close() error {
	if s.cs == nil {
		return nil
	}
	return s.cs.Close()
}

func marshalSchema(sc *jsonschema.Schema) json.RawMessage {
	if sc == nil {
		return nil
	}
	b, err := json.Marshal(sc)
	if err != nil {
		return nil
	}
	return b
}
