// Package mcp implements a client session for the Model Context Protocol over
// streamable HTTP. The session is the only component that performs network
// I/O: it handles the initialize handshake, bearer authentication, tool
// catalog discovery, and per-call request/response correlation.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/mcpbridge/pkg/errmodel"
)

// State is the lifecycle state of a Session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Ready
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// AuthStyle selects how the bearer token is attached to requests.
type AuthStyle int

const (
	// AuthHeader sends the token as an Authorization: Bearer header.
	AuthHeader AuthStyle = iota
	// AuthQuery appends the token as an access_token query parameter.
	AuthQuery
)

// consecutiveFailureLimit is the number of failed round trips after which the
// session downgrades to Degraded and starts a background reconnect.
const consecutiveFailureLimit = 3

// Session owns one logical connection to a remote MCP endpoint.
// It is safe for concurrent use by independent orchestrator runs: each call
// is one correlated request/response exchange, never a serialized session.
type Session struct {
	endpoint  string
	token     string
	authStyle AuthStyle
	client    *http.Client
	log       zerolog.Logger

	callTimeout   time.Duration
	reconnectWait time.Duration

	state     atomic.Int32
	failures  atomic.Int32
	nextID    atomic.Int64
	sessionID atomic.Pointer[string]
	catalog   atomic.Pointer[[]ToolDescriptor]

	pendingMu sync.Mutex
	pending   map[int64]chan *rpcResponse

	reconnectMu sync.Mutex
	reconnectCh chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithToken sets the bearer token used for authentication.
func WithToken(token string) Option {
	return func(s *Session) { s.token = token }
}

// WithAuthStyle selects header or query-parameter token placement.
func WithAuthStyle(style AuthStyle) Option {
	return func(s *Session) { s.authStyle = style }
}

// WithHTTPClient overrides the HTTP client (used by tests).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		if c != nil {
			s.client = c
		}
	}
}

// WithCallTimeout bounds each call round trip. Defaults to 30s.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithReconnectWait bounds how long a Degraded call waits on the in-flight
// reconnect before failing with a connection error. Defaults to 10s.
func WithReconnectWait(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.reconnectWait = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// NewSession creates a disconnected session for the given endpoint URL.
func NewSession(endpoint string, opts ...Option) *Session {
	s := &Session{
		endpoint: endpoint,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log:           zerolog.New(os.Stderr).With().Timestamp().Str("component", "mcp.session").Logger(),
		callTimeout:   30 * time.Second,
		reconnectWait: 10 * time.Second,
		pending:       map[int64]chan *rpcResponse{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(int32(Disconnected))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Connect performs the initialize handshake and transitions
// Disconnected -> Connecting -> Ready.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() == Closed {
		return errmodel.Connection("closed", "session is closed", nil)
	}
	s.state.Store(int32(Connecting))
	if err := s.handshake(ctx); err != nil {
		s.state.Store(int32(Disconnected))
		return err
	}
	s.failures.Store(0)
	s.state.Store(int32(Ready))
	s.log.Info().Str("endpoint", s.endpoint).Msg("session ready")
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "mcpbridge", Version: "1.0"},
	}
	raw, err := s.roundTrip(ctx, methodInitialize, params)
	if err != nil {
		return errmodel.Connection("handshake_failed", "initialize round trip failed", map[string]any{"endpoint": s.endpoint}, err)
	}
	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return errmodel.Connection("bad_handshake", "cannot decode initialize result", nil, err)
	}
	if err := s.notify(ctx, methodInitialized); err != nil {
		return errmodel.Connection("handshake_failed", "initialized notification failed", nil, err)
	}
	return nil
}

// ListTools queries the remote catalog and returns the ordered descriptor
// sequence. It requires a Ready session, follows cursor pagination, and
// replaces the session-held catalog wholesale on success.
func (s *Session) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if st := s.State(); st != Ready {
		return nil, errmodel.Connection("not_ready", "session not ready for discovery", map[string]any{"state": st.String()})
	}
	var (
		out    []ToolDescriptor
		cursor string
		seen   = map[string]bool{}
	)
	for {
		raw, err := s.roundTrip(ctx, methodListTools, listToolsParams{Cursor: cursor})
		if err != nil {
			if errmodel.IsKind(err, errmodel.KindRemote) {
				return nil, errmodel.Protocol("list_failed", "catalog endpoint returned an error", nil, err)
			}
			return nil, err
		}
		var page listToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, errmodel.Protocol("bad_catalog", "cannot decode tool catalog", nil, err)
		}
		for _, t := range page.Tools {
			if t.Name == "" {
				return nil, errmodel.Protocol("bad_catalog", "tool with empty name in catalog", nil)
			}
			if seen[t.Name] {
				return nil, errmodel.Protocol("duplicate_tool", "duplicate tool name in catalog", map[string]any{"tool": t.Name})
			}
			seen[t.Name] = true
			out = append(out, t)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	snapshot := make([]ToolDescriptor, len(out))
	copy(snapshot, out)
	s.catalog.Store(&snapshot)
	s.log.Debug().Int("tools", len(out)).Msg("catalog refreshed")
	return out, nil
}

// Catalog returns the most recently discovered descriptor sequence.
// The returned slice is a read-only snapshot.
func (s *Session) Catalog() []ToolDescriptor {
	if p := s.catalog.Load(); p != nil {
		return *p
	}
	return nil
}

// Call invokes one remote tool and returns the raw result payload for the
// caller to interpret. It requires Ready, or Degraded with an in-flight
// reconnect that completes within the bounded wait.
func (s *Session) Call(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	switch s.State() {
	case Ready:
	case Degraded:
		if err := s.awaitReconnect(ctx); err != nil {
			return nil, err
		}
	case Closed:
		return nil, errmodel.Connection("closed", "session is closed", nil)
	default:
		return nil, errmodel.Connection("not_ready", "session not connected", map[string]any{"state": s.State().String()})
	}

	raw, err := s.roundTrip(ctx, methodCallTool, callToolParams{Name: name, Arguments: args})
	if err != nil {
		if errmodel.Retryable(err) {
			if n := s.failures.Add(1); n >= consecutiveFailureLimit {
				s.degrade()
			}
		}
		return nil, err
	}
	s.failures.Store(0)
	return raw, nil
}

// Close releases transport resources. It is idempotent and terminal.
func (s *Session) Close() error {
	s.state.Store(int32(Closed))
	s.client.CloseIdleConnections()
	return nil
}

// degrade transitions the session to Degraded and starts a single-flight
// background reconnect attempt.
func (s *Session) degrade() {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()
	if s.State() == Closed {
		return
	}
	s.state.Store(int32(Degraded))
	if s.reconnectCh != nil {
		return
	}
	done := make(chan struct{})
	s.reconnectCh = done
	s.log.Warn().Int32("failures", s.failures.Load()).Msg("session degraded; reconnecting")
	go func() {
		defer func() {
			s.reconnectMu.Lock()
			s.reconnectCh = nil
			s.reconnectMu.Unlock()
			close(done)
		}()
		ctx, cancel := context.WithTimeout(context.Background(), s.reconnectWait)
		defer cancel()
		if err := s.handshake(ctx); err != nil {
			s.log.Error().Err(err).Msg("reconnect failed")
			return
		}
		if s.State() == Degraded {
			s.failures.Store(0)
			s.state.Store(int32(Ready))
			s.log.Info().Msg("session recovered")
		}
	}()
}

// awaitReconnect blocks a Degraded caller until the in-flight reconnect
// finishes, bounded by the reconnect wait.
func (s *Session) awaitReconnect(ctx context.Context) error {
	s.reconnectMu.Lock()
	ch := s.reconnectCh
	s.reconnectMu.Unlock()
	if ch == nil {
		// No attempt in flight; start one.
		s.degrade()
		s.reconnectMu.Lock()
		ch = s.reconnectCh
		s.reconnectMu.Unlock()
	}
	if ch != nil {
		select {
		case <-ch:
		case <-time.After(s.reconnectWait):
			return errmodel.Connection("reconnect_wait", "reconnect did not complete in time", nil)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errmodel.Timeout("deadline", "call deadline expired while awaiting reconnect", nil)
			}
			return errmodel.Connection("canceled", "caller canceled while awaiting reconnect", nil)
		}
	}
	if s.State() != Ready {
		return errmodel.Connection("reconnect_failed", "session could not be re-established", nil)
	}
	return nil
}

// roundTrip performs one correlated JSON-RPC exchange. The pending entry for
// the call id is always removed on exit, so an abandoned call never leaks its
// correlation slot; any late response for that id is discarded.
func (s *Session) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, errmodel.Transport("encode", "cannot encode request", nil, err)
	}
	resp, err := s.post(ctx, body)
	if err != nil {
		return nil, classifyTransport(ctx, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if v := resp.Header.Get(sessionIDHeader); v != "" {
		s.sessionID.Store(&v)
	}
	if resp.StatusCode >= 400 {
		return nil, errmodel.Transport("http_status", fmt.Sprintf("endpoint returned status %d", resp.StatusCode),
			map[string]any{"method": method, "status": resp.StatusCode})
	}

	if err := s.dispatchBody(resp); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		if r.Error != nil {
			return nil, errmodel.Remote("rpc_error", r.Error.Message, map[string]any{"code": r.Error.Code, "method": method})
		}
		return r.Result, nil
	case <-ctx.Done():
		return nil, classifyTransport(ctx, method, ctx.Err())
	}
}

// notify sends a fire-and-forget JSON-RPC notification.
func (s *Session) notify(ctx context.Context, method string) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	resp, err := s.post(ctx, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification %s: status %d", method, resp.StatusCode)
	}
	return nil
}

func (s *Session) post(ctx context.Context, body []byte) (*http.Response, error) {
	target := s.endpoint
	if s.token != "" && s.authStyle == AuthQuery {
		u, err := url.Parse(target)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("access_token", s.token)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("MCP-Protocol-Version", protocolVersion)
	if s.token != "" && s.authStyle == AuthHeader {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if sid := s.sessionID.Load(); sid != nil {
		req.Header.Set(sessionIDHeader, *sid)
	}
	return s.client.Do(req)
}

// dispatchBody decodes the response body, which is either a single JSON
// message or an SSE stream of them, and delivers each message to the pending
// channel its id correlates with. Messages with no waiting caller are dropped.
func (s *Session) dispatchBody(resp *http.Response) error {
	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch ct {
	case "text/event-stream":
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			var msg rpcResponse
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				continue
			}
			s.deliver(&msg)
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
			return errmodel.Transport("stream", "event stream read failed", nil, err)
		}
		return nil
	default:
		var msg rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			return errmodel.Protocol("bad_payload", "cannot decode response", nil, err)
		}
		s.deliver(&msg)
		return nil
	}
}

func (s *Session) deliver(msg *rpcResponse) {
	if msg.ID == 0 && msg.Result == nil && msg.Error == nil {
		return
	}
	s.pendingMu.Lock()
	ch, ok := s.pending[msg.ID]
	s.pendingMu.Unlock()
	if !ok {
		s.log.Debug().Int64("id", msg.ID).Msg("discarding late or unsolicited response")
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func classifyTransport(ctx context.Context, method string, err error) *errmodel.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errmodel.Timeout("deadline", "call exceeded its deadline", map[string]any{"method": method})
	}
	// A caller cancel is deliberate, not a transient fault: it must not be
	// retryable and must not count toward degrading the session.
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return errmodel.Connection("canceled", "call canceled by caller", map[string]any{"method": method})
	}
	return errmodel.Transport("round_trip", "request failed", map[string]any{"method": method}, err)
}
