package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/wilhg/mcpbridge/pkg/errmodel"
)

// stubServer is a minimal in-memory MCP endpoint speaking JSON-RPC over HTTP.
type stubServer struct {
	mu        sync.Mutex
	calls     int
	failCalls int  // fail this many tools/call round trips with 503
	failInit  bool // reject initialize
	sse       bool // answer with an event stream instead of plain JSON
	tools     []ToolDescriptor
	onCall    func(name string, args map[string]any) (any, *rpcError)
	lastAuth  string
	lastQuery string
}

func (st *stubServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st.mu.Lock()
		st.lastAuth = r.Header.Get("Authorization")
		st.lastQuery = r.URL.Query().Get("access_token")
		st.mu.Unlock()

		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Method {
		case methodInitialize:
			st.mu.Lock()
			fail := st.failInit
			st.mu.Unlock()
			if fail {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			st.reply(w, req.ID, initializeResult{ProtocolVersion: protocolVersion, ServerInfo: clientInfo{Name: "stub", Version: "0"}})
		case methodInitialized:
			w.WriteHeader(http.StatusAccepted)
		case methodListTools:
			st.mu.Lock()
			tools := st.tools
			st.mu.Unlock()
			st.reply(w, req.ID, listToolsResult{Tools: tools})
		case methodCallTool:
			st.mu.Lock()
			st.calls++
			shouldFail := st.failCalls > 0
			if shouldFail {
				st.failCalls--
			}
			st.mu.Unlock()
			if shouldFail {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			b, _ := json.Marshal(req.Params)
			var params callToolParams
			_ = json.Unmarshal(b, &params)
			result, rerr := st.onCall(params.Name, params.Arguments)
			if rerr != nil {
				st.replyError(w, req.ID, rerr)
				return
			}
			st.reply(w, req.ID, result)
		default:
			st.replyError(w, req.ID, &rpcError{Code: -32601, Message: "method not found"})
		}
	}
}

func (st *stubServer) reply(w http.ResponseWriter, id int64, result any) {
	raw, _ := json.Marshal(result)
	msg, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: id, Result: raw})
	st.mu.Lock()
	sse := st.sse
	st.mu.Unlock()
	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(msg)
}

func (st *stubServer) replyError(w http.ResponseWriter, id int64, rerr *rpcError) {
	msg, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: id, Error: rerr})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(msg)
}

func echoStub() *stubServer {
	return &stubServer{
		tools: []ToolDescriptor{
			{Name: "echo", Description: "echoes arguments", InputSchema: json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`)},
			{Name: "lookup_bug", Description: "looks up a bug", InputSchema: json.RawMessage(`{"type":"object","properties":{"bug_id":{"type":"string"}},"required":["bug_id"]}`)},
		},
		onCall: func(name string, args map[string]any) (any, *rpcError) {
			return CallResult{Content: []ContentBlock{{Type: "text", Text: "ok"}}, StructuredContent: mustJSON(args)}, nil
		},
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func newReadySession(t *testing.T, st *stubServer, opts ...Option) *Session {
	t.Helper()
	srv := httptest.NewServer(st.handler())
	t.Cleanup(srv.Close)
	s := NewSession(srv.URL, opts...)
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func TestConnect_Lifecycle(t *testing.T) {
	st := echoStub()
	s := newReadySession(t, st)
	if s.State() != Ready {
		t.Fatalf("state=%s want ready", s.State())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.State() != Closed {
		t.Fatalf("state=%s want closed", s.State())
	}
	// Closed is terminal.
	if err := s.Connect(t.Context()); err == nil || !errmodel.IsKind(err, errmodel.KindConnection) {
		t.Fatalf("connect on closed session: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close must be idempotent: %v", err)
	}
}

func TestConnect_Failure(t *testing.T) {
	st := echoStub()
	st.failInit = true
	srv := httptest.NewServer(st.handler())
	t.Cleanup(srv.Close)
	s := NewSession(srv.URL)
	err := s.Connect(t.Context())
	if !errmodel.IsKind(err, errmodel.KindConnection) {
		t.Fatalf("want connection error, got %v", err)
	}
	if s.State() != Disconnected {
		t.Fatalf("state=%s want disconnected", s.State())
	}
}

func TestListTools_Idempotent(t *testing.T) {
	s := newReadySession(t, echoStub())
	first, err := s.ListTools(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.ListTools(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("catalog not stable across refreshes:\n%v\n%v", first, second)
	}
	if len(first) != 2 || first[0].Name != "echo" || first[1].Name != "lookup_bug" {
		t.Fatalf("unexpected catalog order: %v", first)
	}
	if got := s.Catalog(); !reflect.DeepEqual(got, second) {
		t.Fatalf("session catalog snapshot mismatch: %v", got)
	}
}

func TestListTools_RequiresReady(t *testing.T) {
	srv := httptest.NewServer(echoStub().handler())
	t.Cleanup(srv.Close)
	s := NewSession(srv.URL)
	if _, err := s.ListTools(t.Context()); !errmodel.IsKind(err, errmodel.KindConnection) {
		t.Fatalf("want connection error before handshake, got %v", err)
	}
}

func TestListTools_DuplicateName(t *testing.T) {
	st := echoStub()
	st.tools = append(st.tools, ToolDescriptor{Name: "echo"})
	s := newReadySession(t, st)
	if _, err := s.ListTools(t.Context()); !errmodel.IsKind(err, errmodel.KindProtocol) {
		t.Fatalf("want protocol error on duplicate, got %v", err)
	}
}

func TestCall_EchoRoundTrip(t *testing.T) {
	s := newReadySession(t, echoStub())
	raw, err := s.Call(t.Context(), "echo", map[string]any{"msg": "hello"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := DecodeCallResult(raw)
	if err != nil {
		t.Fatal(err)
	}
	var echoed map[string]any
	if err := json.Unmarshal(res.StructuredContent, &echoed); err != nil {
		t.Fatal(err)
	}
	if echoed["msg"] != "hello" {
		t.Fatalf("echoed=%v", echoed)
	}
}

func TestCall_SSEResponse(t *testing.T) {
	st := echoStub()
	st.sse = true
	s := newReadySession(t, st)
	raw, err := s.Call(t.Context(), "echo", map[string]any{"msg": "streamed"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := DecodeCallResult(raw)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text() != "ok" {
		t.Fatalf("text=%q", res.Text())
	}
}

func TestCall_RemoteRPCError(t *testing.T) {
	st := echoStub()
	st.onCall = func(string, map[string]any) (any, *rpcError) {
		return nil, &rpcError{Code: -32000, Message: "kaboom"}
	}
	s := newReadySession(t, st)
	_, err := s.Call(t.Context(), "echo", map[string]any{"msg": "x"})
	if !errmodel.IsKind(err, errmodel.KindRemote) {
		t.Fatalf("want remote error, got %v", err)
	}
}

func TestCall_DegradeAndRecover(t *testing.T) {
	st := echoStub()
	st.failCalls = 3
	s := newReadySession(t, st, WithReconnectWait(2*time.Second))
	// Hold the handshake down so the degraded state is observable.
	st.mu.Lock()
	st.failInit = true
	st.mu.Unlock()

	for i := 0; i < 3; i++ {
		if _, err := s.Call(t.Context(), "echo", map[string]any{"msg": "x"}); !errmodel.Retryable(err) {
			t.Fatalf("call %d: want retryable error, got %v", i, err)
		}
	}
	if s.State() != Degraded {
		t.Fatalf("state=%s want degraded after three consecutive failures", s.State())
	}
	// The stub is healthy again; the call awaits the reconnect.
	st.mu.Lock()
	st.failInit = false
	st.mu.Unlock()
	raw, err := s.Call(t.Context(), "echo", map[string]any{"msg": "back"})
	if err != nil {
		t.Fatalf("call after recovery: %v", err)
	}
	if s.State() != Ready {
		t.Fatalf("state=%s want ready", s.State())
	}
	res, err := DecodeCallResult(raw)
	if err != nil {
		t.Fatal(err)
	}
	var echoed map[string]any
	_ = json.Unmarshal(res.StructuredContent, &echoed)
	if echoed["msg"] != "back" {
		t.Fatalf("echoed=%v", echoed)
	}
}

func TestCall_DegradedReconnectKeepsFailing(t *testing.T) {
	st := echoStub()
	st.failCalls = 3
	s := newReadySession(t, st, WithReconnectWait(150*time.Millisecond))
	// Break the handshake after the initial connect so the reconnect cannot succeed.
	st.mu.Lock()
	st.failInit = true
	st.mu.Unlock()

	for i := 0; i < 3; i++ {
		_, _ = s.Call(t.Context(), "echo", map[string]any{"msg": "x"})
	}
	if s.State() != Degraded {
		t.Fatalf("state=%s want degraded", s.State())
	}
	_, err := s.Call(t.Context(), "echo", map[string]any{"msg": "x"})
	if !errmodel.IsKind(err, errmodel.KindConnection) {
		t.Fatalf("want connection error after bounded wait, got %v", err)
	}
}

func TestCall_TimeoutRemovesPendingEntry(t *testing.T) {
	st := echoStub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Method {
		case methodInitialize:
			st.reply(w, req.ID, initializeResult{ProtocolVersion: protocolVersion})
		case methodInitialized:
			w.WriteHeader(http.StatusAccepted)
		case methodCallTool:
			time.Sleep(300 * time.Millisecond)
			http.Error(w, "too late", http.StatusServiceUnavailable)
		}
	}))
	t.Cleanup(srv.Close)
	s := NewSession(srv.URL, WithCallTimeout(100*time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Connect(t.Context()); err != nil {
		t.Fatal(err)
	}
	_, err := s.Call(t.Context(), "echo", map[string]any{"msg": "x"})
	if !errmodel.IsKind(err, errmodel.KindTimeout) {
		t.Fatalf("want timeout error, got %v", err)
	}
	s.pendingMu.Lock()
	n := len(s.pending)
	s.pendingMu.Unlock()
	if n != 0 {
		t.Fatalf("pending entries leaked: %d", n)
	}
}

func TestAuth_HeaderAndQuery(t *testing.T) {
	st := echoStub()
	s := newReadySession(t, st, WithToken("sekret"))
	_, _ = s.ListTools(t.Context())
	st.mu.Lock()
	auth := st.lastAuth
	st.mu.Unlock()
	if auth != "Bearer sekret" {
		t.Fatalf("auth header=%q", auth)
	}

	st2 := echoStub()
	s2 := newReadySession(t, st2, WithToken("sekret"), WithAuthStyle(AuthQuery))
	_, _ = s2.ListTools(t.Context())
	st2.mu.Lock()
	q := st2.lastQuery
	auth2 := st2.lastAuth
	st2.mu.Unlock()
	if q != "sekret" {
		t.Fatalf("query token=%q", q)
	}
	if auth2 != "" {
		t.Fatalf("unexpected auth header %q with query style", auth2)
	}
}

func TestConcurrentCalls(t *testing.T) {
	s := newReadySession(t, echoStub())
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := s.Call(t.Context(), "echo", map[string]any{"msg": fmt.Sprintf("m%d", i)})
			if err != nil {
				errs <- err
				return
			}
			res, err := DecodeCallResult(raw)
			if err != nil {
				errs <- err
				return
			}
			var echoed map[string]any
			_ = json.Unmarshal(res.StructuredContent, &echoed)
			if echoed["msg"] != fmt.Sprintf("m%d", i) {
				errs <- fmt.Errorf("cross-talk: got %v want m%d", echoed["msg"], i)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestCall_CancelIsNotRetryable(t *testing.T) {
	st := echoStub()
	st.onCall = func(name string, args map[string]any) (any, *rpcError) {
		time.Sleep(300 * time.Millisecond)
		return CallResult{}, nil
	}
	s := newReadySession(t, st)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := s.Call(ctx, "echo", map[string]any{"msg": "x"})
	if !errmodel.IsKind(err, errmodel.KindConnection) {
		t.Fatalf("want connection error for caller cancel, got %v", err)
	}
	if errmodel.Retryable(err) {
		t.Fatalf("caller cancel must not be retryable: %v", err)
	}
	// A deliberate cancel is not a transport fault and must not count
	// toward degrading the session.
	if s.State() != Ready {
		t.Fatalf("state=%s want ready", s.State())
	}
}

func TestCall_CancelWhileAwaitingReconnect(t *testing.T) {
	st := echoStub()
	var (
		mu    sync.Mutex
		inits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Method {
		case methodInitialize:
			mu.Lock()
			inits++
			reconnecting := inits > 1
			mu.Unlock()
			if reconnecting {
				// Keep the reconnect attempt in flight.
				time.Sleep(500 * time.Millisecond)
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			st.reply(w, req.ID, initializeResult{ProtocolVersion: protocolVersion})
		case methodInitialized:
			w.WriteHeader(http.StatusAccepted)
		case methodCallTool:
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}
	}))
	t.Cleanup(srv.Close)
	s := NewSession(srv.URL, WithReconnectWait(2*time.Second))
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Connect(t.Context()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		_, _ = s.Call(t.Context(), "echo", map[string]any{"msg": "x"})
	}
	if s.State() != Degraded {
		t.Fatalf("state=%s want degraded", s.State())
	}

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := s.Call(ctx, "echo", map[string]any{"msg": "x"})
	ce := errmodel.From(err)
	if ce == nil || ce.Kind != errmodel.KindConnection || ce.Code != "canceled" {
		t.Fatalf("want connection/canceled, got %v", err)
	}
	if errmodel.Retryable(err) {
		t.Fatalf("cancel while awaiting reconnect must not be retryable: %v", err)
	}
}
