package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wilhg/mcpbridge/pkg/adapters/engine"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	if got := getEnv("FOO", "default"); got != "bar" {
		t.Fatalf("getEnv returned %q, want %q", got, "bar")
	}
	if got := getEnv("MISSING", "default"); got != "default" {
		t.Fatalf("getEnv returned %q, want %q", got, "default")
	}
}

// answerEngine replies with one tool call and then a final answer built from
// the tool result.
type answerEngine struct {
	lastResult string
}

func (e *answerEngine) Name() string { return "test" }

func (e *answerEngine) Decide(ctx context.Context, tools []engine.ToolSpec, transcript []engine.Turn) (engine.Decision, error) {
	last := transcript[len(transcript)-1]
	if last.Role == "tool" {
		e.lastResult = last.Content
		return engine.Decision{Final: true, Answer: "looked it up"}, nil
	}
	return engine.Decision{Tool: "lookup_bug", Args: map[string]any{"bug_id": "CSCab12345"}}, nil
}

func newStubMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	reply := func(w http.ResponseWriter, id int64, result any) {
		raw, _ := json.Marshal(result)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": id, "result": json.RawMessage(raw),
		})
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch req.Method {
		case "initialize":
			w.Header().Set("Mcp-Session-Id", "cli-test")
			reply(w, req.ID, map[string]any{
				"protocolVersion": "2025-03-26",
				"serverInfo":      map[string]any{"name": "stub", "version": "0"},
			})
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		case "tools/list":
			reply(w, req.ID, map[string]any{"tools": []map[string]any{{
				"name":        "lookup_bug",
				"description": "Looks up one bug by id.",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"bug_id": map[string]any{"type": "string"}},
					"required":   []string{"bug_id"},
				},
			}}})
		case "tools/call":
			reply(w, req.ID, map[string]any{
				"structuredContent": map[string]any{"status": "open"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestExecute_EndToEnd(t *testing.T) {
	srv := newStubMCPServer(t)
	defer srv.Close()

	eng := &answerEngine{}
	if err := engine.Register("cli-test", func(ctx context.Context, cfg map[string]any) (engine.Engine, error) {
		return eng, nil
	}); err != nil {
		t.Fatal(err)
	}

	answer, err := execute(t.Context(), zerolog.Nop(), runConfig{
		endpoint:   srv.URL,
		provider:   "cli-test",
		maxTurns:   4,
		journalDSN: "sqlite:file:clitest?mode=memory&cache=shared&_pragma=busy_timeout(5000)",
		query:      "Is bug CSCab12345 open?",
	})
	if err != nil {
		t.Fatal(err)
	}
	if answer != "looked it up" {
		t.Fatalf("answer=%q", answer)
	}
	if eng.lastResult == "" {
		t.Fatal("engine never saw a tool result")
	}
}

func TestExecute_RejectsUnknownProvider(t *testing.T) {
	srv := newStubMCPServer(t)
	defer srv.Close()

	_, err := execute(t.Context(), zerolog.Nop(), runConfig{
		endpoint: srv.URL,
		provider: "no-such-provider",
		maxTurns: 2,
		query:    "hello",
	})
	if err == nil {
		t.Fatal("want unknown provider error")
	}
}

func TestExecute_RejectsUnknownAuthStyle(t *testing.T) {
	_, err := execute(t.Context(), zerolog.Nop(), runConfig{
		endpoint:  "http://localhost:0",
		authStyle: "cookie",
		query:     "hello",
	})
	if err == nil {
		t.Fatal("want unknown auth style error")
	}
}
