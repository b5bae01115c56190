package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/wilhg/mcpbridge/pkg/adapters/engine"
	genai "google.golang.org/genai"
)

const defaultModel = "gemini-2.5-flash-lite"

type clientWrapper struct {
	client *genai.Client
	model  string
}

func (c *clientWrapper) Name() string { return "gemini" }

func (c *clientWrapper) Decide(ctx context.Context, tools []engine.ToolSpec, transcript []engine.Turn) (engine.Decision, error) {
	contents := make([]*genai.Content, 0, len(transcript))
	for _, t := range transcript {
		switch {
		case t.Role == "assistant" && t.Tool != "":
			var args map[string]any
			if t.Content != "" {
				if err := json.Unmarshal([]byte(t.Content), &args); err != nil {
					return engine.Decision{}, fmt.Errorf("gemini: tool call arguments: %w", err)
				}
			}
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{Name: t.Tool, Args: args}}},
			})
		case t.Role == "assistant":
			contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleModel))
		case t.Role == "tool":
			// Gemini expects the result wrapped in an object.
			var resp map[string]any
			if err := json.Unmarshal([]byte(t.Content), &resp); err != nil {
				resp = map[string]any{"result": t.Content}
			}
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{Name: t.Tool, Response: resp}}},
			})
		default:
			contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleUser))
		}
	}

	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, spec := range tools {
		var params map[string]any
		if len(spec.Parameters) > 0 {
			if err := json.Unmarshal(spec.Parameters, &params); err != nil {
				return engine.Decision{}, fmt.Errorf("gemini: tool %q parameters: %w", spec.Name, err)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 spec.Name,
			Description:          spec.Description,
			ParametersJsonSchema: params,
		})
	}
	cfg := &genai.GenerateContentConfig{}
	if len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	res, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return engine.Decision{}, err
	}
	if calls := res.FunctionCalls(); len(calls) > 0 {
		call := calls[0]
		return engine.Decision{Tool: call.Name, CallID: call.ID, Args: call.Args}, nil
	}
	return engine.Decision{Final: true, Answer: res.Text()}, nil
}

// Factory creates a Gemini engine using GOOGLE_API_KEY by default.
func Factory(ctx context.Context, cfg map[string]any) (engine.Engine, error) { // nolint: revive
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if v, ok := cfg["api_key"].(string); ok && v != "" {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: missing API key; set GOOGLE_API_KEY or cfg.api_key")
	}
	// Prefer Gemini API backend
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	model := defaultModel
	if v, ok := cfg["model"].(string); ok && v != "" {
		model = v
	}
	return &clientWrapper{client: client, model: model}, nil
}

func init() {
	_ = engine.Register("gemini", Factory)
}
