package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/wilhg/mcpbridge/pkg/adapters/engine"
)

const (
	defaultModel = "gpt-5-nano"
)

type clientWrapper struct {
	client oa.Client
	model  string
}

func (c *clientWrapper) Name() string { return "openai" }

func (c *clientWrapper) Decide(ctx context.Context, tools []engine.ToolSpec, transcript []engine.Turn) (engine.Decision, error) {
	mm := make([]oa.ChatCompletionMessageParamUnion, 0, len(transcript))
	for _, t := range transcript {
		switch {
		case t.Role == "system":
			mm = append(mm, oa.SystemMessage(t.Content))
		case t.Role == "assistant" && t.Tool != "":
			mm = append(mm, oa.ChatCompletionMessageParamUnion{
				OfAssistant: &oa.ChatCompletionAssistantMessageParam{
					ToolCalls: []oa.ChatCompletionMessageToolCallUnionParam{{
						OfFunction: &oa.ChatCompletionMessageFunctionToolCallParam{
							ID: t.CallID,
							Function: oa.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      t.Tool,
								Arguments: t.Content,
							},
						},
					}},
				},
			})
		case t.Role == "assistant":
			mm = append(mm, oa.AssistantMessage(t.Content))
		case t.Role == "tool":
			mm = append(mm, oa.ToolMessage(t.Content, t.CallID))
		default:
			mm = append(mm, oa.UserMessage(t.Content))
		}
	}

	tt := make([]oa.ChatCompletionToolUnionParam, 0, len(tools))
	for _, spec := range tools {
		var params map[string]any
		if len(spec.Parameters) > 0 {
			if err := json.Unmarshal(spec.Parameters, &params); err != nil {
				return engine.Decision{}, fmt.Errorf("openai: tool %q parameters: %w", spec.Name, err)
			}
		}
		tt = append(tt, oa.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: oa.String(spec.Description),
			Parameters:  shared.FunctionParameters(params),
		}))
	}

	resp, err := c.client.Chat.Completions.New(ctx, oa.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: mm,
		Tools:    tt,
	})
	if err != nil {
		return engine.Decision{}, err
	}
	if len(resp.Choices) == 0 {
		return engine.Decision{}, fmt.Errorf("openai: empty response")
	}
	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		var args map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return engine.Decision{}, fmt.Errorf("openai: tool call arguments: %w", err)
			}
		}
		return engine.Decision{Tool: call.Function.Name, CallID: call.ID, Args: args}, nil
	}
	return engine.Decision{Final: true, Answer: msg.Content}, nil
}

// Factory registers the OpenAI engine provider: cfg keys: api_key, model
func Factory(ctx context.Context, cfg map[string]any) (engine.Engine, error) { // nolint: revive
	_ = ctx
	apiKey := os.Getenv("OPENAI_API_KEY")
	if v, ok := cfg["api_key"].(string); ok && v != "" {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai: missing API key; set OPENAI_API_KEY or cfg.api_key")
	}
	model := defaultModel
	if v, ok := cfg["model"].(string); ok && v != "" {
		model = v
	}

	c := oa.NewClient(option.WithAPIKey(apiKey))
	return &clientWrapper{client: c, model: model}, nil
}

func init() {
	_ = engine.Register("openai", Factory)
}
