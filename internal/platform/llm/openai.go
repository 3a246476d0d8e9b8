package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/assistant/internal/platform/telemetry"
)

var tracer = telemetry.Tracer("github.com/ehr/assistant/internal/platform/llm")

const defaultTimeout = 60 * time.Second

type OpenAIConfig struct {
	APIKey string
	// BaseURL is scheme+host of an OpenAI-compatible endpoint; /v1 is appended.
	BaseURL string
	Timeout time.Duration
}

// OpenAIGateway talks to the OpenAI chat completions API.
type OpenAIGateway struct {
	client  *openai.Client
	timeout time.Duration
}

func NewOpenAIGateway(cfg OpenAIConfig) *OpenAIGateway {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL + "/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &OpenAIGateway{client: openai.NewClientWithConfig(config), timeout: cfg.Timeout}
}

func (g *OpenAIGateway) Complete(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.complete",
		trace.WithAttributes(
			attribute.String("gen_ai.system", "openai"),
			attribute.String("gen_ai.request.model", req.Model),
			attribute.Int("gen_ai.request.max_tokens", req.MaxTokens),
			attribute.Int("gen_ai.request.tools", len(req.Tools)),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	tools, err := toOpenAITools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("%w: encode tools: %v", ErrGateway, err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Tools:       tools,
	}

	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		telemetry.RecordError(span, err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, g.timeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrGateway)
	}

	choice := resp.Choices[0]
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.PromptTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.CompletionTokens),
		attribute.String("gen_ai.response.finish_reason", string(choice.FinishReason)),
	)

	out := &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

// toOpenAITools goes through the wire format so each JSON Schema document
// reaches the API byte for byte.
func toOpenAITools(schemas []ToolSchema) ([]openai.Tool, error) {
	if len(schemas) == 0 {
		return nil, nil
	}
	type function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
	}
	type tool struct {
		Type     string   `json:"type"`
		Function function `json:"function"`
	}
	wire := make([]tool, 0, len(schemas))
	for _, s := range schemas {
		params := s.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		wire = append(wire, tool{
			Type:     string(openai.ToolTypeFunction),
			Function: function{Name: s.Name, Description: s.Description, Parameters: params},
		})
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	var tools []openai.Tool
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}
