package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, timeout time.Duration, handler http.HandlerFunc) *OpenAIGateway {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewOpenAIGateway(OpenAIConfig{APIKey: "test-key", BaseURL: ts.URL, Timeout: timeout})
}

func TestOpenAIGateway_ToolCallRoundTrip(t *testing.T) {
	var captured map[string]interface{}
	gw := newTestGateway(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		resp := openai.ChatCompletionResponse{
			Model: "gpt-4o-mini",
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					Role: "assistant",
					ToolCalls: []openai.ToolCall{{
						ID:       "call_1",
						Type:     openai.ToolTypeFunction,
						Function: openai.FunctionCall{Name: "get_schedule", Arguments: `{"date":"2026-03-01"}`},
					}},
				},
				FinishReason: openai.FinishReason("tool_calls"),
			}},
			Usage: openai.Usage{PromptTokens: 120, CompletionTokens: 15},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	resp, err := gw.Complete(context.Background(), &Request{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "what is on today?"}},
		Tools: []ToolSchema{{
			Name:        "get_schedule",
			Description: "List appointments",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"date":{"type":"string"}}}`),
		}},
		MaxTokens: 200,
	})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "get_schedule", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"date":"2026-03-01"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, 135, resp.TotalTokens())

	tools, ok := captured["tools"].([]interface{})
	require.True(t, ok, "tools must be sent")
	fn := tools[0].(map[string]interface{})["function"].(map[string]interface{})
	assert.Equal(t, "get_schedule", fn["name"])
	assert.Equal(t, "object", fn["parameters"].(map[string]interface{})["type"])
}

func TestOpenAIGateway_SendsToolResults(t *testing.T) {
	var captured openai.ChatCompletionRequest
	gw := newTestGateway(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "done"}}},
		})
	})

	_, err := gw.Complete(context.Background(), &Request{Messages: []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "get_inbox", Arguments: json.RawMessage(`{}`)}}},
		{Role: RoleTool, ToolCallID: "c1", Content: `{"items":[]}`},
	}})
	require.NoError(t, err)

	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "get_inbox", captured.Messages[0].ToolCalls[0].Function.Name)
	assert.Equal(t, "c1", captured.Messages[1].ToolCallID)
}

func TestOpenAIGateway_APIErrorWrapsGatewayError(t *testing.T) {
	gw := newTestGateway(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": map[string]interface{}{"message": "boom"}})
	})

	_, err := gw.Complete(context.Background(), &Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGateway))
}

func TestOpenAIGateway_Timeout(t *testing.T) {
	gw := newTestGateway(t, 50*time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	_, err := gw.Complete(context.Background(), &Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestOpenAIGateway_NoChoices(t *testing.T) {
	gw := newTestGateway(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{})
	})
	_, err := gw.Complete(context.Background(), &Request{Model: "m"})
	assert.True(t, errors.Is(err, ErrGateway))
}

func TestScriptedGateway_RepeatsLastStep(t *testing.T) {
	gw := NewScriptedGateway(
		ScriptStep{Response: &Response{Content: "first"}},
		ScriptStep{Response: &Response{Content: "again"}},
	)
	for _, want := range []string{"first", "again", "again"} {
		resp, err := gw.Complete(context.Background(), &Request{})
		require.NoError(t, err)
		assert.Equal(t, want, resp.Content)
	}
	assert.Equal(t, 3, gw.Calls())
}
