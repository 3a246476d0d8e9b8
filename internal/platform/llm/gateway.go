// Package llm is the assistant's view of a chat-completion model: one
// stateless request/response call with function tools.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var (
	ErrGateway = errors.New("llm gateway error")
	ErrTimeout = errors.New("llm gateway timeout")
)

// Gateway is implemented by model providers.
type Gateway interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSchema
	Temperature float64
	MaxTokens   int
}

type Message struct {
	Role    string
	Content string
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall
	// ToolCallID links a tool message to the call it answers.
	ToolCallID string
}

// ToolSchema advertises one callable tool. Parameters is a JSON Schema
// object document.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
}

// TotalTokens is the budget cost of the call.
func (r *Response) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}
