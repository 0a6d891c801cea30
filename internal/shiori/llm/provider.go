// Package llm is the boundary to the external completion service.
//
// Discussion replies call Complete once per turn; the extraction loop calls
// it repeatedly, feeding tool results back, until the model answers without
// tool calls. Failures are classified into the typed errors below so that
// callers can decide whether a retry makes sense.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrTimeout is returned when the request did not complete in time.
	ErrTimeout = errors.New("llm: request timed out")

	// ErrRateLimited is returned when the upstream API reports rate limiting
	// (HTTP 429) or is temporarily overloaded (HTTP 503).
	ErrRateLimited = errors.New("llm: upstream rate limit exceeded")

	// ErrInvalidResponse is returned for responses that cannot be used: bad
	// JSON, no choices, or an API error payload.
	ErrInvalidResponse = errors.New("llm: invalid response from completion service")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited)
}

// Role is the role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single message in a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // when Role == RoleTool
	Name       string     `json:"name,omitempty"`         // tool name when Role == RoleTool
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the tool name and raw JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Type     string      `json:"type"` // "function"
	Function FunctionDef `json:"function"`
}

// FunctionDef is the schema of a callable function.
type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"` // JSON Schema object
}

// CompletionRequest is the input to a single inference call.
type CompletionRequest struct {
	Model     string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// CompletionResponse is the output of one inference call.
type CompletionResponse struct {
	// Message is the assistant message produced.
	Message Message
	// FinishReason explains why the model stopped.
	// "stop" = natural end; "tool_calls" = tool call(s) requested.
	FinishReason string
	Usage        TokenUsage
}

// TokenUsage reports token consumption.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add accumulates u into the receiver.
func (t *TokenUsage) Add(u TokenUsage) {
	t.PromptTokens += u.PromptTokens
	t.CompletionTokens += u.CompletionTokens
	t.TotalTokens += u.TotalTokens
}

// Provider is implemented by every completion backend.
type Provider interface {
	// Complete sends messages and returns the next assistant message, which
	// may contain tool call requests.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
