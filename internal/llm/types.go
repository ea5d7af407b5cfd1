// Package llm provides language model client implementations.
//
// Every provider speaks the same small vocabulary: a [Request] carrying a
// system persona, prior messages and the tools on offer, answered by a
// [Response] that holds either final text or a single tool call. Wire
// format conversion happens at provider boundaries (gemini.go, openai.go,
// anthropic.go, ollama.go).
package llm

import (
	"encoding/json"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the conversation sent to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCall is set on assistant messages that asked for a tool.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// ToolCallID, ToolName and IsError are set on tool result messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolCall is the model's request to invoke a named tool.
type ToolCall struct {
	ID        string         `json:"id,omitempty"` // Provider-assigned; correlates the tool result
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON returns the arguments encoded as a JSON object.
func (tc *ToolCall) ArgumentsJSON() string {
	if len(tc.Arguments) == 0 {
		return "{}"
	}
	b, err := json.Marshal(tc.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ToolDefinition describes a tool the model may call. Parameters is a
// JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a single completion request.
type Request struct {
	Model    string           `json:"model"`
	System   string           `json:"system,omitempty"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// Response is the unified answer from any provider. Exactly one of Text
// and ToolCall is meaningful: a non-nil ToolCall means the model wants a
// tool run before it answers.
type Response struct {
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// IsToolCall reports whether the response asks for a tool.
func (r *Response) IsToolCall() bool {
	return r != nil && r.ToolCall != nil
}
