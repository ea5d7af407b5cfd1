// Package prompt assembles model requests from a persona, a bounded
// window of conversation history and the user's new message.
package prompt

import (
	"fmt"
	"strings"

	"github.com/nugget/game-planer/internal/llm"
	"github.com/nugget/game-planer/internal/session"
)

// FormatError reports a history turn that cannot be expressed in the
// model's message format.
type FormatError struct {
	SessionID string
	Index     int // position within the window
	Role      session.Role
	Reason    string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("prompt: session %q turn %d (role %q): %s", e.SessionID, e.Index, e.Role, e.Reason)
}

// Assembler builds requests for one model with a fixed persona and
// tool set. It holds no mutable state.
type Assembler struct {
	persona string
	model   string
	tools   []llm.ToolDefinition
}

// NewAssembler creates an Assembler. An empty persona selects
// DefaultPersona.
func NewAssembler(persona, model string, tools []llm.ToolDefinition) *Assembler {
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona()
	}
	return &Assembler{persona: persona, model: model, tools: tools}
}

// Persona returns the system persona sent with every request.
func (a *Assembler) Persona() string { return a.persona }

// Build returns the request for a new user message: the persona as
// system prompt, the window mapped to model messages, then the user
// message. It has no side effects.
func (a *Assembler) Build(s *session.Session, window []session.Turn, userText string) (*llm.Request, error) {
	sessionID := ""
	if s != nil {
		sessionID = s.ID
	}

	msgs := make([]llm.Message, 0, len(window)+1)
	for i, t := range window {
		switch t.Role {
		case session.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Content})

		case session.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Content})

		case session.RoleTool:
			// A tool result is only meaningful next to the call that
			// produced it.
			if t.ToolCall == nil {
				return nil, &FormatError{SessionID: sessionID, Index: i, Role: t.Role, Reason: "tool turn without a tool call record"}
			}
			call := &llm.ToolCall{ID: t.ToolCall.ID, Name: t.ToolCall.ToolName, Arguments: t.ToolCall.Arguments}
			msgs = append(msgs,
				llm.Message{Role: llm.RoleAssistant, ToolCall: call},
				llm.Message{
					Role:       llm.RoleTool,
					Content:    t.Content,
					ToolCallID: t.ToolCall.ID,
					ToolName:   t.ToolCall.ToolName,
					IsError:    t.ToolCall.IsError,
				},
			)

		default:
			return nil, &FormatError{SessionID: sessionID, Index: i, Role: t.Role, Reason: "unrecognized role"}
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userText})

	var tools []llm.ToolDefinition
	if len(a.tools) > 0 {
		tools = make([]llm.ToolDefinition, len(a.tools))
		copy(tools, a.tools)
	}

	return &llm.Request{
		Model:    a.model,
		System:   a.persona,
		Messages: msgs,
		Tools:    tools,
	}, nil
}
