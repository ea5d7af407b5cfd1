package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
)

// OllamaClient is a client for a self-hosted Ollama server.
type OllamaClient struct {
	client *api.Client
	logger *slog.Logger
}

// NewOllamaClient creates a new Ollama client. httpClient may be nil.
func NewOllamaClient(baseURL string, httpClient *http.Client, logger *slog.Logger) (*OllamaClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama: invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaClient{
		client: api.NewClient(u, httpClient),
		logger: logger.With("provider", "ollama", "url", baseURL),
	}, nil
}

// Complete sends a non-streaming chat request.
func (c *OllamaClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	stream := false
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: ollamaMessages(req.System, req.Messages),
		Stream:   &stream,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = ollamaTools(req.Tools)
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(chatReq.Messages),
		"tools", len(chatReq.Tools),
	)

	var final api.ChatResponse
	var content strings.Builder
	var calls []api.ToolCall
	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		calls = append(calls, resp.Message.ToolCalls...)
		if resp.Done {
			final = resp
		}
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return nil, classify("ollama", statusErr.StatusCode, err)
		}
		var statusErrPtr *api.StatusError
		if errors.As(err, &statusErrPtr) {
			return nil, classify("ollama", statusErrPtr.StatusCode, err)
		}
		return nil, classify("ollama", 0, err)
	}

	out := &Response{
		Text:         content.String(),
		Model:        req.Model,
		InputTokens:  final.PromptEvalCount,
		OutputTokens: final.EvalCount,
	}
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Text)

	if len(calls) > 0 {
		tc := calls[0]
		if tc.Function.Name == "" {
			return nil, &ProtocolError{Provider: "ollama", Reason: "tool call without a name"}
		}
		out.ToolCall = &ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments.ToMap()}
	} else if len(req.Tools) > 0 {
		// Smaller models often write the call into the content instead
		// of the tool_calls field.
		call, ok, perr := parseTextToolCall(out.Text)
		if perr != nil {
			return nil, perr
		}
		if ok {
			out.ToolCall = call
			out.Text = ""
		}
	}

	if out.ToolCall != nil {
		if out.ToolCall.ID == "" {
			out.ToolCall.ID = "call_" + uuid.NewString()
		}
		if out.ToolCall.Arguments == nil {
			out.ToolCall.Arguments = map[string]any{}
		}
		return out, nil
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, &ProtocolError{Provider: "ollama", Reason: "empty response"}
	}
	return out, nil
}

func ollamaMessages(system string, messages []Message) []api.Message {
	out := make([]api.Message, 0, len(messages)+1)
	if system != "" {
		out = append(out, api.Message{Role: "system", Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, api.Message{Role: "user", Content: msg.Content})
		case RoleAssistant:
			m := api.Message{Role: "assistant", Content: msg.Content}
			if msg.ToolCall != nil {
				args := api.NewToolCallFunctionArguments()
				for k, v := range msg.ToolCall.Arguments {
					args.Set(k, v)
				}
				m.ToolCalls = []api.ToolCall{{
					ID: msg.ToolCall.ID,
					Function: api.ToolCallFunction{
						Name:      msg.ToolCall.Name,
						Arguments: args,
					},
				}}
			}
			out = append(out, m)
		case RoleTool:
			out = append(out, api.Message{
				Role:       "tool",
				Content:    msg.Content,
				ToolName:   msg.ToolName,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return out
}

func ollamaTools(tools []ToolDefinition) []api.Tool {
	out := make([]api.Tool, 0, len(tools))
	for _, t := range tools {
		params := api.ToolFunctionParameters{
			Type:       "object",
			Properties: api.NewToolPropertiesMap(),
			Required:   stringList(t.Parameters["required"]),
		}
		if props, ok := t.Parameters["properties"].(map[string]any); ok {
			for name, raw := range props {
				pm, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				prop := api.ToolProperty{}
				prop.Description, _ = pm["description"].(string)
				if typ, ok := pm["type"].(string); ok {
					prop.Type = api.PropertyType{typ}
				}
				for _, e := range stringList(pm["enum"]) {
					prop.Enum = append(prop.Enum, e)
				}
				params.Properties.Set(name, prop)
			}
		}
		out = append(out, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// parseTextToolCall extracts a tool call written into message content,
// either as a bare JSON object or wrapped in <tool_call> tags. Content
// that is plainly prose is not a tool call. Content that announces a
// tool call but does not parse is a ProtocolError.
func parseTextToolCall(content string) (*ToolCall, bool, error) {
	content = strings.TrimSpace(content)
	tagged := false
	if start := strings.Index(content, "<tool_call>"); start != -1 {
		tagged = true
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}
	if !tagged && !strings.HasPrefix(content, "{") {
		return nil, false, nil
	}

	var call struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &call); err != nil {
		if !tagged {
			return nil, false, nil
		}
		return nil, false, &ProtocolError{
			Provider: "ollama",
			Reason:   "unparseable tool call in content: " + err.Error(),
			Raw:      truncate(content, 512),
		}
	}
	if call.Name == "" {
		if !tagged {
			return nil, false, nil
		}
		return nil, false, &ProtocolError{Provider: "ollama", Reason: "tool call without a name", Raw: truncate(content, 512)}
	}
	return &ToolCall{Name: call.Name, Arguments: call.Arguments}, true, nil
}
