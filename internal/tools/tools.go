// Package tools defines the tools available to the agent and dispatches
// the model's tool calls to them.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nugget/game-planer/internal/llm"
)

// Handler executes a tool with arguments decoded from the model's call.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool. Parameters is a JSON Schema object;
// its "required" list is enforced before Handler runs.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Required returns the argument names the tool's schema marks required.
func (t *Tool) Required() []string {
	switch v := t.Parameters["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if name, ok := s.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

// Registry holds available tools. It is populated at startup and read
// concurrently afterwards.
type Registry struct {
	tools   map[string]*Tool
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. A positive timeout bounds every
// dispatched call.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*Tool),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a tool to the registry, replacing any tool of the same
// name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool declarations sent to the model, sorted by
// name.
func (r *Registry) Definitions() []llm.ToolDefinition {
	if len(r.tools) == 0 {
		return nil
	}
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Dispatch runs a tool by name. Every call reaches the tool; nothing is
// cached. Unknown names fail with *ToolNotFoundError and any failure
// inside the tool with *ToolError.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (string, error) {
	t := r.tools[name]
	if t == nil {
		return "", &ToolNotFoundError{Name: name}
	}

	for _, req := range t.Required() {
		if v, ok := args[req]; !ok || v == nil || v == "" {
			return "", &ToolError{Tool: name, Err: fmt.Errorf("missing required argument %q", req)}
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := t.Handler(ctx, args)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w (%v)", err, ctxErr)
		}
		r.logger.Debug("tool failed", "tool", name, "elapsed", time.Since(start), "error", err)
		return "", &ToolError{Tool: name, Err: err}
	}

	r.logger.Debug("tool completed", "tool", name, "elapsed", time.Since(start), "result_len", len(out))
	return out, nil
}
