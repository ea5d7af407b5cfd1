package tools

import "fmt"

// ToolNotFoundError is returned when the model calls a tool that is not
// in the registry. The agent loop feeds it back to the model as an
// error result rather than failing the turn.
type ToolNotFoundError struct {
	Name string
}

// Error implements the error interface.
func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not available", e.Name)
}

// ToolError wraps a failure inside a tool: invalid arguments, an
// upstream error or a timeout.
type ToolError struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }
