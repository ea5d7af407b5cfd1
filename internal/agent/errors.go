package agent

import (
	"errors"
	"fmt"
)

// ErrMaxIterations is returned when the model keeps requesting tools
// after the loop has dispatched its maximum number of calls.
var ErrMaxIterations = errors.New("maximum loop iterations exceeded")

// ErrEmptyResponse is the reason recorded when the model returns neither
// text nor a tool call.
var ErrEmptyResponse = errors.New("model returned an empty response")

// LoopError reports a turn that ended in the ERROR state. Nothing from
// the failed turn was written to the session history.
type LoopError struct {
	SessionID  string
	RequestID  string
	Iterations int // tool dispatches completed before the failure
	Err        error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("agent: session %q request %s after %d iterations: %v",
		e.SessionID, e.RequestID, e.Iterations, e.Err)
}

func (e *LoopError) Unwrap() error { return e.Err }
