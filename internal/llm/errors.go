package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// RetryableError wraps a transient provider failure (rate limiting,
// overload, dropped connection). The same request may succeed later.
type RetryableError struct {
	Provider   string
	StatusCode int // zero for transport failures
	Err        error
}

func (e *RetryableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient error (HTTP %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient error: %v", e.Provider, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// ProtocolError reports model output that cannot be interpreted: no
// text and no tool call, a tool call without a name, or tool arguments
// that are not a JSON object.
type ProtocolError struct {
	Provider string
	Reason   string
	Raw      string // offending payload, truncated
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: malformed model output: %s", e.Provider, e.Reason)
}

// IsRetryable reports whether err is, or wraps, a [RetryableError].
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// retryableStatus reports whether an HTTP status is worth retrying.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return code == 529 // Anthropic "overloaded"
}

// classify wraps err as a RetryableError when the status code or the
// error itself marks it as transient. Cancellation of the caller's
// context is never retryable.
func classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if status != 0 {
		if retryableStatus(status) {
			return &RetryableError{Provider: provider, StatusCode: status, Err: err}
		}
		return fmt.Errorf("%s: %w", provider, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return &RetryableError{Provider: provider, Err: err}
	}
	return fmt.Errorf("%s: %w", provider, err)
}

// truncate shortens s for inclusion in error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
