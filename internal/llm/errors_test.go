package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name      string
		status    int
		err       error
		retryable bool
	}{
		{name: "rate limited", status: 429, err: base, retryable: true},
		{name: "overloaded", status: 529, err: base, retryable: true},
		{name: "bad gateway", status: 502, err: base, retryable: true},
		{name: "bad request", status: 400, err: base},
		{name: "unauthorized", status: 401, err: base},
		{name: "network", err: &net.OpError{Op: "dial", Err: base}, retryable: true},
		{name: "unexpected eof", err: fmt.Errorf("read: %w", io.ErrUnexpectedEOF), retryable: true},
		{name: "deadline", err: context.DeadlineExceeded, retryable: true},
		{name: "canceled", err: context.Canceled},
		{name: "plain", err: base},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("test", tt.status, tt.err)
			assert.Equal(t, tt.retryable, IsRetryable(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
	assert.NoError(t, classify("test", 500, nil))
}

func TestRetryableError_Message(t *testing.T) {
	err := &RetryableError{Provider: "gemini", StatusCode: 503, Err: errors.New("unavailable")}
	assert.Equal(t, "gemini: transient error (HTTP 503): unavailable", err.Error())

	err = &RetryableError{Provider: "ollama", Err: errors.New("connection reset")}
	assert.Equal(t, "ollama: transient error: connection reset", err.Error())
}

func TestProtocolError_Message(t *testing.T) {
	err := &ProtocolError{Provider: "openai", Reason: "empty response"}
	assert.Equal(t, "openai: malformed model output: empty response", err.Error())
	assert.False(t, IsRetryable(err))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}
