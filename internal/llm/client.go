package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Complete sends one request and returns the model's answer. A
	// transient failure is a *RetryableError; uninterpretable output is
	// a *ProtocolError.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// ClientFunc adapts a plain function to the [Client] interface.
type ClientFunc func(ctx context.Context, req *Request) (*Response, error)

// Complete calls f(ctx, req).
func (f ClientFunc) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
