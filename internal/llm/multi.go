package llm

import (
	"context"
	"fmt"
	"sort"
)

// MultiClient routes requests to the appropriate provider based on the
// request's model name.
type MultiClient struct {
	clients map[string]Client // provider name → client
	models  map[string]string // model name → provider name
	resolve func(model string) string
}

// NewMultiClient creates a client that routes to multiple providers.
// resolve infers the provider for models not pinned with AddModel; it
// may be nil.
func NewMultiClient(resolve func(model string) string) *MultiClient {
	return &MultiClient{
		clients: make(map[string]Client),
		models:  make(map[string]string),
		resolve: resolve,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderFor returns the provider name a model routes to, or "" when
// no registered provider serves it.
func (m *MultiClient) ProviderFor(model string) string {
	provider, ok := m.models[model]
	if !ok && m.resolve != nil {
		provider = m.resolve(model)
	}
	if _, ok := m.clients[provider]; !ok {
		return ""
	}
	return provider
}

// Complete sends a request to the provider that serves req.Model.
func (m *MultiClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	provider := m.ProviderFor(req.Model)
	if provider == "" {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	return m.clients[provider].Complete(ctx, req)
}
