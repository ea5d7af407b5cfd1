package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProvider is a simple test provider.
type mockProvider struct {
	name    string
	results []Result
	err     error
	query   string
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Search(_ context.Context, q string, _ Options) ([]Result, error) {
	m.query = q
	return m.results, m.err
}

func TestManagerSearch(t *testing.T) {
	mgr := NewManager("mock")
	mgr.Register(&mockProvider{
		name:    "mock",
		results: []Result{{Title: "Test", URL: "https://example.com", Snippet: "A test result"}},
	})

	results, err := mgr.Search(context.Background(), "test", Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Test", results[0].Title)
}

func TestManagerDefaultsToFirstRegistered(t *testing.T) {
	mgr := NewManager("")
	mgr.Register(&mockProvider{name: "searxng", results: []Result{{Title: "S"}}})
	mgr.Register(&mockProvider{name: "brave", results: []Result{{Title: "B"}}})

	assert.Equal(t, "searxng", mgr.Primary())
	assert.Equal(t, []string{"searxng", "brave"}, mgr.Providers())

	results, err := mgr.Search(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Equal(t, "S", results[0].Title)
}

func TestManagerSearchWith(t *testing.T) {
	mgr := NewManager("primary")
	mgr.Register(&mockProvider{name: "primary", results: []Result{{Title: "Primary"}}})
	mgr.Register(&mockProvider{name: "secondary", results: []Result{{Title: "Secondary"}}})

	results, err := mgr.SearchWith(context.Background(), "secondary", "test", Options{})
	require.NoError(t, err)
	assert.Equal(t, "Secondary", results[0].Title)
}

func TestManagerCapsCount(t *testing.T) {
	mgr := NewManager("")
	mgr.Register(&mockProvider{name: "m", results: make([]Result, 12)})

	results, err := mgr.Search(context.Background(), "q", Options{Count: 3})
	require.NoError(t, err)
	assert.Len(t, results, 3)

	results, err = mgr.Search(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Len(t, results, DefaultCount)
}

func TestManagerUnconfigured(t *testing.T) {
	_, err := NewManager("").Search(context.Background(), "test", Options{})
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = NewManager("missing").Search(context.Background(), "test", Options{})
	assert.ErrorContains(t, err, `"missing" not configured`)
	assert.False(t, NewManager("").Configured())
}

func TestFormatResults(t *testing.T) {
	out := FormatResults([]Result{
		{Title: "First", URL: "https://a.com", Snippet: "Snippet A"},
		{Title: "Second", URL: "https://b.com"},
	})
	assert.Equal(t, "1. First\n   https://a.com\n   Snippet A\n\n2. Second\n   https://b.com", out)
	assert.Equal(t, "No results found.", FormatResults(nil))
}

func TestSearXNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "board games", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "de", r.URL.Query().Get("language"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{"title": "Catan", "url": "https://catan.com", "content": "Trade and build"},
				{"title": "Carcassonne", "url": "https://carcassonne.example", "content": "Tiles"},
				{"title": "Azul", "url": "https://azul.example", "content": "Mosaics"},
			},
		})
	}))
	defer srv.Close()

	s := NewSearXNG(srv.URL+"/", srv.Client())
	assert.Equal(t, "searxng", s.Name())

	results, err := s.Search(context.Background(), "board games", Options{Count: 2, Language: "de"})
	require.NoError(t, err)
	assert.Equal(t, []Result{
		{Title: "Catan", URL: "https://catan.com", Snippet: "Trade and build"},
		{Title: "Carcassonne", URL: "https://carcassonne.example", Snippet: "Tiles"},
	}, results)
}

func TestSearXNG_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewSearXNG(srv.URL, srv.Client()).Search(context.Background(), "q", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestBrave(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "5", r.URL.Query().Get("count"))
		assert.Equal(t, "esports", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{"web":{"results":[{"title":"LoL Worlds","url":"https://lolesports.com","description":"Finals"}]}}`))
	}))
	defer srv.Close()

	b := NewBrave("secret", srv.Client())
	b.endpoint = srv.URL
	assert.Equal(t, "brave", b.Name())

	results, err := b.Search(context.Background(), "esports", Options{})
	require.NoError(t, err)
	assert.Equal(t, []Result{{Title: "LoL Worlds", URL: "https://lolesports.com", Snippet: "Finals"}}, results)
}

func TestToolHandler(t *testing.T) {
	primary := &mockProvider{name: "primary", results: []Result{{Title: "Y", URL: "https://y.example"}}}
	other := &mockProvider{name: "other"}
	mgr := NewManager("primary")
	mgr.Register(primary)
	mgr.Register(other)
	handler := ToolHandler(mgr, 0)

	out, err := handler(context.Background(), map[string]any{"query": "X"})
	require.NoError(t, err)
	assert.Equal(t, "X", primary.query)
	assert.JSONEq(t, `[{"title":"Y","url":"https://y.example"}]`, out)

	out, err = handler(context.Background(), map[string]any{"query": "Z", "provider": "other"})
	require.NoError(t, err)
	assert.Equal(t, "Z", other.query)
	assert.Equal(t, "No results found.", out)

	_, err = handler(context.Background(), map[string]any{})
	assert.ErrorContains(t, err, "query is required")

	primary.err = errors.New("upstream down")
	_, err = handler(context.Background(), map[string]any{"query": "X"})
	assert.ErrorContains(t, err, "upstream down")
}

func TestToolDefinition(t *testing.T) {
	def := ToolDefinition()
	assert.Equal(t, []string{"query"}, def["required"])
	assert.Contains(t, def["properties"], "query")
}
