package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/game-planer/internal/config"
)

func echoTool(calls *atomic.Int32) *Tool {
	return &Tool{
		Name:        "echo",
		Description: "Echo the text argument.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			calls.Add(1)
			return fmt.Sprint(args["text"]), nil
		},
	}
}

func TestDispatch(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(0, nil)
	r.Register(echoTool(&calls))

	out, err := r.Dispatch(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = r.Dispatch(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "every dispatch reaches the tool")
}

func TestDispatch_NotFound(t *testing.T) {
	r := NewRegistry(0, nil)
	_, err := r.Dispatch(context.Background(), "teleport", nil)

	var nf *ToolNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "teleport", nf.Name)
	assert.Equal(t, `tool "teleport" is not available`, err.Error())
}

func TestDispatch_MissingRequired(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(0, nil)
	r.Register(echoTool(&calls))

	for _, args := range []map[string]any{nil, {}, {"text": ""}, {"text": nil}} {
		_, err := r.Dispatch(context.Background(), "echo", args)
		var te *ToolError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "echo", te.Tool)
		assert.Contains(t, err.Error(), `missing required argument "text"`)
	}
	assert.Zero(t, calls.Load(), "handler never runs without required arguments")
}

func TestDispatch_HandlerError(t *testing.T) {
	upstream := errors.New("upstream 500")
	r := NewRegistry(0, nil)
	r.Register(&Tool{Name: "flaky", Handler: func(context.Context, map[string]any) (string, error) {
		return "", upstream
	}})

	_, err := r.Dispatch(context.Background(), "flaky", nil)
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, upstream)
	assert.Equal(t, "flaky: upstream 500", err.Error())
}

func TestDispatch_Timeout(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, nil)
	r.Register(&Tool{Name: "slow", Handler: func(ctx context.Context, _ map[string]any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}})

	_, err := r.Dispatch(context.Background(), "slow", nil)
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequired(t *testing.T) {
	assert.Equal(t, []string{"a"}, (&Tool{Parameters: map[string]any{"required": []any{"a", 3}}}).Required())
	assert.Nil(t, (&Tool{}).Required())
}

func TestDefinitions(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(0, nil)
	assert.Nil(t, r.Definitions())

	r.Register(&Tool{Name: "zeta", Description: "last"})
	r.Register(echoTool(&calls))

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "echo", defs[0].Name)
	assert.Equal(t, "Echo the text argument.", defs[0].Description)
	assert.Equal(t, "zeta", defs[1].Name)
	assert.Equal(t, []string{"echo", "zeta"}, r.Names())
	assert.NotNil(t, r.Get("echo"))
	assert.Nil(t, r.Get("nope"))
}

func TestFromConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"title":"Hades","url":"https://supergiant.example","content":"Roguelike"}]}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Agent.Tools = []string{config.ToolWebSearch, config.ToolWebFetch, "bogus"}
	cfg.Search.SearXNG.URL = srv.URL

	r := FromConfig(cfg, nil)
	assert.Equal(t, []string{config.ToolWebFetch, config.ToolWebSearch}, r.Names())

	out, err := r.Dispatch(context.Background(), config.ToolWebSearch, map[string]any{"query": "roguelikes"})
	require.NoError(t, err)
	assert.Contains(t, out, "Hades")

	cfg.Agent.Tools = nil
	assert.Empty(t, FromConfig(cfg, nil).Names())
}
