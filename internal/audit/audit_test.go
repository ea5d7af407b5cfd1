package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordTurn(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		require.NoError(t, l.RecordTurn(ctx, Turn{
			RequestID:   fmt.Sprint("r", i),
			SessionID:   "alice",
			UserInput:   fmt.Sprint("q", i),
			BotResponse: fmt.Sprint("a", i),
			Model:       "gemini-2.5-flash",
			Iterations:  i,
			TokensIn:    10,
			TokensOut:   20,
			Elapsed:     1500 * time.Millisecond,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, l.RecordTurn(ctx, Turn{RequestID: "other", SessionID: "bob", Model: "m"}))

	turns, err := l.Turns(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "q0", turns[0].UserInput)
	assert.Equal(t, "a2", turns[2].BotResponse)
	assert.Equal(t, 2, turns[2].Iterations)
	assert.Equal(t, 1500*time.Millisecond, turns[0].Elapsed)
	assert.True(t, base.Equal(turns[0].CreatedAt), "got %v", turns[0].CreatedAt)

	latest, err := l.Turns(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "q1", latest[0].UserInput, "limit keeps the newest, returned oldest first")

	all, err := l.Turns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	err = l.RecordTurn(ctx, Turn{RequestID: "r0", SessionID: "alice"})
	assert.Error(t, err, "request ids are unique")
}

func TestToolCalls(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := []ToolCall{
		{ID: "c1", RequestID: "r1", SessionID: "alice", ToolName: "web_search", Arguments: `{"query":"X"}`, Result: "Y", StartedAt: start, DurationMs: 12},
		{ID: "c2", RequestID: "r1", SessionID: "alice", ToolName: "web_fetch", Arguments: `{"url":"u"}`, Error: "HTTP 404", StartedAt: start.Add(time.Second)},
		{ID: "c3", RequestID: "r2", SessionID: "bob", ToolName: "web_search", Arguments: `{}`, StartedAt: start.Add(2 * time.Second)},
	}
	for _, c := range calls {
		require.NoError(t, l.RecordToolCall(ctx, c))
	}

	got, err := l.ToolCalls(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c3", got[0].ID, "newest first")

	got, err = l.ToolCalls(ctx, Filter{SessionID: "alice"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "HTTP 404", got[0].Error)
	assert.Empty(t, got[0].Result)
	assert.Equal(t, "Y", got[1].Result)
	assert.Equal(t, int64(12), got[1].DurationMs)

	got, err = l.ToolCalls(ctx, Filter{SessionID: "alice", ToolName: "web_search"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, `{"query":"X"}`, got[0].Arguments)

	got, err = l.ToolCalls(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	stats, err := l.ToolStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"web_search": 2, "web_fetch": 1}, stats)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, clampLimit(0))
	assert.Equal(t, DefaultLimit, clampLimit(-4))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, MaxLimit, clampLimit(MaxLimit+1))
}

func TestOpenFile(t *testing.T) {
	path := t.TempDir() + "/audit.db"
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.RecordTurn(context.Background(), Turn{RequestID: "r", SessionID: "s", Model: "m"}))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	turns, err := l.Turns(context.Background(), "s", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}
