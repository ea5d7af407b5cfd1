package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/game-planer/internal/agent"
	"github.com/nugget/game-planer/internal/audit"
	"github.com/nugget/game-planer/internal/events"
	"github.com/nugget/game-planer/internal/history"
	"github.com/nugget/game-planer/internal/llm"
	"github.com/nugget/game-planer/internal/prompt"
	"github.com/nugget/game-planer/internal/session"
)

// scripted answers each model call with the next reply, then repeats
// the last one.
type scripted struct {
	mu      sync.Mutex
	replies []func(*llm.Request) (*llm.Response, error)
	n       int
}

func (s *scripted) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.n, len(s.replies)-1)
	s.n++
	return s.replies[i](req)
}

func echo(req *llm.Request) (*llm.Response, error) {
	last := req.Messages[len(req.Messages)-1]
	return &llm.Response{Text: "You said: " + last.Content}, nil
}

type fixture struct {
	srv    *httptest.Server
	ledger *audit.Ledger
	bus    *events.Bus
}

func newFixture(t *testing.T, client llm.Client, dispatch agent.Dispatcher) *fixture {
	t.Helper()

	ledger, err := audit.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	buf, err := history.New(5, 0)
	require.NoError(t, err)
	bus := events.New()

	loop := agent.NewLoop(nil, agent.Config{Model: "test-model", MaxIterations: 2, RetryBackoff: time.Millisecond}, agent.Deps{
		Client:   client,
		Sessions: session.NewStore(nil),
		History:  buf,
		Prompts:  prompt.NewAssembler("", "test-model", nil),
		Tools:    dispatch,
		Events:   bus,
		Recorder: ledger,
	})

	s := NewServer("127.0.0.1", 0, loop, nil)
	s.SetLedger(ledger)
	s.SetEventBus(bus)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, ledger: ledger, bus: bus}
}

func (f *fixture) chat(t *testing.T, sessionID, input string) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(ChatRequest{SessionID: sessionID, UserInput: input})
	require.NoError(t, err)

	resp, err := http.Post(f.srv.URL+"/v1/chat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

type nopTools struct{}

func (nopTools) Dispatch(context.Context, string, map[string]any) (string, error) {
	return "ok", nil
}

func TestChat(t *testing.T) {
	f := newFixture(t, &scripted{replies: []func(*llm.Request) (*llm.Response, error){echo}}, nopTools{})

	resp, out := f.chat(t, "alice", "What is a roguelike?")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, map[string]any{
		"session_id":   "alice",
		"bot_response": "You said: What is a roguelike?",
	}, out)

	_, body := f.get(t, "/v1/sessions/alice/history")
	var hist struct {
		SessionID string         `json:"session_id"`
		Turns     []session.Turn `json:"turns"`
		Count     int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &hist))
	assert.Equal(t, "alice", hist.SessionID)
	require.Equal(t, 2, hist.Count)
	assert.Equal(t, session.RoleUser, hist.Turns[0].Role)
	assert.Equal(t, "You said: What is a roguelike?", hist.Turns[1].Content)
}

func TestChat_BadRequests(t *testing.T) {
	f := newFixture(t, &scripted{replies: []func(*llm.Request) (*llm.Response, error){echo}}, nopTools{})

	resp, out := f.chat(t, "", "hello")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "session_id is required", out["error"].(map[string]any)["message"])

	resp, _ = f.chat(t, "alice", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	raw, err := http.Post(f.srv.URL+"/v1/chat", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestChat_MaxIterations(t *testing.T) {
	alwaysTool := func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolCall: &llm.ToolCall{ID: "c", Name: "web_search", Arguments: map[string]any{"query": "x"}}}, nil
	}
	f := newFixture(t, &scripted{replies: []func(*llm.Request) (*llm.Response, error){alwaysTool}}, nopTools{})

	resp, out := f.chat(t, "s", "loop")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Contains(t, out["error"].(map[string]any)["message"], "retry")

	_, body := f.get(t, "/v1/sessions/s/history")
	assert.Contains(t, string(body), `"count":0`, "failed turn leaves no history")

	_, body = f.get(t, "/v1/tools/calls?session_id=s")
	var calls struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &calls))
	assert.Equal(t, 2, calls.Count, "dispatched calls are still audited")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid session", fmt.Errorf("run: %w", session.ErrInvalidSession), http.StatusBadRequest},
		{"max iterations", &agent.LoopError{Err: agent.ErrMaxIterations}, http.StatusServiceUnavailable},
		{"retryable", &agent.LoopError{Err: &llm.RetryableError{Provider: "gemini", StatusCode: 429, Err: errors.New("quota")}}, http.StatusServiceUnavailable},
		{"protocol", &agent.LoopError{Err: &llm.ProtocolError{Provider: "gemini", Reason: "bad args"}}, http.StatusBadGateway},
		{"cancelled", &agent.LoopError{Err: context.Canceled}, http.StatusGatewayTimeout},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := statusFor(tt.err)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, msg)
		})
	}
}

func TestSessionsList(t *testing.T) {
	f := newFixture(t, &scripted{replies: []func(*llm.Request) (*llm.Response, error){echo}}, nopTools{})
	f.chat(t, "zed", "hi")
	f.chat(t, "amy", "hi")
	f.chat(t, "amy", "again")

	resp, body := f.get(t, "/v1/sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Sessions []session.Summary `json:"sessions"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, 2, out.Count)
	assert.Equal(t, "amy", out.Sessions[0].ID)
	assert.Equal(t, 4, out.Sessions[0].Turns)
	assert.Equal(t, "zed", out.Sessions[1].ID)
}

func TestSessionNotFound(t *testing.T) {
	f := newFixture(t, &scripted{replies: []func(*llm.Request) (*llm.Response, error){echo}}, nopTools{})

	for _, path := range []string{"/v1/sessions/ghost/history", "/v1/sessions/ghost/transcript"} {
		resp, _ := f.get(t, path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestTranscript(t *testing.T) {
	answer := func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "Try **Hades**. <script>alert(1)</script>"}, nil
	}
	f := newFixture(t, &scripted{replies: []func(*llm.Request) (*llm.Response, error){answer}}, nopTools{})
	f.chat(t, "bob", "Best roguelike?")

	resp, body := f.get(t, "/v1/sessions/bob/transcript")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	page := string(body)
	assert.Contains(t, page, "<h1>Session bob</h1>")
	assert.Contains(t, page, "<h2>You</h2>")
	assert.Contains(t, page, "<h2>Game Planer</h2>")
	assert.Contains(t, page, "<strong>Hades</strong>")
	assert.NotContains(t, page, "<script>", "raw HTML from the model is not rendered")
}

func TestTranscriptMarkdown(t *testing.T) {
	md := transcriptMarkdown("s", []session.Turn{
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAssistant, Content: "hello", ToolCall: &session.ToolCallRecord{ToolName: "web_search", IsError: true}},
	})
	assert.Contains(t, md, "## You\n\nhi")
	assert.Contains(t, md, "> used `web_search` (error)")

	assert.Contains(t, transcriptMarkdown("empty", nil), "_No messages yet._")
}

func TestToolCalls(t *testing.T) {
	replies := []func(*llm.Request) (*llm.Response, error){
		func(*llm.Request) (*llm.Response, error) {
			return &llm.Response{ToolCall: &llm.ToolCall{ID: "c1", Name: "web_search", Arguments: map[string]any{"query": "Elden Ring DLC"}}}, nil
		},
		func(*llm.Request) (*llm.Response, error) { return &llm.Response{Text: "It is out."}, nil },
	}
	f := newFixture(t, &scripted{replies: replies}, nopTools{})
	resp, out := f.chat(t, "s", "news?")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "It is out.", out["bot_response"])

	_, body := f.get(t, "/v1/tools/calls?tool=web_search&limit=10")
	var calls struct {
		ToolCalls []audit.ToolCall `json:"tool_calls"`
		Count     int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &calls))
	require.Equal(t, 1, calls.Count)
	assert.Equal(t, `{"query":"Elden Ring DLC"}`, calls.ToolCalls[0].Arguments)
	assert.Equal(t, "ok", calls.ToolCalls[0].Result)

	resp, _ = f.get(t, "/v1/tools/calls?limit=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = f.get(t, "/v1/tools/stats")
	assert.JSONEq(t, `{"calls_by_tool":{"web_search":1}}`, string(body))
}

func TestEventsWebSocket(t *testing.T) {
	f := newFixture(t, &scripted{replies: []func(*llm.Request) (*llm.Response, error){echo}}, nopTools{})

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	resp, _ := f.chat(t, "ws", "hello")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var kinds []string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(kinds) < 3 {
		var e events.Event
		require.NoError(t, conn.ReadJSON(&e))
		assert.Equal(t, events.SourceAgent, e.Source)
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []string{events.KindRequestStart, events.KindLLMCall, events.KindRequestComplete}, kinds)

	conn.Close()
	assert.Eventually(t, func() bool { return f.bus.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t, &scripted{replies: []func(*llm.Request) (*llm.Response, error){echo}}, nopTools{})

	resp, body := f.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy","model":"test-model","sessions":0}`, string(body))

	resp, body = f.get(t, "/v1/version")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info map[string]string
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "go_version")

	resp, _ = f.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnconfiguredOptionalEndpoints(t *testing.T) {
	buf, err := history.New(1, 0)
	require.NoError(t, err)
	loop := agent.NewLoop(nil, agent.Config{Model: "m"}, agent.Deps{
		Client:   &scripted{replies: []func(*llm.Request) (*llm.Response, error){echo}},
		Sessions: session.NewStore(nil),
		History:  buf,
		Prompts:  prompt.NewAssembler("", "m", nil),
		Tools:    nopTools{},
	})
	srv := httptest.NewServer(NewServer("", 0, loop, nil).Handler())
	defer srv.Close()

	for _, path := range []string{"/v1/tools/calls", "/v1/tools/stats", "/v1/events"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}
}
