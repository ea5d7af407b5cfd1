// Package agent implements the core agent loop: one chat turn runs a
// sequential reason/act cycle against the model until it produces an
// answer, and only a completed turn is committed to session history.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/game-planer/internal/audit"
	"github.com/nugget/game-planer/internal/config"
	"github.com/nugget/game-planer/internal/events"
	"github.com/nugget/game-planer/internal/history"
	"github.com/nugget/game-planer/internal/llm"
	"github.com/nugget/game-planer/internal/prompt"
	"github.com/nugget/game-planer/internal/session"
)

// Dispatcher executes tool calls requested by the model.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any) (string, error)
}

// Recorder persists completed turns and tool calls. *audit.Ledger
// satisfies it.
type Recorder interface {
	RecordTurn(ctx context.Context, t audit.Turn) error
	RecordToolCall(ctx context.Context, tc audit.ToolCall) error
}

// Config bounds a single turn.
type Config struct {
	Model          string
	MaxIterations  int
	RepairAttempts int
	ModelRetries   int
	RetryBackoff   time.Duration
	ModelTimeout   time.Duration
}

// ConfigFrom extracts the loop settings from the agent section.
func ConfigFrom(a config.AgentConfig) Config {
	return Config{
		Model:          a.Model,
		MaxIterations:  a.MaxLoopIterations,
		RepairAttempts: a.RepairAttempts,
		ModelRetries:   a.ModelRetries,
		RetryBackoff:   a.RetryBackoff,
		ModelTimeout:   a.ModelTimeout,
	}
}

// Deps are the collaborators of a Loop. Events and Recorder may be nil.
type Deps struct {
	Client   llm.Client
	Sessions *session.Store
	History  *history.Buffer
	Prompts  *prompt.Assembler
	Tools    Dispatcher
	Events   *events.Bus
	Recorder Recorder
}

// Response is the result of a completed turn.
type Response struct {
	SessionID  string                   `json:"session_id"`
	RequestID  string                   `json:"request_id"`
	Text       string                   `json:"bot_response"`
	Model      string                   `json:"model"`
	Iterations int                      `json:"iterations"`
	TokensIn   int                      `json:"tokens_in"`
	TokensOut  int                      `json:"tokens_out"`
	ToolCalls  []session.ToolCallRecord `json:"tool_calls,omitempty"`
}

// Loop is the core agent execution loop. It is safe for concurrent use;
// turns on the same session serialize on the session's turn lock.
type Loop struct {
	logger   *slog.Logger
	cfg      Config
	client   llm.Client
	sessions *session.Store
	history  *history.Buffer
	prompts  *prompt.Assembler
	tools    Dispatcher
	events   *events.Bus
	recorder Recorder
}

// NewLoop creates a new agent loop.
func NewLoop(logger *slog.Logger, cfg Config, deps Deps) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = config.DefaultMaxLoopIterations
	}
	cfg.RepairAttempts = max(cfg.RepairAttempts, 0)
	cfg.ModelRetries = max(cfg.ModelRetries, 0)
	return &Loop{
		logger:   logger,
		cfg:      cfg,
		client:   deps.Client,
		sessions: deps.Sessions,
		history:  deps.History,
		prompts:  deps.Prompts,
		tools:    deps.Tools,
		events:   deps.Events,
		recorder: deps.Recorder,
	}
}

// Sessions returns the store the loop reads and writes.
func (l *Loop) Sessions() *session.Store { return l.sessions }

// Model returns the configured model identifier.
func (l *Loop) Model() string { return l.cfg.Model }

type state int

const (
	stateAwaitModel state = iota
	stateDispatchTool
	stateDone
	stateError
)

func (s state) String() string {
	switch s {
	case stateAwaitModel:
		return "AWAIT_MODEL"
	case stateDispatchTool:
		return "DISPATCH_TOOL"
	case stateDone:
		return "DONE"
	case stateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// turn is the working state of one Run. scratch holds this turn's tool
// exchanges; it reaches history only through the final answer.
type turn struct {
	requestID string
	session   *session.Session
	userInput string
	started   time.Time
	logger    *slog.Logger

	request *llm.Request
	scratch []llm.Message
	pending *llm.ToolCall
	calls   []session.ToolCallRecord

	iterations int
	repairs    int
	tokensIn   int
	tokensOut  int
	answer     string
	model      string
	err        error
}

// Run executes one chat turn for sessionID. On success the user input
// and final answer are appended to history as one exchange. On failure
// history is left exactly as it was and the error is a *LoopError,
// except for an invalid session id or a context that ends before the
// session lock is acquired.
func (l *Loop) Run(ctx context.Context, sessionID, userInput string) (*Response, error) {
	s, err := l.sessions.GetOrCreate(sessionID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t := &turn{
		requestID: generateRequestID(),
		session:   s,
		userInput: userInput,
		started:   time.Now(),
		model:     l.cfg.Model,
	}
	t.logger = l.logger.With("request_id", t.requestID, "session_id", s.ID)

	t.logger.Info("agent loop started", "model", l.cfg.Model, "history", s.Len())
	l.events.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id": t.requestID,
		"session_id": s.ID,
		"model":      l.cfg.Model,
	})

	window := l.history.Window(s)
	t.request, err = l.prompts.Build(s, window, userInput)
	st := stateAwaitModel
	if err != nil {
		t.err = err
		st = stateError
	}

	for st != stateDone && st != stateError {
		prev := st
		switch st {
		case stateAwaitModel:
			st = l.awaitModel(ctx, t)
		case stateDispatchTool:
			st = l.dispatchTool(ctx, t)
		}
		t.logger.Log(ctx, config.LevelTrace, "state transition", "from", prev, "to", st, "iter", t.iterations)
	}

	if st == stateError {
		return nil, l.fail(t)
	}
	return l.commit(ctx, t), nil
}

// awaitModel sends the request plus scratch and decides the next state
// from the reply.
func (l *Loop) awaitModel(ctx context.Context, t *turn) state {
	if err := ctx.Err(); err != nil {
		t.err = err
		return stateError
	}

	req := *t.request
	req.Messages = make([]llm.Message, 0, len(t.request.Messages)+len(t.scratch))
	req.Messages = append(req.Messages, t.request.Messages...)
	req.Messages = append(req.Messages, t.scratch...)

	resp, err := l.complete(ctx, t, &req)
	if err == nil && !resp.IsToolCall() && strings.TrimSpace(resp.Text) == "" {
		err = &llm.ProtocolError{Provider: resp.Model, Reason: ErrEmptyResponse.Error()}
	}
	if err != nil {
		var perr *llm.ProtocolError
		if errors.As(err, &perr) && t.repairs < l.cfg.RepairAttempts {
			t.repairs++
			t.logger.Warn("malformed model output, requesting repair",
				"attempt", t.repairs, "max", l.cfg.RepairAttempts, "reason", perr.Reason)
			t.scratch = append(t.scratch, llm.Message{Role: llm.RoleUser, Content: prompt.RepairNudge})
			return stateAwaitModel
		}
		t.err = err
		return stateError
	}

	t.tokensIn += resp.InputTokens
	t.tokensOut += resp.OutputTokens
	if resp.Model != "" {
		t.model = resp.Model
	}

	if resp.IsToolCall() {
		if t.iterations >= l.cfg.MaxIterations {
			t.logger.Warn("max iterations reached", "max", l.cfg.MaxIterations, "tool", resp.ToolCall.Name)
			t.err = ErrMaxIterations
			return stateError
		}
		t.pending = resp.ToolCall
		return stateDispatchTool
	}

	t.answer = resp.Text
	return stateDone
}

// complete calls the model, retrying transient failures with
// exponential backoff.
func (l *Loop) complete(ctx context.Context, t *turn, req *llm.Request) (*llm.Response, error) {
	delay := l.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		l.events.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"request_id": t.requestID,
			"iter":       t.iterations,
			"model":      req.Model,
			"attempt":    attempt,
		})
		t.logger.Debug("calling model", "model", req.Model, "messages", len(req.Messages), "attempt", attempt)

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if l.cfg.ModelTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, l.cfg.ModelTimeout)
		}
		resp, err := l.client.Complete(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !llm.IsRetryable(err) || attempt >= l.cfg.ModelRetries {
			return nil, err
		}

		t.logger.Warn("transient model failure, retrying",
			"attempt", attempt+1, "max", l.cfg.ModelRetries, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
}

// dispatchTool runs the pending call and records its result in scratch.
// Tool failures become error results for the model; only a finished
// context stops the turn.
func (l *Loop) dispatchTool(ctx context.Context, t *turn) state {
	call := t.pending
	t.pending = nil
	t.iterations++

	l.events.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"request_id": t.requestID,
		"tool":       call.Name,
	})

	start := time.Now()
	out, err := l.tools.Dispatch(ctx, call.Name, call.Arguments)
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		t.err = ctxErr
		return stateError
	}

	rec := session.ToolCallRecord{
		ID:        call.ID,
		ToolName:  call.Name,
		Arguments: call.Arguments,
		Result:    out,
	}
	if err != nil {
		rec.Result = "Error: " + err.Error()
		rec.IsError = true
		t.logger.Warn("tool failed", "tool", call.Name, "error", err)
	} else {
		t.logger.Debug("tool completed", "tool", call.Name, "elapsed", elapsed, "result_len", len(out))
	}

	l.events.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"request_id":  t.requestID,
		"tool":        call.Name,
		"ok":          !rec.IsError,
		"duration_ms": elapsed.Milliseconds(),
	})
	l.recordToolCall(ctx, t, call, rec, start, elapsed)

	t.calls = append(t.calls, rec)
	t.scratch = append(t.scratch,
		llm.Message{Role: llm.RoleAssistant, ToolCall: call},
		llm.Message{
			Role:       llm.RoleTool,
			Content:    rec.Result,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			IsError:    rec.IsError,
		},
	)
	return stateAwaitModel
}

// commit appends the completed exchange to history and reports it.
func (l *Loop) commit(ctx context.Context, t *turn) *Response {
	now := time.Now()
	assistant := session.Turn{Role: session.RoleAssistant, Content: t.answer, CreatedAt: now}
	if n := len(t.calls); n > 0 {
		last := t.calls[n-1]
		assistant.ToolCall = &last
	}
	l.history.AppendExchange(t.session,
		session.Turn{Role: session.RoleUser, Content: t.userInput, CreatedAt: t.started},
		assistant,
	)

	elapsed := time.Since(t.started)
	if l.recorder != nil {
		err := l.recorder.RecordTurn(context.WithoutCancel(ctx), audit.Turn{
			RequestID:   t.requestID,
			SessionID:   t.session.ID,
			UserInput:   t.userInput,
			BotResponse: t.answer,
			Model:       t.model,
			Iterations:  t.iterations,
			TokensIn:    t.tokensIn,
			TokensOut:   t.tokensOut,
			Elapsed:     elapsed,
			CreatedAt:   now,
		})
		if err != nil {
			t.logger.Warn("failed to record turn", "error", err)
		}
	}

	l.events.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"request_id": t.requestID,
		"session_id": t.session.ID,
		"model":      t.model,
		"iterations": t.iterations,
		"tokens_in":  t.tokensIn,
		"tokens_out": t.tokensOut,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	t.logger.Info("agent loop completed",
		"iterations", t.iterations,
		"tokens_in", t.tokensIn,
		"tokens_out", t.tokensOut,
		"elapsed", elapsed,
	)

	return &Response{
		SessionID:  t.session.ID,
		RequestID:  t.requestID,
		Text:       t.answer,
		Model:      t.model,
		Iterations: t.iterations,
		TokensIn:   t.tokensIn,
		TokensOut:  t.tokensOut,
		ToolCalls:  t.calls,
	}
}

// fail discards the turn's scratch and reports the error.
func (l *Loop) fail(t *turn) error {
	elapsed := time.Since(t.started)
	t.scratch = nil

	l.events.Emit(events.SourceAgent, events.KindRequestFailed, map[string]any{
		"request_id": t.requestID,
		"session_id": t.session.ID,
		"iterations": t.iterations,
		"error":      t.err.Error(),
		"elapsed_ms": elapsed.Milliseconds(),
	})
	t.logger.Error("agent loop failed", "iterations", t.iterations, "elapsed", elapsed, "error", t.err)

	return &LoopError{
		SessionID:  t.session.ID,
		RequestID:  t.requestID,
		Iterations: t.iterations,
		Err:        t.err,
	}
}

func (l *Loop) recordToolCall(ctx context.Context, t *turn, call *llm.ToolCall, rec session.ToolCallRecord, start time.Time, elapsed time.Duration) {
	if l.recorder == nil {
		return
	}
	tc := audit.ToolCall{
		CallID:     call.ID,
		RequestID:  t.requestID,
		SessionID:  t.session.ID,
		ToolName:   call.Name,
		Arguments:  call.ArgumentsJSON(),
		StartedAt:  start,
		DurationMs: elapsed.Milliseconds(),
	}
	if rec.IsError {
		tc.Error = rec.Result
	} else {
		tc.Result = rec.Result
	}
	if err := l.recorder.RecordToolCall(context.WithoutCancel(ctx), tc); err != nil {
		t.logger.Warn("failed to record tool call", "tool", call.Name, "error", err)
	}
}

// generateRequestID returns a short id for correlating the log lines
// and events of one turn.
func generateRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
