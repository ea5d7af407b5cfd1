// Package audit keeps a queryable ledger of completed chat turns and
// every tool call the agent dispatched. The ledger lives in SQLite and
// is in-memory unless a file path is given.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// MaxLimit caps the rows returned by a single query.
const MaxLimit = 1000

// DefaultLimit applies when a query passes no limit.
const DefaultLimit = 100

// Turn is one completed user/assistant exchange.
type Turn struct {
	RequestID   string        `json:"request_id"`
	SessionID   string        `json:"session_id"`
	UserInput   string        `json:"user_input"`
	BotResponse string        `json:"bot_response"`
	Model       string        `json:"model"`
	Iterations  int           `json:"iterations"`
	TokensIn    int           `json:"tokens_in"`
	TokensOut   int           `json:"tokens_out"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ToolCall is one dispatched tool invocation.
type ToolCall struct {
	ID         string    `json:"id"`
	CallID     string    `json:"call_id,omitempty"` // provider-assigned id
	RequestID  string    `json:"request_id"`
	SessionID  string    `json:"session_id"`
	ToolName   string    `json:"tool_name"`
	Arguments  string    `json:"arguments"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Filter narrows a tool call query. Zero fields match everything.
type Filter struct {
	SessionID string
	ToolName  string
	Limit     int
}

// Ledger is a SQLite-backed audit store.
type Ledger struct {
	db *sql.DB
}

// Open opens the ledger at path. An empty path keeps it in memory for
// the life of the process.
func Open(path string) (*Ledger, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	} else {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Each connection to :memory: is its own database.
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS turns (
		request_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_input TEXT NOT NULL,
		bot_response TEXT NOT NULL,
		model TEXT NOT NULL,
		iterations INTEGER NOT NULL DEFAULT 0,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		elapsed_ns INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		call_id TEXT,
		request_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`)
	return err
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordTurn stores a completed exchange. A zero CreatedAt is set to now.
func (l *Ledger) RecordTurn(ctx context.Context, t Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO turns (request_id, session_id, user_input, bot_response, model,
		                   iterations, tokens_in, tokens_out, elapsed_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.RequestID, t.SessionID, t.UserInput, t.BotResponse, t.Model,
		t.Iterations, t.TokensIn, t.TokensOut, int64(t.Elapsed), t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record turn %s: %w", t.RequestID, err)
	}
	return nil
}

// RecordToolCall stores a finished tool invocation. An empty ID is
// generated and a zero StartedAt is set to now.
func (l *Ledger) RecordToolCall(ctx context.Context, tc ToolCall) error {
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	if tc.StartedAt.IsZero() {
		tc.StartedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, call_id, request_id, session_id, tool_name, arguments,
		                        result, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tc.ID, nullString(tc.CallID), tc.RequestID, tc.SessionID, tc.ToolName, tc.Arguments,
		nullString(tc.Result), nullString(tc.Error), tc.StartedAt.UTC(), tc.DurationMs)
	if err != nil {
		return fmt.Errorf("record tool call %s: %w", tc.ID, err)
	}
	return nil
}

// ToolCalls returns recorded tool calls, newest first.
func (l *Ledger) ToolCalls(ctx context.Context, f Filter) ([]ToolCall, error) {
	var where []string
	var args []any
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ToolName != "" {
		where = append(where, "tool_name = ?")
		args = append(args, f.ToolName)
	}

	q := `SELECT id, call_id, request_id, session_id, tool_name, arguments, result, error, started_at, duration_ms
		FROM tool_calls`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var tc ToolCall
		var callID, result, errMsg sql.NullString
		if err := rows.Scan(&tc.ID, &callID, &tc.RequestID, &tc.SessionID, &tc.ToolName, &tc.Arguments,
			&result, &errMsg, &tc.StartedAt, &tc.DurationMs); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		tc.CallID = callID.String
		tc.Result = result.String
		tc.Error = errMsg.String
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// Turns returns recorded turns for a session, oldest first. An empty
// sessionID returns turns across all sessions.
func (l *Ledger) Turns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	q := `SELECT request_id, session_id, user_input, bot_response, model,
		       iterations, tokens_in, tokens_out, elapsed_ns, created_at
		FROM (
			SELECT *, rowid AS seq FROM turns`
	args := []any{}
	if sessionID != "" {
		q += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	q += " ORDER BY created_at DESC, seq DESC LIMIT ?) ORDER BY created_at, seq"
	args = append(args, clampLimit(limit))

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var elapsed int64
		if err := rows.Scan(&t.RequestID, &t.SessionID, &t.UserInput, &t.BotResponse, &t.Model,
			&t.Iterations, &t.TokensIn, &t.TokensOut, &elapsed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Elapsed = time.Duration(elapsed)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ToolStats returns the number of recorded calls per tool name.
func (l *Ledger) ToolStats(ctx context.Context) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT tool_name, COUNT(*) FROM tool_calls GROUP BY tool_name`)
	if err != nil {
		return nil, fmt.Errorf("query tool stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan tool stats: %w", err)
		}
		stats[name] = n
	}
	return stats, rows.Err()
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
