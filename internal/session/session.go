// Package session keeps per-conversation state for the lifetime of the
// process.
//
// A [Store] maps caller-supplied session identifiers to [Session]
// values. Each Session owns an append-only sequence of [Turn] values
// and a turn lock that serializes agent runs against the same
// conversation. Nothing is persisted and nothing is evicted.
package session

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

// ErrInvalidSession is returned when a session identifier is empty.
var ErrInvalidSession = errors.New("invalid session id")

// Role identifies who produced a turn.
type Role string

// Turn roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is a single entry in a session's history. Turns are immutable
// once appended.
type Turn struct {
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	ToolCall  *ToolCallRecord `json:"tool_call,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ToolCallRecord captures one tool invocation made while producing a
// turn.
type ToolCallRecord struct {
	ID        string         `json:"id,omitempty"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result"`
	IsError   bool           `json:"is_error,omitempty"`
}

func (t Turn) clone() Turn {
	if t.ToolCall != nil {
		tc := *t.ToolCall
		tc.Arguments = maps.Clone(tc.Arguments)
		t.ToolCall = &tc
	}
	return t
}

// Session is one conversation.
type Session struct {
	ID        string
	CreatedAt time.Time

	turn chan struct{} // turn lock, capacity 1

	mu        sync.RWMutex
	history   []Turn
	updatedAt time.Time
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		CreatedAt: now,
		turn:      make(chan struct{}, 1),
		updatedAt: now,
	}
}

// Lock acquires the session's turn lock, waiting until it is free or
// ctx is done. The returned unlock function is safe to call more than
// once.
func (s *Session) Lock(ctx context.Context) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case s.turn <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.turn }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Append adds turns to the end of the history under a single write, so
// concurrent readers see either none or all of them. When retention is
// positive and the history grows past it, the oldest turns are dropped.
func (s *Session) Append(retention int, turns ...Turn) {
	if len(turns) == 0 {
		return
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		s.history = append(s.history, t.clone())
	}
	if retention > 0 && len(s.history) > retention {
		kept := make([]Turn, retention)
		copy(kept, s.history[len(s.history)-retention:])
		s.history = kept
	}
	s.updatedAt = now
}

// Last returns a copy of at most the n most recent turns in
// chronological order. n <= 0 returns the whole history.
func (s *Session) Last(n int) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.history
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	out := make([]Turn, len(src))
	for i, t := range src {
		out[i] = t.clone()
	}
	return out
}

// Turns returns a copy of the full retained history.
func (s *Session) Turns() []Turn {
	return s.Last(0)
}

// Len returns the number of retained turns.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// UpdatedAt returns the time of the last append.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}
