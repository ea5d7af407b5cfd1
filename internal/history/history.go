// Package history applies the bounded memory policy to session
// histories: prompts see only the most recent k turns, and a session
// never retains more than a fixed ceiling.
package history

import (
	"fmt"

	"github.com/nugget/game-planer/internal/session"
)

// DefaultRetention is the retention ceiling used when none is given.
const DefaultRetention = 200

// Buffer holds the window size and retention ceiling. Both are fixed
// at construction.
type Buffer struct {
	k         int
	retention int
}

// New creates a Buffer with window size k. A retention of zero selects
// DefaultRetention; a ceiling below k is raised to k.
func New(k, retention int) (*Buffer, error) {
	if k < 1 {
		return nil, fmt.Errorf("history window must be at least 1, got %d", k)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Buffer{k: k, retention: max(retention, k)}, nil
}

// K returns the window size.
func (b *Buffer) K() int { return b.k }

// Retention returns the retention ceiling.
func (b *Buffer) Retention() int { return b.retention }

// Window returns at most the last k turns of s in chronological order.
func (b *Buffer) Window(s *session.Session) []session.Turn {
	return s.Last(b.k)
}

// Append adds one turn to s.
func (b *Buffer) Append(s *session.Session, t session.Turn) {
	s.Append(b.retention, t)
}

// AppendExchange adds a completed user/assistant exchange in a single
// write. Readers never observe the user turn without its answer.
func (b *Buffer) AppendExchange(s *session.Session, user, assistant session.Turn) {
	s.Append(b.retention, user, assistant)
}
