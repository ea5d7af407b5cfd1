package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Summary describes a session without exposing its history.
type Summary struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store maps session identifiers to sessions. It is safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// GetOrCreate returns the session for id, creating an empty one on
// first reference. It fails only when id is empty.
func (st *Store) GetOrCreate(id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidSession
	}

	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		return s, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		return s, nil
	}
	s = newSession(id)
	st.sessions[id] = s
	st.logger.Debug("session created", "session_id", id, "sessions", len(st.sessions))
	return s, nil
}

// Get returns the session for id without creating it.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// List returns a summary of every session, sorted by id.
func (st *Store) List() []Summary {
	st.mu.RLock()
	all := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, s)
	}
	st.mu.RUnlock()

	out := make([]Summary, 0, len(all))
	for _, s := range all {
		out = append(out, Summary{
			ID:        s.ID,
			Turns:     s.Len(),
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
