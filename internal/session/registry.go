package session

import (
	"errors"
	"sync"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrDuplicate = errors.New("session already registered")
)

// Registry is the process-wide table of live sessions. It guards only its
// own map; session internals carry their own locking.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds a session. An identifier is registered at most once.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return ErrDuplicate
	}
	r.sessions[s.ID] = s
	return nil
}

// Unregister removes a session. Removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// All returns a snapshot of the current session handles.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ShutdownAll asks every live session to stop, e.g. on process termination.
// Sessions unregister themselves as their run loops wind down.
func (r *Registry) ShutdownAll(reason string) {
	for _, s := range r.All() {
		s.RequestStop(reason)
	}
}
