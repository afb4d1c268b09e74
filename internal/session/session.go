// Package session owns the lifecycle of one browser voice connection and the
// process-wide registry of live sessions.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a lifecycle phase. Transitions are serialized per session; every
// mutation happens under the session mutex.
type State string

const (
	StateInit       State = "init"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateStopping   State = "stopping"
	StateClosed     State = "closed"
	StateError      State = "error"
)

// Session is one client connection from handshake to termination. It is
// owned by the orchestrator run loop; the registry holds only a reference.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	state        State
	stopReason   string
	lastActivity time.Time
	audioSeq     uint64
	inflight     map[string]struct{}
	stopFn       func(reason string)
}

// Info is a read-only snapshot for status reporting.
type Info struct {
	ID             string    `json:"session_id"`
	State          State     `json:"state"`
	StopReason     string    `json:"stop_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	InFlightCalls  int       `json:"in_flight_calls"`
	AudioSeq       uint64    `json:"audio_seq"`
}

func New() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		state:        StateInit,
		lastActivity: now,
		inflight:     make(map[string]struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:             s.ID,
		State:          s.state,
		StopReason:     s.stopReason,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivity,
		InFlightCalls:  len(s.inflight),
		AudioSeq:       s.audioSeq,
	}
}

// Touch records activity; the idle timeout measures from the last touch.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// NextAudioSeq returns the next outbound audio sequence number. Values are
// strictly increasing for the life of the session.
func (s *Session) NextAudioSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioSeq++
	return s.audioSeq
}

// BeginConnect moves init → connecting.
func (s *Session) BeginConnect() error {
	return s.transition(StateConnecting, StateInit)
}

// MarkActive moves connecting → active; it is also how the session re-enters
// active bookkeeping after a tool call completes (a no-op when already
// active).
func (s *Session) MarkActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		return nil
	}
	if s.state != StateConnecting {
		return fmt.Errorf("session %s: cannot activate from %s", s.ID, s.state)
	}
	s.state = StateActive
	s.lastActivity = time.Now().UTC()
	return nil
}

// BeginStopping moves connecting/active → stopping and records the reason.
// Returns false when the session is already winding down or terminal, which
// keeps stop requests idempotent.
func (s *Session) BeginStopping(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnecting, StateActive:
		s.state = StateStopping
		s.stopReason = reason
		return true
	default:
		return false
	}
}

// Fail moves connecting/active/stopping → error.
func (s *Session) Fail(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnecting, StateActive, StateStopping:
		s.state = StateError
		if s.stopReason == "" {
			s.stopReason = reason
		}
		return true
	default:
		return false
	}
}

// MarkClosed is the unconditional final transition out of stopping or error.
func (s *Session) MarkClosed() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

func (s *Session) StopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

func (s *Session) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

// Stopping reports whether the session has left the active phase.
func (s *Session) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStopping || s.state == StateClosed || s.state == StateError
}

func (s *Session) transition(to State, from ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.state == f {
			s.state = to
			s.lastActivity = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("session %s: illegal transition %s -> %s", s.ID, s.state, to)
}

// AddCall records a tool call as in flight. Returns false for duplicates or
// when the session is no longer active.
func (s *Session) AddCall(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	if _, dup := s.inflight[callID]; dup {
		return false
	}
	s.inflight[callID] = struct{}{}
	return true
}

// RemoveCall resolves an in-flight call. Returns false when the call was
// unknown or already resolved.
func (s *Session) RemoveCall(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[callID]; !ok {
		return false
	}
	delete(s.inflight, callID)
	return true
}

func (s *Session) InFlightCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// SetStopFunc registers the callback the registry uses for coordinated
// shutdown.
func (s *Session) SetStopFunc(fn func(reason string)) {
	s.mu.Lock()
	s.stopFn = fn
	s.mu.Unlock()
}

// RequestStop asks the owning run loop to wind the session down.
func (s *Session) RequestStop(reason string) {
	s.mu.Lock()
	fn := s.stopFn
	s.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}
