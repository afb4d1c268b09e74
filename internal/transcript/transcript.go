// Package transcript persists per-session conversation logs as JSON files.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beanandbrew/voicedesk/internal/policy"
)

// Entry is one conversation turn.
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript accumulates a session's conversation and writes it to disk
// after every turn, so a crash mid-session loses at most the last turn.
type Transcript struct {
	mu        sync.Mutex
	path      string
	sessionID string
	startedAt time.Time
	endedAt   *time.Time
	reason    string
	entries   []Entry
}

type fileForm struct {
	SessionID string     `json:"session_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
	Entries   []Entry    `json:"entries"`
}

// New opens a transcript for sessionID under dir. A nil Transcript is
// returned when dir is empty; all methods are no-ops on nil.
func New(dir, sessionID string) (*Transcript, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	t := &Transcript{
		path:      filepath.Join(dir, sessionID+".json"),
		sessionID: sessionID,
		startedAt: time.Now().UTC(),
	}
	if err := t.persistLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

// Add records one conversation turn, with PII masked before it touches disk.
func (t *Transcript) Add(role, content string) error {
	if t == nil {
		return nil
	}
	redacted, _ := policy.RedactPII(content)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, Entry{
		Role:      role,
		Content:   redacted,
		Timestamp: time.Now().UTC(),
	})
	return t.persistLocked()
}

// End marks the transcript finished and writes the final file.
func (t *Transcript) End(reason string) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	t.endedAt = &now
	t.reason = reason
	return t.persistLocked()
}

// Entries returns a copy of the recorded turns.
func (t *Transcript) Entries() []Entry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Path returns the file the transcript is written to.
func (t *Transcript) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

func (t *Transcript) persistLocked() error {
	form := fileForm{
		SessionID: t.sessionID,
		StartedAt: t.startedAt,
		EndedAt:   t.endedAt,
		EndReason: t.reason,
		Entries:   t.entries,
	}
	data, err := json.MarshalIndent(form, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("finalize transcript: %w", err)
	}
	return nil
}
