package stream

import (
	"sync"
	"time"
)

// Roles in the transcript log.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Entry is one transcript line.
type Entry struct {
	Role          string
	Text          string
	InteractionID string
	At            time.Time
}

// TranscriptLog is an append-only conversation log.
type TranscriptLog struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewTranscriptLog creates an empty log.
func NewTranscriptLog() *TranscriptLog {
	return &TranscriptLog{}
}

// Append adds an entry, stamping it if At is zero.
func (l *TranscriptLog) Append(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Entries returns a copy of the log.
func (l *TranscriptLog) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ActionQueue holds action directives until the host consumes them.
type ActionQueue struct {
	mu      sync.Mutex
	actions []string
}

// NewActionQueue creates an empty queue.
func NewActionQueue() *ActionQueue {
	return &ActionQueue{}
}

func (q *ActionQueue) Push(action string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = append(q.actions, action)
}

// Pop removes the oldest action.
func (q *ActionQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.actions) == 0 {
		return "", false
	}
	a := q.actions[0]
	q.actions = q.actions[1:]
	return a, true
}

func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}
