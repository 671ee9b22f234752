package store

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/rs/zerolog"
)

// Journal writes final user transcripts and spoken agent lines to the store
// as they appear on the event bus.
type Journal struct {
	store   *SQLiteStore
	logger  zerolog.Logger
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]string
}

// NewJournal subscribes a journal to eventBus.
func NewJournal(s *SQLiteStore, eventBus *bus.EventBus, logger zerolog.Logger) *Journal {
	j := &Journal{
		store:    s,
		logger:   logger.With().Str("component", "journal").Logger(),
		timeout:  2 * time.Second,
		sessions: make(map[string]string),
	}
	eventBus.Subscribe(bus.EventTypeSessionStarted, j.onSession)
	eventBus.Subscribe(bus.EventTypeUserTranscript, j.onUser)
	eventBus.Subscribe(bus.EventTypeAgentTranscript, j.onAgent)
	return j
}

func (j *Journal) onSession(e bus.Event) {
	j.mu.Lock()
	j.sessions[e.AgentID] = e.String("session_id")
	j.mu.Unlock()
}

func (j *Journal) onUser(e bus.Event) {
	if final, _ := e.Data["final"].(bool); !final {
		return
	}
	j.write(e, "user")
}

func (j *Journal) onAgent(e bus.Event) {
	j.write(e, "agent")
}

func (j *Journal) write(e bus.Event, role string) {
	text := e.String("text")
	if text == "" {
		return
	}
	j.mu.Lock()
	sessionID := j.sessions[e.AgentID]
	j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	err := j.store.AppendTranscript(ctx, TranscriptRecord{
		AgentID:       e.AgentID,
		SessionID:     sessionID,
		Role:          role,
		Text:          text,
		InteractionID: e.String("interaction_id"),
	})
	if err != nil {
		j.logger.Warn().Err(err).Str("agent", e.AgentID).Msg("Failed to journal transcript")
	}
}
