package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "converse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_SessionUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.LastSessionID(ctx, "ada")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, s.SaveSession(ctx, "ada", "s-1"))
	require.NoError(t, s.SaveSession(ctx, "ada", "s-2"))
	require.NoError(t, s.SaveSession(ctx, "bo", "s-9"))

	id, err = s.LastSessionID(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, "s-2", id)

	_, err = s.LastSessionID(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidAgent)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "converse.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(ctx, "ada", "keep-me"))
	require.NoError(t, s.Close())

	_, err = s.LastSessionID(ctx, "ada")
	assert.ErrorIs(t, err, ErrClosed)

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	id, err := s.LastSessionID(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, "keep-me", id)
}

func TestSQLiteStore_Transcripts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, line := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendTranscript(ctx, TranscriptRecord{AgentID: "ada", Role: "agent", Text: line}))
	}
	require.NoError(t, s.AppendTranscript(ctx, TranscriptRecord{AgentID: "bo", Role: "user", Text: "other"}))

	all, err := s.Transcripts(ctx, "ada", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "one", all[0].Text)
	assert.NotEmpty(t, all[0].ID)
	assert.False(t, all[0].CreatedAt.IsZero())

	last, err := s.Transcripts(ctx, "ada", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "two", last[0].Text)
	assert.Equal(t, "three", last[1].Text)
}

func TestSQLiteStore_Feedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFeedback(ctx, FeedbackRecord{InteractionID: "i-1", ThumbsUp: true, Text: "great"}))
	require.NoError(t, s.SaveFeedback(ctx, FeedbackRecord{InteractionID: "i-1", Error: "upstream 500"}))

	got, err := s.Feedback(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].ThumbsUp)
	assert.Equal(t, "great", got[0].Text)
	assert.False(t, got[1].ThumbsUp)
	assert.Equal(t, "upstream 500", got[1].Error)
}

func TestJournal_RecordsFinalTranscripts(t *testing.T) {
	s := newTestStore(t)
	eb := bus.NewEventBus()
	NewJournal(s, eb, zerolog.Nop())

	eb.PublishSync(bus.Event{Type: bus.EventTypeSessionStarted, AgentID: "ada", Data: map[string]any{"session_id": "s-7"}})
	eb.PublishSync(bus.Event{Type: bus.EventTypeUserTranscript, AgentID: "ada", Data: map[string]any{"text": "hel", "final": false}})
	eb.PublishSync(bus.Event{Type: bus.EventTypeUserTranscript, AgentID: "ada", Data: map[string]any{"text": "hello", "final": true}})
	eb.PublishSync(bus.Event{Type: bus.EventTypeAgentTranscript, AgentID: "ada", Data: map[string]any{"text": "Hi there."}})
	eb.PublishSync(bus.Event{Type: bus.EventTypeAgentTranscript, AgentID: "ada", Data: map[string]any{"text": ""}})

	got, err := s.Transcripts(context.Background(), "ada", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "user", got[0].Role)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, "s-7", got[0].SessionID)
	assert.Equal(t, "agent", got[1].Role)
	assert.Equal(t, "Hi there.", got[1].Text)
}
