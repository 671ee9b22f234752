// Package store persists session ids, transcripts and feedback in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Common errors
var (
	ErrInvalidAgent = errors.New("agent id is required")
	ErrClosed       = errors.New("store is closed")
)

// TranscriptRecord is one persisted transcript line.
type TranscriptRecord struct {
	ID            string
	AgentID       string
	SessionID     string
	Role          string
	Text          string
	InteractionID string
	CreatedAt     time.Time
}

// FeedbackRecord is one persisted feedback submission.
type FeedbackRecord struct {
	ID            string
	InteractionID string
	ThumbsUp      bool
	Text          string
	Error         string
	CreatedAt     time.Time
}

// SQLiteStore keeps the last session id per agent along with a transcript
// journal and feedback history.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens or creates the database at dbPath. ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		agent_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcripts (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		interaction_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transcripts_agent ON transcripts(agent_id, created_at);

	CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		interaction_id TEXT NOT NULL,
		thumbs_up INTEGER NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_feedback_interaction ON feedback(interaction_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LastSessionID returns the stored session id for agentID, or "".
func (s *SQLiteStore) LastSessionID(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		return "", ErrInvalidAgent
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}

	var id string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE agent_id = ?`, agentID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load session id: %w", err)
	}
	return id, nil
}

// SaveSession records sessionID as agentID's current session.
func (s *SQLiteStore) SaveSession(ctx context.Context, agentID, sessionID string) error {
	if agentID == "" {
		return ErrInvalidAgent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	query := `
	INSERT INTO sessions (agent_id, session_id, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		session_id = excluded.session_id,
		updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, agentID, sessionID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// AppendTranscript journals one line. Missing ids and timestamps are filled in.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, rec TranscriptRecord) error {
	if rec.AgentID == "" {
		return ErrInvalidAgent
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (id, agent_id, session_id, role, text, interaction_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.SessionID, rec.Role, rec.Text, rec.InteractionID, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Transcripts returns agentID's journal, oldest first. limit <= 0 returns
// everything.
func (s *SQLiteStore) Transcripts(ctx context.Context, agentID string, limit int) ([]TranscriptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	query := `
	SELECT id, agent_id, session_id, role, text, interaction_id, created_at FROM (
		SELECT rowid AS seq, id, agent_id, session_id, role, text, interaction_id, created_at
		FROM transcripts WHERE agent_id = ?
		ORDER BY rowid DESC LIMIT ?
	) ORDER BY seq ASC
	`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var out []TranscriptRecord
	for rows.Next() {
		var rec TranscriptRecord
		var created string
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.SessionID, &rec.Role, &rec.Text, &rec.InteractionID, &created); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveFeedback records a feedback submission and its delivery outcome.
func (s *SQLiteStore) SaveFeedback(ctx context.Context, rec FeedbackRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	thumbs := 0
	if rec.ThumbsUp {
		thumbs = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, interaction_id, thumbs_up, text, error, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.InteractionID, thumbs, rec.Text, rec.Error, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

// Feedback returns every submission for interactionID, oldest first.
func (s *SQLiteStore) Feedback(ctx context.Context, interactionID string) ([]FeedbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, interaction_id, thumbs_up, text, error, created_at FROM feedback WHERE interaction_id = ? ORDER BY rowid`,
		interactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var out []FeedbackRecord
	for rows.Next() {
		var rec FeedbackRecord
		var thumbs int
		var created string
		if err := rows.Scan(&rec.ID, &rec.InteractionID, &thumbs, &rec.Text, &rec.Error, &created); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		rec.ThumbsUp = thumbs == 1
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database. Later calls return ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
