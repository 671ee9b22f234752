// Package session owns the duplex call of each agent: session setup, turn
// serialization, interruption and the cancellation scope of in-flight turns.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/normanking/cortexconverse/internal/audio"
	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/normanking/cortexconverse/internal/frames"
	"github.com/normanking/cortexconverse/internal/lipsync"
	"github.com/normanking/cortexconverse/internal/playback"
	"github.com/normanking/cortexconverse/internal/stream"
	"github.com/normanking/cortexconverse/internal/transport"
	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrSessionInit         = errors.New("session initialization failed")
	ErrTurnAlreadyInFlight = errors.New("turn already in flight")
	ErrUnknownAgent        = errors.New("unknown agent")
	ErrAlreadyListening    = errors.New("already listening")
)

// CanaryText is sent on initialization so the service assigns a session id.
const CanaryText = "Repeat the following exactly as it is: [Hii]"

// scope is the cancellation scope shared by everything a turn starts.
type scope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newScope(parent context.Context) scope {
	ctx, cancel := context.WithCancel(parent)
	return scope{ctx: ctx, cancel: cancel}
}

// Session is one agent's connection to the dialogue service.
type Session struct {
	agent   AgentConfig
	deps    *deps
	seq     *playback.Sequencer
	acc     *lipsync.Accumulator
	player  *lipsync.Player
	logger  zerolog.Logger
	history *stream.TranscriptLog
	actions *stream.ActionQueue

	mu            sync.Mutex
	root          context.Context
	scope         scope
	inFlight      bool
	turnDone      chan struct{}
	call          transport.Call
	sessionID     string
	interactionID string
	active        bool
	canRelay      bool
	listenCancel  context.CancelFunc
}

// AgentID returns the agent id.
func (s *Session) AgentID() string { return s.agent.ID }

// Name returns the agent display name.
func (s *Session) Name() string { return s.agent.Name }

// Agent returns the agent configuration.
func (s *Session) Agent() AgentConfig { return s.agent }

// Player returns the animation player, or nil without an animation channel.
func (s *Session) Player() *lipsync.Player { return s.player }

// Sequencer returns the playback sequencer.
func (s *Session) Sequencer() *playback.Sequencer { return s.seq }

// Transcripts returns the conversation log.
func (s *Session) Transcripts() *stream.TranscriptLog { return s.history }

// Actions returns pending action directives.
func (s *Session) Actions() *stream.ActionQueue { return s.actions }

// SessionID returns the service-assigned id, or "".
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// InteractionID returns the id of the latest agent response.
func (s *Session) InteractionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interactionID
}

// IsActive reports whether the session has been initialized.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// InFlight reports whether a turn is running.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// CanRelay reports whether the agent may be handed a relayed message: it is
// not waiting on the first envelope of a turn and not being interrupted.
func (s *Session) CanRelay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canRelay
}

// IsTalking reports whether the agent is speaking.
func (s *Session) IsTalking() bool {
	return s.seq.IsTalking()
}

func (s *Session) start(ctx context.Context) {
	s.mu.Lock()
	s.root = ctx
	s.scope.cancel()
	s.scope = newScope(ctx)
	s.mu.Unlock()
	s.seq.Start(ctx)
}

func (s *Session) stop() {
	s.Interrupt()
	s.seq.Stop()
	s.mu.Lock()
	s.scope.cancel()
	s.mu.Unlock()
}

func (s *Session) configEnvelope(sessionID string, disableAudio bool) frames.Config {
	return frames.Config{
		AgentID:   s.agent.ID,
		APIKey:    s.deps.config.APIKey,
		SessionID: sessionID,
		AudioFormat: frames.AudioFormat{
			SampleRate:   s.deps.config.Audio.SampleRate,
			DisableAudio: disableAudio,
		},
		AnimationModel: s.agent.Animation,
		Action:         s.agent.Actions,
	}
}

// Initialize opens a call, sends the canary turn with audio disabled and
// returns the first session id the service assigns. With no prior id the
// last persisted one is resumed.
func (s *Session) Initialize(ctx context.Context, priorSessionID string) (string, error) {
	id, err := s.initialize(ctx, priorSessionID)
	s.deps.metrics.SessionInitialized(s.agent.ID, err)
	if err != nil {
		s.logger.Error().Err(err).Msg("Session initialization failed")
		return "", err
	}

	s.mu.Lock()
	s.sessionID = id
	s.active = true
	s.mu.Unlock()

	s.persist(ctx, id)
	s.publish(bus.EventTypeSessionStarted, map[string]any{"session_id": id})
	s.logger.Info().Str("session", id).Msg("Session initialized")
	return id, nil
}

func (s *Session) initialize(ctx context.Context, prior string) (string, error) {
	if prior == "" && s.deps.store != nil {
		last, err := s.deps.store.LastSessionID(ctx, s.agent.ID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Could not load last session id")
		}
		prior = last
	}

	call, err := s.deps.client.Open(ctx)
	if err != nil {
		if errors.Is(err, transport.ErrUpstreamUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: open: %w", ErrSessionInit, err)
	}
	defer call.Close()

	if err := call.Send(ctx, s.configEnvelope(prior, true)); err != nil {
		return "", fmt.Errorf("%w: send config: %w", ErrSessionInit, err)
	}
	if err := call.Send(ctx, frames.Data{Text: CanaryText}); err != nil {
		return "", fmt.Errorf("%w: send canary: %w", ErrSessionInit, err)
	}
	if err := call.CloseSend(); err != nil {
		return "", fmt.Errorf("%w: close send: %w", ErrSessionInit, err)
	}

	for {
		env, err := call.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: stream ended before a session id arrived", ErrSessionInit)
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrSessionInit, err)
		}
		if a, ok := env.(frames.SessionIDAssignment); ok && a.SessionID != "" {
			return a.SessionID, nil
		}
	}
}

func (s *Session) persist(ctx context.Context, id string) {
	if s.deps.store == nil {
		return
	}
	if err := s.deps.store.SaveSession(ctx, s.agent.ID, id); err != nil {
		s.logger.Warn().Err(err).Msg("Could not persist session id")
	}
}

// SendText runs a text turn. actions overrides the agent's action config
// for this turn when non-nil.
func (s *Session) SendText(ctx context.Context, text string, actions *frames.ActionConfig) error {
	t, err := s.beginTurn(ctx, actions)
	if err != nil {
		return err
	}
	return t.finishWrite(ctx, frames.Data{Text: text})
}

// SendTrigger fires a named narrative trigger as a turn.
func (s *Session) SendTrigger(ctx context.Context, name, message string) error {
	t, err := s.beginTurn(ctx, nil)
	if err != nil {
		return err
	}
	return t.finishWrite(ctx, frames.Data{Trigger: &frames.Trigger{Name: name, Message: message}})
}

// SendAudioStream runs an audio turn, writing chunks until the channel closes.
func (s *Session) SendAudioStream(ctx context.Context, chunks <-chan []byte) error {
	t, err := s.beginTurn(ctx, nil)
	if err != nil {
		return err
	}
	return t.streamAudio(ctx, chunks)
}

// StartListening captures PCM from src and streams it as one audio turn
// until StopListening or EOF.
func (s *Session) StartListening(ctx context.Context, src io.Reader) error {
	s.mu.Lock()
	if s.listenCancel != nil {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	s.mu.Unlock()

	t, err := s.beginTurn(ctx, nil)
	if err != nil {
		return err
	}

	listenCtx, cancel := context.WithCancel(t.scope.ctx)
	s.mu.Lock()
	s.listenCancel = cancel
	s.mu.Unlock()

	chunks := audio.NewChunker(s.deps.config.Audio, s.logger).Stream(listenCtx, src)
	s.publish(bus.EventTypeListeningStarted, nil)

	go func() {
		defer cancel()
		if err := t.streamAudio(t.scope.ctx, chunks); err != nil && !transport.IsCancelled(err) {
			s.logger.Warn().Err(err).Msg("Audio stream failed")
		}
		s.mu.Lock()
		s.listenCancel = nil
		s.mu.Unlock()
		s.publish(bus.EventTypeListeningStopped, nil)
	}()
	return nil
}

// StopListening ends capture. The turn's response still plays.
func (s *Session) StopListening() {
	s.mu.Lock()
	cancel := s.listenCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// WaitTurn blocks until the in-flight turn, if any, has finished.
func (s *Session) WaitTurn(ctx context.Context) error {
	s.mu.Lock()
	done := s.turnDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt cancels the in-flight turn, replaces the cancellation scope and
// silences playback. Without a turn it only flushes playback state.
func (s *Session) Interrupt() {
	s.mu.Lock()
	s.canRelay = false
	old := s.scope
	old.cancel()
	if s.root == nil {
		s.root = context.Background()
	}
	s.scope = newScope(s.root)
	call := s.call
	s.call = nil
	hadTurn := s.inFlight
	s.inFlight = false
	s.turnDone = nil
	listen := s.listenCancel
	s.mu.Unlock()

	if listen != nil {
		listen()
	}
	if call != nil {
		_ = call.Close()
	}
	if s.acc != nil {
		s.acc.Reset()
	}
	if s.player != nil {
		s.player.Clear()
	}
	s.seq.Interrupt()

	s.mu.Lock()
	s.canRelay = true
	s.mu.Unlock()

	s.deps.metrics.Interrupted(s.agent.ID)
	s.publish(bus.EventTypeSessionInterrupted, map[string]any{"had_turn": hadTurn})
	s.logger.Info().Bool("hadTurn", hadTurn).Msg("Interrupted")
}

// turn is the write side of one in-flight exchange.
type turn struct {
	session *Session
	call    transport.Call
	scope   scope
}

// beginTurn opens a call, starts the reader and writes the config envelope.
func (s *Session) beginTurn(ctx context.Context, actions *frames.ActionConfig) (*turn, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.deps.metrics.TurnFinished(s.agent.ID, "rejected", 0)
		return nil, ErrTurnAlreadyInFlight
	}
	s.inFlight = true
	s.canRelay = false
	sc := s.scope
	done := make(chan struct{})
	s.turnDone = done
	sessionID := s.sessionID
	s.mu.Unlock()

	call, err := s.deps.client.Open(sc.ctx)
	if err != nil {
		s.finishTurn(done)
		close(done)
		return nil, err
	}

	s.mu.Lock()
	if s.turnDone != done {
		// Interrupted while dialing.
		s.mu.Unlock()
		_ = call.Close()
		close(done)
		return nil, fmt.Errorf("%w: interrupted", transport.ErrTransportCancelled)
	}
	s.call = call
	s.mu.Unlock()

	var anim *lipsync.Turn
	if s.acc != nil {
		t := s.acc.Turn()
		anim = &t
	}
	reader := stream.NewReader(stream.Options{
		AgentID:     s.agent.ID,
		Call:        call,
		State:       readerState{s},
		Playback:    s.seq,
		Generation:  s.seq.Generation(),
		Animation:   anim,
		Transcripts: s.history,
		Actions:     s.actions,
		Bus:         s.deps.bus,
		Metrics:     s.deps.metrics,
		Logger:      s.deps.logger,
	})

	s.publish(bus.EventTypeTurnStarted, nil)
	go s.readTurn(sc.ctx, reader, call, done)

	cfg := s.configEnvelope(sessionID, false)
	if actions != nil {
		cfg.Action = actions
	}
	t := &turn{session: s, call: call, scope: sc}
	if err := call.Send(ctx, cfg); err != nil {
		_ = call.Close()
		return nil, err
	}
	return t, nil
}

func (s *Session) readTurn(ctx context.Context, reader *stream.Reader, call transport.Call, done chan struct{}) {
	start := time.Now()
	err := reader.Run(ctx)
	_ = call.Close()

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "fault"
		s.logger.Warn().Err(err).Msg("Response stream failed")
		s.publish(bus.EventTypeSessionError, map[string]any{"error": err.Error()})
	case ctx.Err() != nil:
		outcome = "cancelled"
	}

	s.finishTurn(done)
	close(done)
	s.deps.metrics.TurnFinished(s.agent.ID, outcome, time.Since(start))
	s.publish(bus.EventTypeTurnFinished, map[string]any{"outcome": outcome})
}

// finishTurn clears the in-flight state if done still names the current turn.
func (s *Session) finishTurn(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnDone == done {
		s.inFlight = false
		s.turnDone = nil
		s.call = nil
		s.canRelay = true
	}
}

func (t *turn) finishWrite(ctx context.Context, data frames.Data) error {
	if err := t.call.Send(ctx, data); err != nil {
		_ = t.call.Close()
		return err
	}
	return t.closeSend()
}

func (t *turn) streamAudio(ctx context.Context, chunks <-chan []byte) error {
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return t.closeSend()
			}
			if err := t.call.Send(ctx, frames.Data{Audio: chunk}); err != nil {
				_ = t.call.Close()
				return err
			}
		case <-ctx.Done():
			_ = t.call.Close()
			return fmt.Errorf("%w: %v", transport.ErrTransportCancelled, ctx.Err())
		case <-t.scope.ctx.Done():
			return fmt.Errorf("%w: interrupted", transport.ErrTransportCancelled)
		}
	}
}

func (t *turn) closeSend() error {
	if err := t.call.CloseSend(); err != nil {
		if transport.IsCancelled(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Session) publish(t bus.EventType, data map[string]any) {
	if s.deps.bus == nil {
		return
	}
	s.deps.bus.PublishSync(bus.Event{Type: t, AgentID: s.agent.ID, Data: data})
}

// readerState adapts a Session to stream.SessionState.
type readerState struct {
	s *Session
}

func (r readerState) SetSessionIDOnce(id string) bool {
	r.s.mu.Lock()
	if r.s.sessionID != "" {
		r.s.mu.Unlock()
		return false
	}
	r.s.sessionID = id
	r.s.active = true
	r.s.mu.Unlock()
	r.s.persist(context.Background(), id)
	return true
}

func (r readerState) SetInteractionID(id string) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.interactionID = id
}

func (r readerState) MarkResponding() {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.canRelay = true
}
