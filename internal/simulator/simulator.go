// Package simulator is a scripted dialogue service. It answers every turn
// with a session id, a transcript of the input, sine-tone WAV speech with
// matching animation frames, and a final marker.
package simulator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/normanking/cortexconverse/internal/audio"
	"github.com/normanking/cortexconverse/internal/avatar"
	"github.com/normanking/cortexconverse/internal/frames"
	"github.com/normanking/cortexconverse/internal/transport"
	"github.com/rs/zerolog"
)

// Responder produces the agent's reply to one turn's input.
type Responder func(agentID, input string) string

// Config holds simulator configuration
type Config struct {
	SampleRate     int           // Default: 16000
	FrameRate      float64       // Default: 30
	SecondsPerWord float64       // Default: 0.1
	ToneHz         float64       // Default: 220
	Latency        time.Duration // Delay between envelopes
	Responder      Responder
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SampleRate:     16000,
		FrameRate:      30,
		SecondsPerWord: 0.1,
		ToneHz:         220,
	}
}

var cannedLines = []string{
	"That is an interesting thought. What made you think of it?",
	"I was wondering the same thing. Tell me more.",
	"Good point. I would add that timing matters a lot.",
	"Let us look at it from another angle.",
}

// Simulator serves scripted responses.
type Simulator struct {
	config Config
	logger zerolog.Logger

	mu      sync.Mutex
	turns   int
	seen    []Turn
	ratings []Rating
}

// Turn records one served call.
type Turn struct {
	AgentID    string
	SessionID  string
	Input      string
	Metadata   map[string]string
	AudioBytes int
	Trigger    string
}

// New creates a simulator.
func New(config Config, logger zerolog.Logger) *Simulator {
	d := DefaultConfig()
	if config.SampleRate <= 0 {
		config.SampleRate = d.SampleRate
	}
	if config.FrameRate <= 0 {
		config.FrameRate = d.FrameRate
	}
	if config.SecondsPerWord <= 0 {
		config.SecondsPerWord = d.SecondsPerWord
	}
	if config.ToneHz <= 0 {
		config.ToneHz = d.ToneHz
	}
	return &Simulator{
		config: config,
		logger: logger.With().Str("component", "simulator").Logger(),
	}
}

// Client returns an in-memory client served by the simulator.
func (s *Simulator) Client(metadata map[string]string) *transport.Loopback {
	return transport.NewLoopback(s.Serve, metadata)
}

// Turns returns every served call in order.
func (s *Simulator) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.seen))
	copy(out, s.seen)
	return out
}

// Handler serves the simulator over WebSocket.
func (s *Simulator) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Upgrade failed")
			return
		}
		md := map[string]string{
			transport.HeaderSource:        r.Header.Get(transport.HeaderSource),
			transport.HeaderClientVersion: r.Header.Get(transport.HeaderClientVersion),
		}
		if err := transport.ServeWS(r.Context(), conn, md, s.Serve, s.logger); err != nil {
			s.logger.Debug().Err(err).Msg("Call ended with error")
		}
	})
}

// Serve answers one call. It satisfies transport.ServerFunc.
func (s *Simulator) Serve(ctx context.Context, call transport.ServerCall) error {
	var cfg frames.Config
	var turn Turn
	var texts []string

	for {
		msg, err := call.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case frames.Config:
			cfg = m
		case frames.Data:
			switch {
			case m.Trigger != nil:
				turn.Trigger = m.Trigger.Name
				texts = append(texts, m.Trigger.Message)
			case len(m.Audio) > 0:
				turn.AudioBytes += len(m.Audio)
			default:
				texts = append(texts, m.Text)
			}
		}
	}

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	turn.AgentID = cfg.AgentID
	turn.SessionID = sessionID
	turn.Input = strings.TrimSpace(strings.Join(texts, " "))
	turn.Metadata = call.Metadata()
	if turn.Input == "" && turn.AudioBytes > 0 {
		turn.Input = fmt.Sprintf("[%d bytes of audio]", turn.AudioBytes)
	}

	s.mu.Lock()
	s.turns++
	n := s.turns
	s.seen = append(s.seen, turn)
	s.mu.Unlock()

	s.logger.Debug().
		Str("agent", cfg.AgentID).
		Str("source", turn.Metadata[transport.HeaderSource]).
		Str("input", turn.Input).
		Msg("Serving turn")

	send := func(env frames.Envelope) error {
		if s.config.Latency > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.config.Latency):
			}
		}
		return call.Send(ctx, env)
	}

	if err := send(frames.SessionIDAssignment{SessionID: sessionID}); err != nil {
		return err
	}
	if turn.Input != "" {
		if err := send(frames.UserTranscript{Text: turn.Input, IsFinal: true}); err != nil {
			return err
		}
	}
	if turn.Trigger != "" {
		if err := send(frames.NarrativeSection{SectionID: turn.Trigger}); err != nil {
			return err
		}
	}

	interactionID := uuid.NewString()
	if !cfg.AudioFormat.DisableAudio {
		reply := s.reply(cfg.AgentID, turn.Input, n)
		for _, sentence := range splitSentences(reply) {
			if err := s.speak(send, sentence, interactionID, cfg.AnimationModel); err != nil {
				return err
			}
		}
	}
	return send(frames.AgentAudioChunk{Final: true, InteractionID: interactionID})
}

func (s *Simulator) reply(agentID, input string, n int) string {
	if s.config.Responder != nil {
		return s.config.Responder(agentID, input)
	}
	return cannedLines[(n-1)%len(cannedLines)]
}

// speak sends one sentence as a WAV chunk followed by one frame per
// animation tick and a terminating marker.
func (s *Simulator) speak(send func(frames.Envelope) error, sentence, interactionID string, kind frames.Kind) error {
	words := len(strings.Fields(sentence))
	d := time.Duration(float64(words) * s.config.SecondsPerWord * float64(time.Second))
	pcm := s.tone(d)

	chunk := frames.AgentAudioChunk{
		Audio:         audio.EncodeWAV(pcm, s.config.SampleRate, 1, 16),
		Text:          sentence,
		SampleRate:    s.config.SampleRate,
		InteractionID: interactionID,
	}
	if err := send(chunk); err != nil {
		return err
	}

	n := int(math.Round(d.Seconds() * s.config.FrameRate))
	switch kind {
	case frames.KindViseme:
		for i := 0; i < n; i++ {
			var v frames.VisemeFrame
			v.Weights[frames.VisemeAA+i%5] = 0.6
			if err := send(v); err != nil {
				return err
			}
		}
		var marker frames.VisemeFrame
		marker.Weights[frames.VisemeSil] = frames.SilenceSentinel
		return send(marker)

	case frames.KindBlendshape:
		jaw := avatar.ChannelIndex(frames.KindBlendshape, "jawOpen")
		for i := 0; i < n; i++ {
			w := make([]float32, avatar.ARKitBlendshapeCount)
			w[jaw] = float32(0.2 + 0.4*math.Abs(math.Sin(float64(i)/3)))
			if err := send(frames.BlendshapeFrame{Weights: w}); err != nil {
				return err
			}
		}
		return send(frames.BlendshapeFrame{EndOfResponse: true})
	}
	return nil
}

// tone renders a 16-bit mono sine wave of duration d.
func (s *Simulator) tone(d time.Duration) []byte {
	samples := int(d.Seconds() * float64(s.config.SampleRate))
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := 0.3 * math.Sin(2*math.Pi*s.config.ToneHz*float64(i)/float64(s.config.SampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return pcm
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
