// Package stream drains the response side of a duplex call and routes each
// envelope to playback, lip-sync and the session.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/normanking/cortexconverse/internal/audio"
	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/normanking/cortexconverse/internal/frames"
	"github.com/normanking/cortexconverse/internal/lipsync"
	"github.com/normanking/cortexconverse/internal/metrics"
	"github.com/normanking/cortexconverse/internal/playback"
	"github.com/normanking/cortexconverse/internal/transport"
	"github.com/rs/zerolog"
)

// SessionState is the part of a session the reader updates.
type SessionState interface {
	// SetSessionIDOnce stores id if no session id is set yet.
	SetSessionIDOnce(id string) bool
	SetInteractionID(id string)
	// MarkResponding records that the service started answering.
	MarkResponding()
}

// Enqueuer accepts playback items.
type Enqueuer interface {
	Enqueue(item playback.Item)
}

// Options wires a Reader.
type Options struct {
	AgentID  string
	Call     transport.Call
	State    SessionState
	Playback Enqueuer
	// Generation stamps every playback item.
	Generation uint64
	// Animation is nil when the agent has no animation channel.
	Animation   *lipsync.Turn
	Transcripts *TranscriptLog
	Actions     *ActionQueue
	Bus         *bus.EventBus
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// Reader drains one call.
type Reader struct {
	opts   Options
	logger zerolog.Logger
}

// NewReader creates a reader.
func NewReader(opts Options) *Reader {
	if opts.Transcripts == nil {
		opts.Transcripts = NewTranscriptLog()
	}
	if opts.Actions == nil {
		opts.Actions = NewActionQueue()
	}
	return &Reader{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "stream-reader").Str("agent", opts.AgentID).Logger(),
	}
}

// Run receives until the stream ends. Cancellation is not an error; any
// other receive failure is returned wrapped as transport.ErrTransportFault.
func (r *Reader) Run(ctx context.Context) error {
	for {
		env, err := r.opts.Call.Recv(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case ctx.Err() != nil || transport.IsCancelled(err):
				_ = r.opts.Call.CloseSend()
				r.logger.Debug().Msg("Stream cancelled")
				return nil
			case errors.Is(err, transport.ErrTransportFault):
				return err
			default:
				return fmt.Errorf("%w: %v", transport.ErrTransportFault, err)
			}
		}

		r.opts.State.MarkResponding()
		r.opts.Metrics.EnvelopeReceived(r.opts.AgentID, string(env.Type()))
		r.logger.Debug().Str("type", string(env.Type())).Msg("Envelope received")
		r.publish(bus.EventTypeEnvelopeReceived, map[string]any{"type": string(env.Type())})

		r.route(env)
	}
}

func (r *Reader) route(env frames.Envelope) {
	switch e := env.(type) {
	case frames.UserTranscript:
		r.opts.Transcripts.Append(Entry{Role: RoleUser, Text: e.Text})
		r.publish(bus.EventTypeUserTranscript, map[string]any{"text": e.Text, "final": e.IsFinal})

	case frames.ActionDirective:
		r.opts.Actions.Push(e.Action)
		r.publish(bus.EventTypeAction, map[string]any{"action": e.Action})

	case frames.AgentAudioChunk:
		r.handleAudio(e)

	case frames.VisemeFrame:
		r.handleFrame(frames.FromViseme(e), e.Completes())

	case frames.BlendshapeFrame:
		r.handleFrame(frames.FromBlendshape(e), e.Completes())

	case frames.SessionIDAssignment:
		if e.SessionID != "" && r.opts.State.SetSessionIDOnce(e.SessionID) {
			r.logger.Info().Str("session", e.SessionID).Msg("Session id assigned")
		}

	case frames.DebugNote:
		r.logger.Debug().Str("note", e.Text).Msg("Service debug note")
		r.publish(bus.EventTypeDebugNote, map[string]any{"text": e.Text})

	case frames.NarrativeSection:
		r.publish(bus.EventTypeNarrativeSection, map[string]any{"section_id": e.SectionID})

	default:
		r.logger.Debug().Str("type", string(env.Type())).Msg("Unhandled envelope")
	}
}

func (r *Reader) handleAudio(e frames.AgentAudioChunk) {
	if e.InteractionID != "" {
		r.opts.State.SetInteractionID(e.InteractionID)
	}

	if audio.HasAudio(e.Audio) {
		r.enqueueClip(e)
	}

	if e.Final {
		if r.opts.Animation != nil {
			r.opts.Animation.Flush()
		}
		r.opts.Playback.Enqueue(playback.Item{Final: true, Generation: r.opts.Generation})
	}
}

func (r *Reader) enqueueClip(e frames.AgentAudioChunk) {
	clip, header, err := audio.DecodeClip(e.Audio, e.SampleRate)
	if err != nil {
		r.opts.Metrics.Dropped(r.opts.AgentID, "malformed_audio")
		r.logger.Warn().Err(err).Int("bytes", len(e.Audio)).Msg("Dropping audio chunk")
		return
	}

	item := playback.Item{
		Clip:       clip,
		Declared:   header.Duration(),
		Transcript: e.Text,
		Generation: r.opts.Generation,
	}
	if e.Text != "" {
		r.opts.Transcripts.Append(Entry{Role: RoleAgent, Text: e.Text, InteractionID: e.InteractionID})
	}

	if r.opts.Animation == nil {
		r.opts.Playback.Enqueue(item)
		return
	}
	r.opts.Animation.Open(item)
}

func (r *Reader) handleFrame(f frames.Frame, completes bool) {
	if r.opts.Animation == nil {
		r.opts.Metrics.Dropped(r.opts.AgentID, "no_animation")
		r.logger.Debug().Str("kind", string(f.Kind)).Msg("Frame without animation channel dropped")
		return
	}
	r.opts.Animation.Add(f, completes)
}

func (r *Reader) publish(t bus.EventType, data map[string]any) {
	if r.opts.Bus == nil {
		return
	}
	r.opts.Bus.PublishSync(bus.Event{Type: t, AgentID: r.opts.AgentID, Data: data})
}
