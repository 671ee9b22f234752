// Package playback plays an agent's audio responses one at a time, in
// arrival order, gated on lip-sync readiness.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/cortexconverse/internal/audio"
	"github.com/normanking/cortexconverse/internal/avatar"
	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/normanking/cortexconverse/internal/dispatch"
	"github.com/normanking/cortexconverse/internal/metrics"
	"github.com/rs/zerolog"
)

// Item is one unit of playback. A Final item carries no audio and marks the
// end of the agent's response.
type Item struct {
	Clip audio.Clip
	// Declared is the length stated by the WAV header. It can differ from
	// Clip.Duration when the chunk overrides the sample rate.
	Declared   time.Duration
	Transcript string
	Final      bool
	// Generation is the sequencer generation the item was produced for.
	// Items from before the latest Interrupt are discarded.
	Generation uint64
}

// SpokenDuration returns the header-declared length, falling back to the
// decoded clip length.
func (i Item) SpokenDuration() time.Duration {
	if i.Declared > 0 {
		return i.Declared
	}
	return i.Clip.Duration
}

// Config holds sequencer configuration
type Config struct {
	IdleInterval   time.Duration // Default: 1s
	LipSyncEnabled bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		IdleInterval: time.Second,
	}
}

// Sequencer owns an agent's playback queue.
type Sequencer struct {
	agentID string
	config  Config
	avatar  avatar.Avatar
	exec    dispatch.Executor
	bus     *bus.EventBus
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu         sync.Mutex
	queue      []Item
	generation uint64
	abort      chan struct{}
	gateArmed  bool
	gate       chan struct{}
	talking    bool
	talkingSet bool
	playing    bool
	purge      func() bool
	wake       chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a sequencer. exec receives every avatar call.
func New(agentID string, config Config, av avatar.Avatar, exec dispatch.Executor, eventBus *bus.EventBus, m *metrics.Metrics, logger zerolog.Logger) *Sequencer {
	if config.IdleInterval <= 0 {
		config.IdleInterval = DefaultConfig().IdleInterval
	}
	s := &Sequencer{
		agentID: agentID,
		config:  config,
		avatar:  av,
		exec:    exec,
		bus:     eventBus,
		metrics: m,
		logger:  logger.With().Str("component", "playback").Str("agent", agentID).Logger(),
		abort:   make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	if config.LipSyncEnabled {
		s.armGateLocked()
	}
	return s
}

// SetPurgeHook installs the function run after each clip stops.
func (s *Sequencer) SetPurgeHook(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge = fn
}

// Start launches the playback loop and establishes talking=false.
func (s *Sequencer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.setTalking(false)
	go s.run(ctx, done)
}

// Stop ends the playback loop and waits for it to exit.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Generation returns the current generation for stamping new items.
func (s *Sequencer) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Enqueue appends an item. Items stamped with a stale generation are dropped.
func (s *Sequencer) Enqueue(item Item) {
	s.mu.Lock()
	if item.Generation != s.generation {
		s.mu.Unlock()
		s.logger.Debug().Uint64("generation", item.Generation).Msg("Dropping stale item")
		return
	}
	s.queue = append(s.queue, item)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ArmLipSyncGate makes the next clip wait for ReleaseLipSyncGate.
func (s *Sequencer) ArmLipSyncGate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armGateLocked()
}

// ReleaseLipSyncGate lets the waiting clip play.
func (s *Sequencer) ReleaseLipSyncGate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gateArmed {
		s.gateArmed = false
		close(s.gate)
	}
}

func (s *Sequencer) armGateLocked() {
	if !s.gateArmed {
		s.gateArmed = true
		s.gate = make(chan struct{})
	}
}

// Interrupt discards everything queued, stops the playing clip and sets
// talking false.
func (s *Sequencer) Interrupt() {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.generation++
	close(s.abort)
	s.abort = make(chan struct{})
	if s.config.LipSyncEnabled {
		s.armGateLocked()
	}
	s.exec.Post(s.avatar.StopAudio)
	changed := s.setTalkingLocked(false)
	s.mu.Unlock()

	if changed {
		s.publishTalking(false)
	}
	s.logger.Debug().Int("dropped", dropped).Msg("Playback interrupted")
}

// QueueLen returns the number of queued items.
func (s *Sequencer) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// IsTalking reports the last talking state sent to the avatar.
func (s *Sequencer) IsTalking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.talking
}

// IsPlaying reports whether a clip is playing right now.
func (s *Sequencer) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Sequencer) setTalking(talking bool) {
	s.mu.Lock()
	changed := s.setTalkingLocked(talking)
	s.mu.Unlock()
	if changed {
		s.publishTalking(talking)
	}
}

// setTalkingLocked posts SetTalking only on a state change. Posting under
// the lock keeps avatar calls ordered against Interrupt.
func (s *Sequencer) setTalkingLocked(talking bool) bool {
	if s.talkingSet && s.talking == talking {
		return false
	}
	s.talkingSet = true
	s.talking = talking
	s.exec.Post(func() { s.avatar.SetTalking(talking) })
	return true
}

func (s *Sequencer) publishTalking(talking bool) {
	s.publish(bus.EventTypeTalkingChanged, map[string]any{"talking": talking})
}

func (s *Sequencer) publish(t bus.EventType, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.PublishSync(bus.Event{Type: t, AgentID: s.agentID, Data: data})
}

func (s *Sequencer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	idle := time.NewTimer(s.config.IdleInterval)
	defer idle.Stop()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			case <-idle.C:
				s.setTalking(false)
				idle.Reset(s.config.IdleInterval)
				continue
			}
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		gen, abort := s.generation, s.abort
		s.mu.Unlock()

		if item.Final {
			s.setTalking(false)
			s.publish(bus.EventTypeResponseComplete, nil)
		} else if !s.play(ctx, item, gen, abort) && ctx.Err() != nil {
			return
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(s.config.IdleInterval)
	}
}

// play runs one clip to completion. It returns false if the clip was
// aborted or skipped.
func (s *Sequencer) play(ctx context.Context, item Item, gen uint64, abort chan struct{}) bool {
	if !s.waitGate(ctx, abort) {
		return false
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return false
	}
	s.playing = true
	clip := item.Clip
	s.exec.Post(func() { s.avatar.PlayAudio(clip) })
	changed := s.setTalkingLocked(true)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.playing = false
		s.mu.Unlock()
	}()

	if changed {
		s.publishTalking(true)
	}
	s.publish(bus.EventTypeAgentTranscript, map[string]any{"text": item.Transcript})

	timer := time.NewTimer(clip.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-abort:
		return false
	case <-ctx.Done():
		return false
	}

	s.exec.Post(s.avatar.StopAudio)
	s.metrics.ClipPlayed(s.agentID, clip.Duration)

	s.mu.Lock()
	purge := s.purge
	s.mu.Unlock()
	if purge != nil && purge() {
		s.logger.Debug().Msg("Purged stale animation batch")
	}

	s.mu.Lock()
	if len(s.queue) == 0 && s.config.LipSyncEnabled && gen == s.generation {
		s.armGateLocked()
	}
	s.mu.Unlock()
	return true
}

func (s *Sequencer) waitGate(ctx context.Context, abort chan struct{}) bool {
	s.mu.Lock()
	if !s.gateArmed {
		s.mu.Unlock()
		return true
	}
	gate := s.gate
	s.mu.Unlock()

	select {
	case <-gate:
		return true
	case <-abort:
		return false
	case <-ctx.Done():
		return false
	}
}
