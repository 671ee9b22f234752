package lipsync

import (
	"sync"
	"time"

	"github.com/normanking/cortexconverse/internal/avatar"
	"github.com/normanking/cortexconverse/internal/frames"
	"github.com/normanking/cortexconverse/internal/metrics"
	"github.com/rs/zerolog"
)

// Batch is the animation of one released utterance.
type Batch struct {
	frames []frames.Frame
	next   int
}

func (b *Batch) remaining() int {
	return len(b.frames) - b.next
}

// Player applies queued animation frames to the avatar, one per render tick,
// while the agent is talking.
type Player struct {
	agentID    string
	channels   []string
	multiplier float32
	interval   time.Duration
	threshold  int
	avatar     avatar.Avatar
	talking    func() bool
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu    sync.Mutex
	queue []*Batch
}

// NewPlayer creates a player for one agent. talking gates frame application.
func NewPlayer(agentID string, kind frames.Kind, cfg Config, av avatar.Avatar, talking func() bool, m *metrics.Metrics, logger zerolog.Logger) *Player {
	cfg = cfg.withDefaults()
	return &Player{
		agentID:    agentID,
		channels:   avatar.Channels(kind),
		multiplier: cfg.WeightMultiplier,
		interval:   time.Duration(float64(time.Second) / cfg.FrameRate),
		threshold:  cfg.PurgeThreshold,
		avatar:     av,
		talking:    talking,
		metrics:    m,
		logger:     logger.With().Str("component", "lipsync-player").Str("agent", agentID).Logger(),
	}
}

// EnqueueBatch queues frames as a new batch and returns it for later appends.
func (p *Player) EnqueueBatch(fs []frames.Frame) *Batch {
	b := &Batch{frames: append([]frames.Frame(nil), fs...)}
	p.mu.Lock()
	p.queue = append(p.queue, b)
	p.mu.Unlock()
	return b
}

// Append adds a frame to a queued batch. Frames for a purged batch are ignored.
func (p *Player) Append(b *Batch, f frames.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.frames = append(b.frames, f)
}

// PurgeIfStale drops the oldest batch if it still holds at least
// PurgeThreshold unplayed frames.
func (p *Player) PurgeIfStale() bool {
	p.mu.Lock()
	if len(p.queue) == 0 || p.queue[0].remaining() < p.threshold {
		p.mu.Unlock()
		return false
	}
	left := p.queue[0].remaining()
	p.queue = p.queue[1:]
	p.mu.Unlock()

	p.metrics.Purged(p.agentID)
	p.logger.Debug().Int("frames", left).Msg("Dropped stale batch")
	return true
}

// Clear drops every batch.
func (p *Player) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
}

// Len returns the number of queued batches.
func (p *Player) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Tick applies the next frame. It must run on the render context.
func (p *Player) Tick(time.Time) {
	if p.talking != nil && !p.talking() {
		return
	}

	p.mu.Lock()
	for len(p.queue) > 1 && p.queue[0].remaining() == 0 {
		p.queue = p.queue[1:]
	}
	if len(p.queue) == 0 || p.queue[0].remaining() == 0 {
		p.mu.Unlock()
		return
	}
	b := p.queue[0]
	f := b.frames[b.next]
	at := time.Duration(b.next) * p.interval
	b.next++
	p.mu.Unlock()

	for i, w := range f.Weights {
		if i >= len(p.channels) {
			break
		}
		p.avatar.ApplyAnimationFrame(p.channels[i], w*p.multiplier, at)
	}
}
