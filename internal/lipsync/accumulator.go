// Package lipsync buffers animation frames per utterance and releases the
// utterance to playback once enough frames have arrived.
package lipsync

import (
	"math"
	"sync"
	"time"

	"github.com/normanking/cortexconverse/internal/frames"
	"github.com/normanking/cortexconverse/internal/metrics"
	"github.com/normanking/cortexconverse/internal/playback"
	"github.com/rs/zerolog"
)

// Config holds lip-sync configuration
type Config struct {
	FrameRate        float64 `mapstructure:"frame_rate"`        // Default: 30
	PartialFraction  float64 `mapstructure:"partial_fraction"`  // Default: 0.7
	PartialCap       int     `mapstructure:"partial_cap"`       // Default: 21
	PurgeThreshold   int     `mapstructure:"purge_threshold"`   // Default: 10
	WeightMultiplier float32 `mapstructure:"weight_multiplier"` // Default: 1
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		FrameRate:        30,
		PartialFraction:  0.7,
		PartialCap:       21,
		PurgeThreshold:   10,
		WeightMultiplier: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FrameRate <= 0 {
		c.FrameRate = d.FrameRate
	}
	if c.PartialFraction <= 0 {
		c.PartialFraction = d.PartialFraction
	}
	if c.PartialCap <= 0 {
		c.PartialCap = d.PartialCap
	}
	if c.PurgeThreshold <= 0 {
		c.PurgeThreshold = d.PurgeThreshold
	}
	if c.WeightMultiplier == 0 {
		c.WeightMultiplier = d.WeightMultiplier
	}
	return c
}

// ExpectedFrames returns the frame count for an utterance of duration d.
func (c Config) ExpectedFrames(d time.Duration) int {
	return int(math.Round(d.Seconds() * c.withDefaults().FrameRate))
}

// Sink receives released utterances.
type Sink interface {
	Enqueue(item playback.Item)
	ReleaseLipSyncGate()
}

// Buffer collects the frames of one utterance.
type Buffer struct {
	Expected int
	Captured int
	Partial  bool
	Released bool

	item    playback.Item
	pending []frames.Frame
	batch   *Batch
}

// CanFullyRelease reports whether every expected frame has arrived.
func (b *Buffer) CanFullyRelease() bool {
	return b.Captured == b.Expected
}

// CanPartiallyRelease reports whether enough frames arrived to start playing.
func (b *Buffer) CanPartiallyRelease(cfg Config) bool {
	cfg = cfg.withDefaults()
	limit := math.Min(float64(cfg.PartialCap), float64(b.Expected)*cfg.PartialFraction)
	return float64(b.Captured) > limit
}

// Accumulator owns the open buffers of one agent. Frames always go to the
// oldest open buffer.
type Accumulator struct {
	agentID string
	config  Config
	sink    Sink
	player  *Player
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu         sync.Mutex
	buffers    []*Buffer
	generation uint64
}

// NewAccumulator creates an accumulator releasing into sink and player.
func NewAccumulator(agentID string, cfg Config, sink Sink, player *Player, m *metrics.Metrics, logger zerolog.Logger) *Accumulator {
	return &Accumulator{
		agentID: agentID,
		config:  cfg.withDefaults(),
		sink:    sink,
		player:  player,
		metrics: m,
		logger:  logger.With().Str("component", "lipsync").Str("agent", agentID).Logger(),
	}
}

// Turn is a view of the accumulator bound to one generation. Calls made
// through a Turn after Reset are ignored.
type Turn struct {
	acc        *Accumulator
	generation uint64
}

// Turn returns a view bound to the current generation.
func (a *Accumulator) Turn() Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Turn{acc: a, generation: a.generation}
}

// Reset drops every open buffer and invalidates outstanding Turns.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	a.buffers = nil
}

// Pending returns the number of buffers not yet fully released.
func (a *Accumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, b := range a.buffers {
		if !b.Released {
			n++
		}
	}
	return n
}

// awaitingEnd reports whether b has every expected frame and is only kept
// open to consume its terminating frame.
func (b *Buffer) awaitingEnd() bool {
	return b.Released && b.Expected > 0 && b.Captured >= b.Expected
}

// Open starts a buffer for item sized to its spoken duration. Items reach the
// sink in the order they were opened.
func (t Turn) Open(item playback.Item) *Buffer {
	a := t.acc
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.generation != a.generation {
		return nil
	}

	b := &Buffer{Expected: a.config.ExpectedFrames(item.SpokenDuration()), item: item}
	a.buffers = append(a.buffers, b)
	a.advanceLocked()
	return b
}

// Add routes a frame to the oldest open buffer. A completing frame ends the
// buffer's animation and is not itself captured.
func (t Turn) Add(f frames.Frame, completes bool) {
	a := t.acc
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.generation != a.generation {
		return
	}
	defer a.advanceLocked()

	for len(a.buffers) > 0 && a.buffers[0].awaitingEnd() {
		// A full buffer is closed by the next frame. Its terminator is
		// consumed here; any other frame belongs to the next utterance.
		a.buffers = a.buffers[1:]
		a.advanceLocked()
		if completes {
			return
		}
	}

	if len(a.buffers) == 0 {
		a.metrics.Dropped(a.agentID, "stray_frame")
		a.logger.Debug().Bool("completes", completes).Msg("Frame without open buffer dropped")
		return
	}
	b := a.buffers[0]

	if completes {
		a.releaseFullLocked(b)
		a.buffers = a.buffers[1:]
		return
	}

	b.Captured++
	if b.Partial {
		a.player.Append(b.batch, f)
	} else {
		b.pending = append(b.pending, f)
	}

	switch {
	case b.CanFullyRelease():
		a.releaseFullLocked(b)
	case !b.Partial && b.CanPartiallyRelease(a.config):
		a.releasePartialLocked(b)
	}
}

// Flush fully releases every open buffer in order.
func (t Turn) Flush() {
	a := t.acc
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.generation != a.generation {
		return
	}
	for _, b := range a.buffers {
		a.releaseFullLocked(b)
	}
	a.buffers = nil
}

// advanceLocked releases frameless buffers whose predecessors are already
// playing, then drops released frameless buffers from the head.
func (a *Accumulator) advanceLocked() {
	for _, b := range a.buffers {
		if b.Partial || b.Released {
			continue
		}
		if b.Expected > 0 {
			break
		}
		a.releaseFullLocked(b)
	}
	for len(a.buffers) > 0 && a.buffers[0].Released && a.buffers[0].Expected == 0 {
		a.buffers = a.buffers[1:]
	}
}

func (a *Accumulator) releasePartialLocked(b *Buffer) {
	b.Partial = true
	b.batch = a.player.EnqueueBatch(b.pending)
	b.pending = nil
	a.sink.Enqueue(b.item)
	a.sink.ReleaseLipSyncGate()
	a.metrics.Released(a.agentID, true)
	a.logger.Debug().Int("captured", b.Captured).Int("expected", b.Expected).Msg("Partial release")
}

func (a *Accumulator) releaseFullLocked(b *Buffer) {
	if b.Released {
		return
	}
	b.Released = true
	if !b.Partial {
		b.batch = a.player.EnqueueBatch(b.pending)
		b.pending = nil
		a.sink.Enqueue(b.item)
	}
	a.sink.ReleaseLipSyncGate()
	a.metrics.Released(a.agentID, false)
	a.logger.Debug().Int("captured", b.Captured).Int("expected", b.Expected).Msg("Full release")
}
