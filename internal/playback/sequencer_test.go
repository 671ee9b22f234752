package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/normanking/cortexconverse/internal/audio"
	"github.com/normanking/cortexconverse/internal/avatar"
	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/normanking/cortexconverse/internal/dispatch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clip(rate int, d time.Duration) audio.Clip {
	return audio.Clip{Samples: []float32{0}, SampleRate: rate, Channels: 1, Duration: d}
}

func newSequencer(t *testing.T, cfg Config) (*Sequencer, *avatar.Recorder, *bus.EventBus) {
	t.Helper()
	rec := avatar.NewRecorder()
	eb := bus.NewEventBus()
	s := New("agent-1", cfg, rec, dispatch.Immediate{}, eb, nil, zerolog.Nop())
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, rec, eb
}

func TestSequencer_PlaysInArrivalOrder(t *testing.T) {
	s, rec, eb := newSequencer(t, DefaultConfig())

	var mu sync.Mutex
	var transcripts []string
	eb.Subscribe(bus.EventTypeAgentTranscript, func(e bus.Event) {
		mu.Lock()
		transcripts = append(transcripts, e.String("text"))
		mu.Unlock()
	})

	s.Enqueue(Item{Clip: clip(1, 20*time.Millisecond), Transcript: "one"})
	s.Enqueue(Item{Clip: clip(2, 20*time.Millisecond), Transcript: "two"})
	s.Enqueue(Item{Clip: clip(3, 20*time.Millisecond), Transcript: "three"})

	require.Eventually(t, func() bool { return len(rec.Clips()) == 3 }, time.Second, 5*time.Millisecond)

	clips := rec.Clips()
	assert.Equal(t, []int{1, 2, 3}, []int{clips[0].SampleRate, clips[1].SampleRate, clips[2].SampleRate})

	mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, transcripts)
	mu.Unlock()

	// Baseline false, then a single true while clips play back to back.
	assert.Equal(t, []bool{false, true}, rec.TalkingCalls())
}

func TestSequencer_FinalMarkerCompletesResponse(t *testing.T) {
	s, rec, eb := newSequencer(t, DefaultConfig())

	var completed atomic.Int32
	eb.Subscribe(bus.EventTypeResponseComplete, func(e bus.Event) {
		assert.Equal(t, "agent-1", e.AgentID)
		completed.Add(1)
	})

	s.Enqueue(Item{Clip: clip(1, 10*time.Millisecond)})
	s.Enqueue(Item{Final: true})

	require.Eventually(t, func() bool { return completed.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.IsTalking())
	trues, falses := rec.TalkingCounts()
	assert.Equal(t, trues+1, falses)
}

func TestSequencer_WaitsForLipSyncGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LipSyncEnabled = true
	s, rec, _ := newSequencer(t, cfg)

	s.Enqueue(Item{Clip: clip(1, 10*time.Millisecond)})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.Clips())

	s.ReleaseLipSyncGate()
	require.Eventually(t, func() bool { return len(rec.Clips()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.IsPlaying() }, time.Second, 5*time.Millisecond)

	// Queue drained with lip-sync on: the gate is armed again.
	s.Enqueue(Item{Clip: clip(2, 10*time.Millisecond)})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.Clips(), 1)
}

func TestSequencer_InterruptClearsAndSilences(t *testing.T) {
	s, rec, _ := newSequencer(t, DefaultConfig())

	gen := s.Generation()
	s.Enqueue(Item{Clip: clip(1, 10*time.Second), Generation: gen})
	s.Enqueue(Item{Clip: clip(2, 10*time.Second), Generation: gen})
	require.Eventually(t, s.IsPlaying, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsTalking())

	s.Interrupt()

	assert.Equal(t, 0, s.QueueLen())
	assert.False(t, s.IsTalking())
	trues, falses := rec.TalkingCounts()
	assert.Equal(t, trues+1, falses)
	assert.GreaterOrEqual(t, rec.Stops(), 1)
	require.Eventually(t, func() bool { return !s.IsPlaying() }, time.Second, 5*time.Millisecond)

	// Items produced before the interrupt are discarded.
	s.Enqueue(Item{Clip: clip(3, 10*time.Millisecond), Generation: gen})
	assert.Equal(t, 0, s.QueueLen())
	assert.Len(t, rec.Clips(), 1)
}

func TestSequencer_IdleSetsTalkingFalse(t *testing.T) {
	s, rec, _ := newSequencer(t, Config{IdleInterval: 20 * time.Millisecond})

	s.Enqueue(Item{Clip: clip(1, 10*time.Millisecond)})
	require.Eventually(t, func() bool { return len(rec.Clips()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.IsTalking() }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []bool{false, true, false}, rec.TalkingCalls())
}

func TestSequencer_RunsPurgeHookAfterClip(t *testing.T) {
	s, _, _ := newSequencer(t, DefaultConfig())

	var purges atomic.Int32
	s.SetPurgeHook(func() bool {
		purges.Add(1)
		return false
	})

	s.Enqueue(Item{Clip: clip(1, 10*time.Millisecond)})
	s.Enqueue(Item{Clip: clip(1, 10*time.Millisecond)})
	require.Eventually(t, func() bool { return purges.Load() == 2 }, time.Second, 5*time.Millisecond)
}
