// Package dispatch funnels render-facing work onto a single execution context.
//
// Background goroutines never touch avatar or UI state directly. They Post a
// closure, and the host drains the queue once per tick on its render thread,
// or lets Queue.Run drive the ticks itself when running headless.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Executor runs actions on the designated render context.
type Executor interface {
	Post(fn func())
}

// Immediate runs every action inline on the caller's goroutine.
type Immediate struct{}

// Post runs fn now.
func (Immediate) Post(fn func()) { fn() }

// TickFunc is invoked once per tick after queued actions are drained.
type TickFunc func(now time.Time)

// Ticker is implemented by executors that drive per-tick hooks.
type Ticker interface {
	OnTick(fn TickFunc)
}

// Queue is a thread-safe action queue drained once per tick.
type Queue struct {
	mu      sync.Mutex
	actions []func()
	tickers []TickFunc
	logger  zerolog.Logger
}

// NewQueue creates an empty Queue.
func NewQueue(logger zerolog.Logger) *Queue {
	return &Queue{
		logger: logger.With().Str("component", "dispatch").Logger(),
	}
}

// Post enqueues fn for the next drain.
func (q *Queue) Post(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.actions = append(q.actions, fn)
	q.mu.Unlock()
}

// OnTick registers fn to run on every Tick after the queue is drained.
func (q *Queue) OnTick(fn TickFunc) {
	q.mu.Lock()
	q.tickers = append(q.tickers, fn)
	q.mu.Unlock()
}

// Len returns the number of pending actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Drain runs every action queued before the call and returns how many ran.
// Actions posted while draining run on the next drain.
func (q *Queue) Drain() int {
	q.mu.Lock()
	pending := q.actions
	q.actions = nil
	q.mu.Unlock()

	for _, fn := range pending {
		q.run(fn)
	}
	return len(pending)
}

// Tick drains the queue and then runs tick hooks.
func (q *Queue) Tick(now time.Time) {
	q.Drain()

	q.mu.Lock()
	tickers := make([]TickFunc, len(q.tickers))
	copy(tickers, q.tickers)
	q.mu.Unlock()

	for _, fn := range tickers {
		fn(now)
	}
}

// Run ticks at the given interval until ctx is done, then drains once more.
func (q *Queue) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.Drain()
			return nil
		case now := <-ticker.C:
			q.Tick(now)
		}
	}
}

func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Msg("Dispatched action panicked")
		}
	}()
	fn()
}
