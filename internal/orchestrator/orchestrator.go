// Package orchestrator runs agent-to-agent conversations. When one agent of a
// pair finishes speaking, its transcript is relayed to the other agent as a
// new prompt.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/normanking/cortexconverse/internal/frames"
	"github.com/normanking/cortexconverse/internal/metrics"
	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrUnknownPair   = errors.New("unknown conversation pair")
	ErrAgentInPair   = errors.New("agent already belongs to a pair")
	ErrPairEnded     = errors.New("conversation has ended")
	ErrSameAgentPair = errors.New("pair needs two distinct agents")
)

// Participant is one side of a pair. *session.Session satisfies it.
type Participant interface {
	AgentID() string
	Name() string
	SendText(ctx context.Context, text string, actions *frames.ActionConfig) error
	IsTalking() bool
	CanRelay() bool
	Interrupt()
}

// Config holds orchestrator configuration
type Config struct {
	RelayDelay time.Duration `mapstructure:"relay_delay"` // Default: 500ms
	Seed       int64         `mapstructure:"seed"`        // 0 seeds from the clock
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{RelayDelay: 500 * time.Millisecond}
}

// Pair is a conversation between two participants.
type Pair struct {
	ID    string
	Topic string
	A, B  Participant

	mu      sync.Mutex
	current Participant
	pending string
	speech  strings.Builder
	started bool
	paused  bool
	ended   bool
}

// CurrentSpeaker returns the participant whose turn it is, or nil before the
// conversation starts.
func (p *Pair) CurrentSpeaker() Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// PendingRelay returns the last relayed message.
func (p *Pair) PendingRelay() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Paused reports whether the observer has left.
func (p *Pair) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Ended reports whether the conversation was ended.
func (p *Pair) Ended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

func (p *Pair) other(x Participant) Participant {
	if x.AgentID() == p.A.AgentID() {
		return p.B
	}
	return p.A
}

// Orchestrator relays speech between paired agents.
type Orchestrator struct {
	config  Config
	bus     *bus.EventBus
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	pairs    map[string]*Pair
	byAgent  map[string]*Pair
	ctx      context.Context
	teardown func(*Pair)

	rngMu sync.Mutex
	rng   *rand.Rand

	wg sync.WaitGroup
}

// New creates an orchestrator and subscribes it to playback events on
// eventBus.
func New(config Config, eventBus *bus.EventBus, m *metrics.Metrics, logger zerolog.Logger) *Orchestrator {
	if config.RelayDelay < 0 {
		config.RelayDelay = 0
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	o := &Orchestrator{
		config:  config,
		bus:     eventBus,
		metrics: m,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		pairs:   make(map[string]*Pair),
		byAgent: make(map[string]*Pair),
		ctx:     context.Background(),
		rng:     rand.New(rand.NewSource(seed)),
	}
	eventBus.Subscribe(bus.EventTypeAgentTranscript, o.onTranscript)
	eventBus.Subscribe(bus.EventTypeResponseComplete, o.onResponseComplete)
	return o
}

// Start binds relays to ctx. Sends issued after ctx is cancelled fail.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()
}

// Wait blocks until every scheduled relay has run.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// OnTeardown registers fn to run after a conversation ends.
func (o *Orchestrator) OnTeardown(fn func(*Pair)) {
	o.mu.Lock()
	o.teardown = fn
	o.mu.Unlock()
}

// AddPair registers a conversation between a and b. An empty id is replaced
// by a generated one.
func (o *Orchestrator) AddPair(id, topic string, a, b Participant) (*Pair, error) {
	if a.AgentID() == b.AgentID() {
		return nil, ErrSameAgentPair
	}
	if id == "" {
		id = uuid.NewString()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pairs[id]; ok {
		return nil, fmt.Errorf("pair %q already exists", id)
	}
	for _, p := range []Participant{a, b} {
		if _, ok := o.byAgent[p.AgentID()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrAgentInPair, p.AgentID())
		}
	}

	p := &Pair{ID: id, Topic: topic, A: a, B: b, paused: true}
	o.pairs[id] = p
	o.byAgent[a.AgentID()] = p
	o.byAgent[b.AgentID()] = p
	o.logger.Info().Str("pair", id).Str("a", a.AgentID()).Str("b", b.AgentID()).Str("topic", topic).Msg("Pair registered")
	return p, nil
}

// Pair returns the pair with the given id.
func (o *Orchestrator) Pair(id string) (*Pair, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pairs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, id)
	}
	return p, nil
}

// SetObserverNear resumes the pair's conversation when near is true and
// pauses it otherwise.
func (o *Orchestrator) SetObserverNear(pairID string, near bool) error {
	if near {
		return o.Resume(pairID)
	}
	return o.Pause(pairID)
}

// Resume continues a conversation. The first resume opens the topic with a
// randomly chosen speaker. Later resumes redeliver the pending relay to the
// current speaker. Nothing is sent while either agent is still talking.
func (o *Orchestrator) Resume(pairID string) error {
	p, err := o.Pair(pairID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.ended {
		p.ended = false
		p.started = false
		p.pending = ""
		p.current = nil
		p.speech.Reset()
	}
	p.paused = false
	if p.A.IsTalking() || p.B.IsTalking() {
		p.mu.Unlock()
		o.logger.Debug().Str("pair", p.ID).Msg("Resume deferred, an agent is talking")
		return nil
	}

	var target Participant
	var prompt string
	opening := false
	switch {
	case !p.started:
		p.started = true
		opening = true
		p.current = o.pick(p.A, p.B)
		target = p.current
		prompt = OpeningPrompt(p.Topic)
	case p.pending == "":
		target = p.current
		prompt = OpeningPrompt(p.Topic)
	default:
		target = p.current
		prompt = ComposeRelayPrompt(p.other(target).Name(), p.pending, p.Topic, o.coin())
	}
	p.mu.Unlock()

	if opening {
		o.publish(bus.EventTypeConversationStarted, p, map[string]any{"speaker": target.AgentID(), "topic": p.Topic})
	}
	o.logger.Info().Str("pair", p.ID).Str("speaker", target.AgentID()).Bool("opening", opening).Msg("Conversation resumed")
	return target.SendText(o.context(), prompt, nil)
}

// Pause stops relaying. A completion that arrives while paused is kept as
// the pending relay.
func (o *Orchestrator) Pause(pairID string) error {
	p, err := o.Pair(pairID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	already := p.paused
	p.paused = true
	p.mu.Unlock()

	if !already {
		o.publish(bus.EventTypeConversationPaused, p, nil)
		o.logger.Info().Str("pair", p.ID).Msg("Conversation paused")
	}
	return nil
}

// EndConversation interrupts both agents and runs the teardown hook. A later
// Resume starts over with a new opening.
func (o *Orchestrator) EndConversation(pairID string) error {
	p, err := o.Pair(pairID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return ErrPairEnded
	}
	p.ended = true
	p.paused = true
	p.mu.Unlock()

	p.A.Interrupt()
	p.B.Interrupt()

	o.mu.Lock()
	teardown := o.teardown
	o.mu.Unlock()
	if teardown != nil {
		teardown(p)
	}

	o.publish(bus.EventTypeConversationEnded, p, nil)
	o.logger.Info().Str("pair", p.ID).Msg("Conversation ended")
	return nil
}

func (o *Orchestrator) onTranscript(e bus.Event) {
	p := o.pairFor(e.AgentID)
	if p == nil {
		return
	}
	text := strings.TrimSpace(e.String("text"))
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.AgentID() != e.AgentID || p.ended {
		return
	}
	if p.speech.Len() > 0 {
		p.speech.WriteByte(' ')
	}
	p.speech.WriteString(text)
}

func (o *Orchestrator) onResponseComplete(e bus.Event) {
	p := o.pairFor(e.AgentID)
	if p == nil {
		return
	}

	p.mu.Lock()
	if !p.started || p.ended || p.current == nil || p.current.AgentID() != e.AgentID {
		p.mu.Unlock()
		return
	}
	message := p.speech.String()
	p.speech.Reset()
	if message == "" {
		p.mu.Unlock()
		o.logger.Debug().Str("pair", p.ID).Str("agent", e.AgentID).Msg("Empty response, nothing to relay")
		return
	}
	sender := p.current
	receiver := p.other(sender)
	p.pending = message
	p.current = receiver
	paused := p.paused
	p.mu.Unlock()

	if paused {
		o.logger.Debug().Str("pair", p.ID).Msg("Relay held while paused")
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.relay(p, sender, receiver, message)
	}()
}

// relay delivers message to receiver after the configured delay.
func (o *Orchestrator) relay(p *Pair, sender, receiver Participant, message string) {
	ctx := o.context()
	if o.config.RelayDelay > 0 {
		t := time.NewTimer(o.config.RelayDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	p.mu.Lock()
	stale := p.ended || p.paused || p.current != receiver
	p.mu.Unlock()
	if stale {
		return
	}
	if !receiver.CanRelay() {
		o.logger.Debug().Str("pair", p.ID).Str("receiver", receiver.AgentID()).Msg("Receiver cannot take a relay")
		return
	}

	prompt := ComposeRelayPrompt(sender.Name(), message, p.Topic, o.coin())
	if err := receiver.SendText(ctx, prompt, nil); err != nil {
		o.logger.Warn().Err(err).Str("pair", p.ID).Str("receiver", receiver.AgentID()).Msg("Relay failed")
		return
	}

	o.metrics.Relayed(p.ID)
	o.publish(bus.EventTypeConversationRelayed, p, map[string]any{
		"from":    sender.AgentID(),
		"to":      receiver.AgentID(),
		"message": message,
	})
}

func (o *Orchestrator) pairFor(agentID string) *Pair {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.byAgent[agentID]
}

func (o *Orchestrator) context() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx
}

func (o *Orchestrator) pick(a, b Participant) Participant {
	if o.coin() {
		return a
	}
	return b
}

func (o *Orchestrator) coin() bool {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.Intn(2) == 0
}

func (o *Orchestrator) publish(t bus.EventType, p *Pair, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["pair"] = p.ID
	o.bus.PublishSync(bus.Event{Type: t, Data: data})
}
