package session

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/normanking/cortexconverse/internal/audio"
	"github.com/normanking/cortexconverse/internal/avatar"
	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/normanking/cortexconverse/internal/dispatch"
	"github.com/normanking/cortexconverse/internal/frames"
	"github.com/normanking/cortexconverse/internal/lipsync"
	"github.com/normanking/cortexconverse/internal/metrics"
	"github.com/normanking/cortexconverse/internal/playback"
	"github.com/normanking/cortexconverse/internal/stream"
	"github.com/normanking/cortexconverse/internal/transport"
	"github.com/rs/zerolog"
)

// AgentConfig describes one agent.
type AgentConfig struct {
	ID               string
	Name             string
	Animation        frames.Kind
	WeightMultiplier float32
	Actions          *frames.ActionConfig
}

// Config holds controller configuration
type Config struct {
	APIKey   string
	Audio    audio.Config
	LipSync  lipsync.Config
	Playback playback.Config
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Audio:    audio.DefaultConfig(),
		LipSync:  lipsync.DefaultConfig(),
		Playback: playback.DefaultConfig(),
	}
}

// Store persists session ids across runs.
type Store interface {
	LastSessionID(ctx context.Context, agentID string) (string, error)
	SaveSession(ctx context.Context, agentID, sessionID string) error
}

type deps struct {
	config  Config
	client  transport.Client
	exec    dispatch.Executor
	bus     *bus.EventBus
	store   Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Controller holds one Session per agent and tracks the active one.
type Controller struct {
	deps   *deps
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	active   string
	root     context.Context
}

// NewController creates a controller. store and m may be nil.
func NewController(config Config, client transport.Client, exec dispatch.Executor, eventBus *bus.EventBus, store Store, m *metrics.Metrics, logger zerolog.Logger) *Controller {
	if exec == nil {
		exec = dispatch.Immediate{}
	}
	return &Controller{
		deps: &deps{
			config:  config,
			client:  client,
			exec:    exec,
			bus:     eventBus,
			store:   store,
			metrics: m,
			logger:  logger,
		},
		logger:   logger.With().Str("component", "session").Logger(),
		sessions: make(map[string]*Session),
	}
}

// AddAgent registers an agent rendered by av. Its playback starts right away
// if the controller is running.
func (c *Controller) AddAgent(agent AgentConfig, av avatar.Avatar) (*Session, error) {
	if agent.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if agent.Name == "" {
		agent.Name = agent.ID
	}

	c.mu.Lock()
	if _, ok := c.sessions[agent.ID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("agent %q already registered", agent.ID)
	}

	pbCfg := c.deps.config.Playback
	pbCfg.LipSyncEnabled = agent.Animation != frames.KindNone && agent.Animation != ""

	s := &Session{
		agent:    agent,
		deps:     c.deps,
		logger:   c.deps.logger.With().Str("component", "session").Str("agent", agent.ID).Logger(),
		history:  stream.NewTranscriptLog(),
		actions:  stream.NewActionQueue(),
		scope:    newScope(context.Background()),
		canRelay: true,
	}
	s.seq = playback.New(agent.ID, pbCfg, av, c.deps.exec, c.deps.bus, c.deps.metrics, c.deps.logger)

	if pbCfg.LipSyncEnabled {
		lsCfg := c.deps.config.LipSync
		if agent.WeightMultiplier != 0 {
			lsCfg.WeightMultiplier = agent.WeightMultiplier
		}
		s.player = lipsync.NewPlayer(agent.ID, agent.Animation, lsCfg, av, s.seq.IsTalking, c.deps.metrics, c.deps.logger)
		s.acc = lipsync.NewAccumulator(agent.ID, lsCfg, s.seq, s.player, c.deps.metrics, c.deps.logger)
		s.seq.SetPurgeHook(s.player.PurgeIfStale)
		if t, ok := c.deps.exec.(dispatch.Ticker); ok {
			t.OnTick(s.player.Tick)
		}
	}

	c.sessions[agent.ID] = s
	if c.active == "" {
		c.active = agent.ID
	}
	root := c.root
	c.mu.Unlock()

	if root != nil {
		s.start(root)
	}
	c.logger.Info().Str("agent", agent.ID).Str("animation", string(agent.Animation)).Msg("Agent registered")
	return s, nil
}

// Start runs every agent's playback until ctx ends or Close is called.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.root = ctx
	sessions := c.sortedLocked()
	c.mu.Unlock()

	for _, s := range sessions {
		s.start(ctx)
	}
}

// Close interrupts every agent and stops playback.
func (c *Controller) Close() {
	c.mu.Lock()
	sessions := c.sortedLocked()
	c.root = nil
	c.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
}

func (c *Controller) sortedLocked() []*Session {
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].agent.ID < out[j].agent.ID })
	return out
}

// Session returns the session of agentID.
func (c *Controller) Session(agentID string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return s, nil
}

// Sessions returns every session ordered by agent id.
func (c *Controller) Sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedLocked()
}

// SetActive selects the agent manual input goes to.
func (c *Controller) SetActive(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	c.active = agentID
	return nil
}

// Active returns the active session, or nil.
func (c *Controller) Active() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[c.active]
}

// InitializeSession initializes agentID's session.
func (c *Controller) InitializeSession(ctx context.Context, agentID, priorSessionID string) (string, error) {
	s, err := c.Session(agentID)
	if err != nil {
		return "", err
	}
	return s.Initialize(ctx, priorSessionID)
}

// SendText sends a text turn to agentID.
func (c *Controller) SendText(ctx context.Context, agentID, text string, actions *frames.ActionConfig) error {
	s, err := c.Session(agentID)
	if err != nil {
		return err
	}
	return s.SendText(ctx, text, actions)
}

// SendAudioStream sends an audio turn to agentID.
func (c *Controller) SendAudioStream(ctx context.Context, agentID string, chunks <-chan []byte) error {
	s, err := c.Session(agentID)
	if err != nil {
		return err
	}
	return s.SendAudioStream(ctx, chunks)
}

// SendTrigger fires a trigger on agentID.
func (c *Controller) SendTrigger(ctx context.Context, agentID, name, message string) error {
	s, err := c.Session(agentID)
	if err != nil {
		return err
	}
	return s.SendTrigger(ctx, name, message)
}

// StartListening streams captured audio to agentID.
func (c *Controller) StartListening(ctx context.Context, agentID string, src io.Reader) error {
	s, err := c.Session(agentID)
	if err != nil {
		return err
	}
	return s.StartListening(ctx, src)
}

// StopListening ends capture for agentID.
func (c *Controller) StopListening(agentID string) error {
	s, err := c.Session(agentID)
	if err != nil {
		return err
	}
	s.StopListening()
	return nil
}

// Interrupt interrupts agentID.
func (c *Controller) Interrupt(agentID string) error {
	s, err := c.Session(agentID)
	if err != nil {
		return err
	}
	s.Interrupt()
	return nil
}
