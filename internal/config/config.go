// Package config provides configuration management for CortexConverse
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/normanking/cortexconverse/internal/audio"
	"github.com/normanking/cortexconverse/internal/feedback"
	"github.com/normanking/cortexconverse/internal/frames"
	"github.com/normanking/cortexconverse/internal/lipsync"
	"github.com/normanking/cortexconverse/internal/logging"
	"github.com/normanking/cortexconverse/internal/orchestrator"
	"github.com/normanking/cortexconverse/internal/playback"
	"github.com/normanking/cortexconverse/internal/session"
	"github.com/normanking/cortexconverse/internal/transport"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CORTEXCONVERSE_SERVICE_URL.
const EnvPrefix = "CORTEXCONVERSE"

// Config holds all application configuration
type Config struct {
	Service      ServiceConfig      `mapstructure:"service" yaml:"service"`
	Audio        AudioConfig        `mapstructure:"audio" yaml:"audio"`
	LipSync      LipSyncConfig      `mapstructure:"lipsync" yaml:"lipsync"`
	Playback     PlaybackConfig     `mapstructure:"playback" yaml:"playback"`
	Conversation ConversationConfig `mapstructure:"conversation" yaml:"conversation"`
	Agents       []AgentConfig      `mapstructure:"agents" yaml:"agents"`
	Store        StoreConfig        `mapstructure:"store" yaml:"store"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

// ServiceConfig configures the dialogue service connection
type ServiceConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	APIKey        string        `mapstructure:"api_key" yaml:"api_key"`
	FeedbackURL   string        `mapstructure:"feedback_url" yaml:"feedback_url"`
	Source        string        `mapstructure:"source" yaml:"source"`
	ClientVersion string        `mapstructure:"client_version" yaml:"client_version"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AudioConfig configures microphone capture
type AudioConfig struct {
	SampleRate    int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	ChunkDuration time.Duration `mapstructure:"chunk_duration" yaml:"chunk_duration"`
}

// LipSyncConfig configures animation buffering
type LipSyncConfig struct {
	FrameRate        float64 `mapstructure:"frame_rate" yaml:"frame_rate"`
	PartialFraction  float64 `mapstructure:"partial_fraction" yaml:"partial_fraction"`
	PartialCap       int     `mapstructure:"partial_cap" yaml:"partial_cap"`
	PurgeThreshold   int     `mapstructure:"purge_threshold" yaml:"purge_threshold"`
	WeightMultiplier float32 `mapstructure:"weight_multiplier" yaml:"weight_multiplier"`
}

// PlaybackConfig configures the speech sequencer
type PlaybackConfig struct {
	IdleInterval time.Duration `mapstructure:"idle_interval" yaml:"idle_interval"`
}

// ConversationConfig configures agent-to-agent conversations
type ConversationConfig struct {
	RelayDelay time.Duration `mapstructure:"relay_delay" yaml:"relay_delay"`
	PairsFile  string        `mapstructure:"pairs_file" yaml:"pairs_file"`
}

// AgentConfig declares one agent
type AgentConfig struct {
	ID               string  `mapstructure:"id" yaml:"id"`
	Name             string  `mapstructure:"name" yaml:"name"`
	Animation        string  `mapstructure:"animation" yaml:"animation"` // none, viseme, blendshape
	WeightMultiplier float32 `mapstructure:"weight_multiplier" yaml:"weight_multiplier"`
}

// StoreConfig configures local persistence
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"` // Empty disables the endpoint
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Level   string `mapstructure:"level" yaml:"level"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	dir := Dir()
	ls := lipsync.DefaultConfig()
	return &Config{
		Service: ServiceConfig{
			URL:           "ws://localhost:8765/converse",
			FeedbackURL:   "http://localhost:8765/feedback",
			Source:        "cortexconverse",
			ClientVersion: "0.1.0",
			Timeout:       10 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			ChunkDuration: 200 * time.Millisecond,
		},
		LipSync: LipSyncConfig{
			FrameRate:        ls.FrameRate,
			PartialFraction:  ls.PartialFraction,
			PartialCap:       ls.PartialCap,
			PurgeThreshold:   ls.PurgeThreshold,
			WeightMultiplier: ls.WeightMultiplier,
		},
		Playback: PlaybackConfig{
			IdleInterval: time.Second,
		},
		Conversation: ConversationConfig{
			RelayDelay: 500 * time.Millisecond,
			PairsFile:  filepath.Join(dir, "pairs.yaml"),
		},
		Agents: []AgentConfig{
			{ID: "ada", Name: "Ada", Animation: string(frames.KindViseme), WeightMultiplier: 1},
			{ID: "bo", Name: "Bo", Animation: string(frames.KindBlendshape), WeightMultiplier: 1},
		},
		Store: StoreConfig{
			Path: filepath.Join(dir, "converse.db"),
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
		Logging: LoggingConfig{
			Dir:     filepath.Join(dir, "logs"),
			Level:   string(logging.LevelInfo),
			Console: true,
		},
	}
}

// Dir returns the configuration directory path
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cortexconverse"
	}
	return filepath.Join(home, ".cortexconverse")
}

// DefaultPath returns the default config file path
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	if c.Service.URL == "" {
		return errors.New("service.url is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		switch frames.Kind(a.Animation) {
		case "", frames.KindNone, frames.KindViseme, frames.KindBlendshape:
		default:
			return fmt.Errorf("agents[%d]: unknown animation %q", i, a.Animation)
		}
	}
	if c.LipSync.PartialFraction < 0 || c.LipSync.PartialFraction > 1 {
		return fmt.Errorf("lipsync.partial_fraction must be within [0,1], got %v", c.LipSync.PartialFraction)
	}
	return nil
}

// Loader reads a config file with environment overrides and can watch it
// for changes.
type Loader struct {
	v    *viper.Viper
	path string

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader for path. An empty path uses DefaultPath.
func NewLoader(path string) *Loader {
	if path == "" {
		path = DefaultPath()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, DefaultConfig())
	return &Loader{v: v, path: path}
}

// Path returns the config file path.
func (l *Loader) Path() string { return l.path }

// Load reads the config file. A missing file is created from defaults.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Save(l.path, DefaultConfig()); err != nil {
			return nil, err
		}
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Watch calls onChange after every write to the config file. A file that no
// longer decodes or validates is reported through err and does not replace
// the current configuration.
func (l *Loader) Watch(onChange func(cfg *Config, err error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err == nil {
			l.mu.Lock()
			l.current = cfg
			l.mu.Unlock()
		}
		onChange(cfg, err)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads configuration from path and the environment
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Save writes the configuration to path
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// registerDefaults makes every key known to viper so environment overrides
// apply even when the file omits the key.
func registerDefaults(v *viper.Viper, cfg *Config) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]any); ok {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
}

// SessionConfig maps the file layout onto the session controller's settings.
func (c *Config) SessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.APIKey = c.Service.APIKey
	sc.Audio = audio.DefaultConfig()
	if c.Audio.SampleRate > 0 {
		sc.Audio.SampleRate = c.Audio.SampleRate
	}
	if c.Audio.ChunkDuration > 0 {
		sc.Audio.ChunkDuration = c.Audio.ChunkDuration
	}
	sc.LipSync = c.LipSyncSettings()
	sc.Playback = playback.Config{IdleInterval: c.Playback.IdleInterval}
	if sc.Playback.IdleInterval <= 0 {
		sc.Playback.IdleInterval = playback.DefaultConfig().IdleInterval
	}
	return sc
}

// LipSyncSettings returns the animation buffering settings.
func (c *Config) LipSyncSettings() lipsync.Config {
	return lipsync.Config{
		FrameRate:        c.LipSync.FrameRate,
		PartialFraction:  c.LipSync.PartialFraction,
		PartialCap:       c.LipSync.PartialCap,
		PurgeThreshold:   c.LipSync.PurgeThreshold,
		WeightMultiplier: c.LipSync.WeightMultiplier,
	}
}

// AgentConfigs returns the declared agents.
func (c *Config) AgentConfigs() []session.AgentConfig {
	out := make([]session.AgentConfig, 0, len(c.Agents))
	for _, a := range c.Agents {
		out = append(out, session.AgentConfig{
			ID:               a.ID,
			Name:             a.Name,
			Animation:        frames.ParseKind(a.Animation),
			WeightMultiplier: a.WeightMultiplier,
		})
	}
	return out
}

// WSConfig returns the websocket transport settings.
func (c *Config) WSConfig() *transport.WSConfig {
	ws := transport.DefaultWSConfig()
	ws.URL = c.Service.URL
	if c.Service.Source != "" {
		ws.Source = c.Service.Source
	}
	if c.Service.ClientVersion != "" {
		ws.ClientVersion = c.Service.ClientVersion
	}
	if c.Service.Timeout > 0 {
		ws.HandshakeTimeout = c.Service.Timeout
	}
	return ws
}

// FeedbackConfig returns the feedback client settings.
func (c *Config) FeedbackConfig() feedback.Config {
	fc := feedback.DefaultConfig()
	if c.Service.FeedbackURL != "" {
		fc.URL = c.Service.FeedbackURL
	}
	fc.APIKey = c.Service.APIKey
	if c.Service.Source != "" {
		fc.Source = c.Service.Source
	}
	if c.Service.ClientVersion != "" {
		fc.ClientVersion = c.Service.ClientVersion
	}
	if c.Service.Timeout > 0 {
		fc.Timeout = c.Service.Timeout
	}
	return fc
}

// OrchestratorConfig returns the conversation relay settings.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{RelayDelay: c.Conversation.RelayDelay}
}

// LoggingSettings returns the logger settings.
func (c *Config) LoggingSettings() *logging.Config {
	lc := logging.DefaultConfig()
	lc.LogDir = c.Logging.Dir
	lc.Console = c.Logging.Console
	if c.Logging.Level != "" {
		lc.Level = logging.LogLevel(c.Logging.Level)
	}
	return lc
}
