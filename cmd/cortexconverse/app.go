package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/normanking/cortexconverse/internal/avatar"
	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/normanking/cortexconverse/internal/config"
	"github.com/normanking/cortexconverse/internal/dispatch"
	"github.com/normanking/cortexconverse/internal/feedback"
	"github.com/normanking/cortexconverse/internal/logging"
	"github.com/normanking/cortexconverse/internal/metrics"
	"github.com/normanking/cortexconverse/internal/session"
	"github.com/normanking/cortexconverse/internal/simulator"
	"github.com/normanking/cortexconverse/internal/store"
	"github.com/normanking/cortexconverse/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// app wires the runtime shared by the chat and pair commands.
type app struct {
	cfg      *config.Config
	loader   *config.Loader
	log      *logging.Logger
	logger   zerolog.Logger
	bus      *bus.EventBus
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *store.SQLiteStore
	queue    *dispatch.Queue
	ctrl     *session.Controller
	feedback *feedback.Client

	sim         *simulator.Simulator
	simFeedback *http.Server
}

func newApp(opts *globalOptions, simulate bool) (*app, error) {
	loader := config.NewLoader(opts.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	log, err := logging.New(cfg.LoggingSettings())
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	logger := log.Zerolog()

	a := &app{
		cfg:      cfg,
		loader:   loader,
		log:      log,
		logger:   logger,
		bus:      bus.NewEventBus(),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	a.store, err = store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	store.NewJournal(a.store, a.bus, logger)

	fbCfg := cfg.FeedbackConfig()
	var client transport.Client
	if simulate {
		simCfg := simulator.DefaultConfig()
		simCfg.FrameRate = cfg.LipSync.FrameRate
		a.sim = simulator.New(simCfg, logger)
		client = a.sim.Client(map[string]string{
			transport.HeaderSource:        cfg.Service.Source,
			transport.HeaderClientVersion: cfg.Service.ClientVersion,
		})
		url, err := a.serveSimulatedFeedback()
		if err != nil {
			a.close()
			return nil, err
		}
		fbCfg.URL = url
	} else {
		client = newSupervisedClient(transport.NewWSClient(cfg.WSConfig(), logger), logger)
	}

	a.queue = dispatch.NewQueue(logger)
	a.ctrl = session.NewController(cfg.SessionConfig(), client, a.queue, a.bus, a.store, a.metrics, logger)
	for _, agent := range cfg.AgentConfigs() {
		if _, err := a.ctrl.AddAgent(agent, avatar.NewLogAvatar(agent.Name, logger)); err != nil {
			a.close()
			return nil, err
		}
	}
	a.feedback = feedback.NewClient(fbCfg, a.store, a.bus, a.metrics, logger)

	loader.Watch(func(c *config.Config, err error) {
		if err != nil {
			log.Warn("config", "Ignoring invalid config change", map[string]any{"error": err.Error()})
			return
		}
		log.SetLevel(logging.LogLevel(c.Logging.Level))
		log.Info("config", "Config reloaded", map[string]any{"level": c.Logging.Level})
	})

	logger.Info().
		Str("config", loader.Path()).
		Bool("simulate", simulate).
		Int("agents", len(cfg.Agents)).
		Msg("CortexConverse started")
	return a, nil
}

// serveSimulatedFeedback exposes the simulator's feedback endpoint on a
// loopback port and returns its URL.
func (a *app) serveSimulatedFeedback() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listen for simulated feedback: %w", err)
	}
	a.simFeedback = &http.Server{Handler: a.sim.FeedbackHandler(), ReadHeaderTimeout: 5 * time.Second}
	go a.simFeedback.Serve(ln)
	return "http://" + ln.Addr().String() + "/feedback", nil
}

// frameInterval is the dispatch tick period: one animation frame.
func (a *app) frameInterval() time.Duration {
	rate := a.cfg.LipSync.FrameRate
	if rate <= 0 {
		rate = 30
	}
	return time.Duration(float64(time.Second) / rate)
}

// serveMetrics exposes /metrics until ctx is done. An empty address
// disables the endpoint.
func (a *app) serveMetrics(ctx context.Context) error {
	if a.cfg.Metrics.Addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.logger.Info().Str("addr", a.cfg.Metrics.Addr).Msg("Metrics endpoint listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// printTranscripts echoes user and agent lines to w as they happen.
func (a *app) printTranscripts(w io.Writer) {
	var mu sync.Mutex
	name := func(agentID string) string {
		if s, err := a.ctrl.Session(agentID); err == nil {
			return s.Name()
		}
		return agentID
	}
	emit := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, line)
	}

	a.bus.Subscribe(bus.EventTypeUserTranscript, func(e bus.Event) {
		if final, _ := e.Data["final"].(bool); final {
			emit(userStyle.Render("you: ") + e.String("text"))
		}
	})
	a.bus.Subscribe(bus.EventTypeAgentTranscript, func(e bus.Event) {
		if text := strings.TrimSpace(e.String("text")); text != "" {
			emit(agentStyle.Render(name(e.AgentID)+": ") + text)
		}
	})
	a.bus.Subscribe(bus.EventTypeNarrativeSection, func(e bus.Event) {
		emit(dimStyle.Render("[" + name(e.AgentID) + " entered section " + e.String("section_id") + "]"))
	})
	a.bus.Subscribe(bus.EventTypeSessionError, func(e bus.Event) {
		emit(errorStyle.Render(name(e.AgentID) + ": " + e.String("error")))
	})
}

// printLog writes the last n in-memory log entries to w.
func (a *app) printLog(w io.Writer, n int) {
	if path := a.log.GetLogPath(); path != "" {
		fmt.Fprintln(w, dimStyle.Render("log file: "+path))
	}
	for _, e := range a.log.GetHistory(n) {
		line := fmt.Sprintf("%s %-5s [%s] %s", e.Timestamp, e.Level, e.Component, e.Message)
		if e.Data != "" {
			line += " " + e.Data
		}
		fmt.Fprintln(w, dimStyle.Render(line))
	}
}

func (a *app) close() {
	if a.ctrl != nil {
		a.ctrl.Close()
	}
	a.bus.Clear()
	if a.feedback != nil {
		a.feedback.Wait()
	}
	if a.simFeedback != nil {
		a.simFeedback.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.log != nil {
		a.log.Close()
	}
}
