// Package metrics exposes Prometheus instruments for the conversation pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cortexconverse"

// Metrics holds the pipeline instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	envelopesTotal    *prometheus.CounterVec
	releasesTotal     *prometheus.CounterVec
	purgesTotal       *prometheus.CounterVec
	droppedTotal      *prometheus.CounterVec
	turnsTotal        *prometheus.CounterVec
	interruptsTotal   *prometheus.CounterVec
	playbackSeconds   *prometheus.HistogramVec
	turnDuration      *prometheus.HistogramVec
	relaysTotal       *prometheus.CounterVec
	feedbackTotal     *prometheus.CounterVec
	sessionsInitTotal *prometheus.CounterVec
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		envelopesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_total",
				Help:      "Total number of envelopes received from the dialogue service",
			},
			[]string{"agent", "type"},
		),
		releasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lipsync_releases_total",
				Help:      "Total number of lip-sync buffer releases",
			},
			[]string{"agent", "mode"}, // mode: partial, full
		),
		purgesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lipsync_purges_total",
				Help:      "Total number of stale animation batches dropped",
			},
			[]string{"agent"},
		),
		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_total",
				Help:      "Total number of frames or chunks dropped",
			},
			[]string{"agent", "reason"},
		),
		turnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Total number of turns by outcome",
			},
			[]string{"agent", "outcome"}, // outcome: ok, cancelled, fault, rejected
		),
		interruptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interrupts_total",
				Help:      "Total number of interrupts",
			},
			[]string{"agent"},
		),
		playbackSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "playback_clip_seconds",
				Help:      "Duration of played audio clips in seconds",
				Buckets:   []float64{.25, .5, 1, 2, 4, 8, 16},
			},
			[]string{"agent"},
		),
		turnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Time from turn start until the response stream ended",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"agent"},
		),
		relaysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversation_relays_total",
				Help:      "Total number of agent-to-agent relays",
			},
			[]string{"pair"},
		),
		feedbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feedback_total",
				Help:      "Total number of feedback submissions",
			},
			[]string{"status"}, // status: success, error
		),
		sessionsInitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_inits_total",
				Help:      "Total number of session initializations",
			},
			[]string{"agent", "status"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.envelopesTotal,
			m.releasesTotal,
			m.purgesTotal,
			m.droppedTotal,
			m.turnsTotal,
			m.interruptsTotal,
			m.playbackSeconds,
			m.turnDuration,
			m.relaysTotal,
			m.feedbackTotal,
			m.sessionsInitTotal,
		)
	}
	return m
}

// EnvelopeReceived counts one inbound envelope.
func (m *Metrics) EnvelopeReceived(agent, envelopeType string) {
	if m == nil {
		return
	}
	m.envelopesTotal.WithLabelValues(agent, envelopeType).Inc()
}

// Released counts a lip-sync release. partial selects the mode label.
func (m *Metrics) Released(agent string, partial bool) {
	if m == nil {
		return
	}
	mode := "full"
	if partial {
		mode = "partial"
	}
	m.releasesTotal.WithLabelValues(agent, mode).Inc()
}

func (m *Metrics) Purged(agent string) {
	if m == nil {
		return
	}
	m.purgesTotal.WithLabelValues(agent).Inc()
}

// Dropped counts a discarded frame or chunk.
func (m *Metrics) Dropped(agent, reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(agent, reason).Inc()
}

// TurnFinished records a turn outcome and how long the stream ran.
func (m *Metrics) TurnFinished(agent, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(agent, outcome).Inc()
	if elapsed > 0 {
		m.turnDuration.WithLabelValues(agent).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Interrupted(agent string) {
	if m == nil {
		return
	}
	m.interruptsTotal.WithLabelValues(agent).Inc()
}

// ClipPlayed observes a played clip duration.
func (m *Metrics) ClipPlayed(agent string, d time.Duration) {
	if m == nil {
		return
	}
	m.playbackSeconds.WithLabelValues(agent).Observe(d.Seconds())
}

func (m *Metrics) Relayed(pair string) {
	if m == nil {
		return
	}
	m.relaysTotal.WithLabelValues(pair).Inc()
}

// FeedbackSubmitted records a feedback submission result.
func (m *Metrics) FeedbackSubmitted(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.feedbackTotal.WithLabelValues(status).Inc()
}

// SessionInitialized records a session initialization result.
func (m *Metrics) SessionInitialized(agent string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.sessionsInitTotal.WithLabelValues(agent, status).Inc()
}
