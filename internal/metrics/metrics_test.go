package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EnvelopeReceived("a1", "viseme")
	m.EnvelopeReceived("a1", "viseme")
	m.Released("a1", true)
	m.Released("a1", false)
	m.Purged("a1")
	m.Dropped("a1", "stray_frame")
	m.TurnFinished("a1", "ok", 2*time.Second)
	m.Interrupted("a1")
	m.Relayed("pair-1")
	m.FeedbackSubmitted(errors.New("down"))
	m.SessionInitialized("a1", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.envelopesTotal.WithLabelValues("a1", "viseme")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.releasesTotal.WithLabelValues("a1", "partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.releasesTotal.WithLabelValues("a1", "full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.purgesTotal.WithLabelValues("a1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.droppedTotal.WithLabelValues("a1", "stray_frame")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turnsTotal.WithLabelValues("a1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.interruptsTotal.WithLabelValues("a1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relaysTotal.WithLabelValues("pair-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedbackTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsInitTotal.WithLabelValues("a1", "success")))

	n, err := testutil.GatherAndCount(reg, "cortexconverse_turn_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EnvelopeReceived("a", "b")
		m.Released("a", true)
		m.Purged("a")
		m.Dropped("a", "r")
		m.TurnFinished("a", "ok", time.Second)
		m.Interrupted("a")
		m.ClipPlayed("a", time.Second)
		m.Relayed("p")
		m.FeedbackSubmitted(nil)
		m.SessionInitialized("a", nil)
	})
}
