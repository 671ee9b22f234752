package main

import (
	"bytes"
	"testing"

	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/normanking/cortexconverse/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApp_PrintLog(t *testing.T) {
	l, err := logging.New(&logging.Config{Level: logging.LevelDebug})
	require.NoError(t, err)
	a := &app{log: l}

	zl := l.Component("session")
	zl.Info().Str("agent", "ada").Msg("Session started")
	zl.Warn().Msg("Turn rejected")

	var out bytes.Buffer
	a.printLog(&out, 1)
	assert.Contains(t, out.String(), "[session] Turn rejected")
	assert.NotContains(t, out.String(), "Session started")

	out.Reset()
	a.printLog(&out, 2)
	assert.Contains(t, out.String(), "Session started agent=ada")
}

func TestApp_CloseDropsSubscribers(t *testing.T) {
	l, err := logging.New(&logging.Config{Level: logging.LevelInfo})
	require.NoError(t, err)
	a := &app{log: l, bus: bus.NewEventBus()}

	called := false
	a.bus.Subscribe(bus.EventTypeAgentTranscript, func(bus.Event) { called = true })
	a.close()

	a.bus.PublishSync(bus.Event{Type: bus.EventTypeAgentTranscript})
	assert.False(t, called)
}
