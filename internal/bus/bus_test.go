package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishSyncOrder(t *testing.T) {
	b := NewEventBus()

	var got []string
	b.Subscribe(EventTypeAgentTranscript, func(e Event) {
		got = append(got, e.String("text"))
	})

	for _, s := range []string{"one", "two", "three"} {
		b.PublishSync(Event{Type: EventTypeAgentTranscript, Data: map[string]any{"text": s}})
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestEventBus_PublishAsync(t *testing.T) {
	b := NewEventBus()

	var mu sync.Mutex
	count := 0
	b.SubscribeMultiple([]EventType{EventTypeSessionStarted, EventTypeSessionError}, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish(Event{Type: EventTypeSessionStarted})
	b.Publish(Event{Type: EventTypeSessionError})
	b.Publish(Event{Type: EventTypeTurnStarted})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, time.Second, 5*time.Millisecond)
}

func TestEventBus_Clear(t *testing.T) {
	b := NewEventBus()
	called := false
	b.Subscribe(EventTypeDebugNote, func(Event) { called = true })
	b.Clear()
	b.PublishSync(Event{Type: EventTypeDebugNote})
	assert.False(t, called)
}

func TestEvent_String(t *testing.T) {
	e := Event{Data: map[string]any{"text": "hi", "n": 3}}
	assert.Equal(t, "hi", e.String("text"))
	assert.Equal(t, "", e.String("n"))
	assert.Equal(t, "", e.String("missing"))
}
