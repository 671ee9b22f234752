// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types for cortexconverse
const (
	// Session events
	EventTypeSessionStarted     EventType = "session.started"
	EventTypeSessionError       EventType = "session.error"
	EventTypeSessionInterrupted EventType = "session.interrupted"
	EventTypeTurnStarted        EventType = "session.turn_started"
	EventTypeTurnFinished       EventType = "session.turn_finished"

	// Stream events
	EventTypeEnvelopeReceived EventType = "envelope.received"
	EventTypeUserTranscript   EventType = "transcript.user"
	EventTypeAction           EventType = "action.received"
	EventTypeDebugNote        EventType = "debug.note"
	EventTypeNarrativeSection EventType = "narrative.section"

	// Audio capture events
	EventTypeListeningStarted EventType = "audio.listening_started"
	EventTypeListeningStopped EventType = "audio.listening_stopped"

	// Playback events
	EventTypeTalkingChanged   EventType = "playback.talking_changed"
	EventTypeAgentTranscript  EventType = "playback.transcript"
	EventTypeResponseComplete EventType = "playback.response_complete"

	// Conversation events
	EventTypeConversationStarted EventType = "conversation.started"
	EventTypeConversationPaused  EventType = "conversation.paused"
	EventTypeConversationRelayed EventType = "conversation.relayed"
	EventTypeConversationEnded   EventType = "conversation.ended"

	// Feedback events
	EventTypeFeedbackSubmitted EventType = "feedback.submitted"
)

// Event represents a bus event
type Event struct {
	Type    EventType
	AgentID string
	Data    map[string]any
}

// String returns Data[key] as a string, or "".
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

func (b *EventBus) snapshot(t EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]Handler, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	return handlers
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	for _, handler := range b.snapshot(event.Type) {
		// Call handlers in goroutines to avoid blocking
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete.
// Handlers run in subscription order on the caller's goroutine, so events
// published from one goroutine are observed in order.
func (b *EventBus) PublishSync(event Event) {
	for _, handler := range b.snapshot(event.Type) {
		handler(event)
	}
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
}
