// Package bus provides an in-process event bus for voice core events.
package bus

import (
	"sync"
	"time"
)

// EventType identifies different event types
type EventType string

const (
	// Session lifecycle
	EventSessionStarted EventType = "session.started"
	EventSessionEnded   EventType = "session.ended"
	EventSessionExpired EventType = "session.expired"

	// Conversation flow
	EventStateChanged EventType = "conversation.state_changed"
	EventInterruption EventType = "conversation.interruption"
	EventCommand      EventType = "conversation.command"
	EventResponse     EventType = "conversation.response"

	// Pipeline recovery
	EventRecoverySucceeded EventType = "recovery.succeeded"
	EventRecoveryDegraded  EventType = "recovery.degraded"
)

// Event represents a bus event
type Event struct {
	Type      EventType
	SessionID string
	Time      time.Time
	Data      map[string]any
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

// Publish sends an event to all subscribed handlers without waiting.
func (b *EventBus) Publish(event Event) {
	for _, handler := range b.snapshot(event) {
		go safeCall(handler, event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	handlers := b.snapshot(event)

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			safeCall(h, event)
		}(handler)
	}
	wg.Wait()
}

// HandlerCount returns the number of handlers for an event type.
func (b *EventBus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
}

func (b *EventBus) snapshot(event Event) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	return handlers
}

// safeCall keeps a panicking subscriber from taking down the publisher.
func safeCall(h Handler, event Event) {
	defer func() { _ = recover() }()
	h(event)
}
