// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types for CortexVoice
const (
	// Audio front-end events
	EventTypeSpeechStart EventType = "audio.speech_start"
	EventTypeSpeechEnd   EventType = "audio.speech_end"
	EventTypeNoiseFloor  EventType = "audio.noise_floor"

	// Recognition events
	EventTypeSTTPartial EventType = "stt.partial"
	EventTypeSTTResult  EventType = "stt.result"

	// Command events
	EventTypeCommandMatched   EventType = "command.matched"
	EventTypeCommandUnmatched EventType = "command.unmatched"

	// Dictation events
	EventTypeDictationText EventType = "dictation.text"

	// Mode events
	EventTypeModeChanged EventType = "mode.changed"

	// Engine events
	EventTypeEngineState    EventType = "engine.state"
	EventTypeEngineSwitched EventType = "engine.switched"
	EventTypeEngineError    EventType = "engine.error"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]Handler
	allHandlers []Handler
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

// SubscribeAll adds a handler that receives every published event
func (b *EventBus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allHandlers = append(b.allHandlers, handler)
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.allHandlers...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		// Call handlers in goroutines to avoid blocking
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.allHandlers...)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
	b.allHandlers = nil
}
