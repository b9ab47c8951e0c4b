package eventbus

import (
	"sync"
)

// Handler is a function that handles an event
type Handler func(event interface{})

// EventBus provides in-process pub/sub keyed by topic.
type EventBus struct {
	handlers map[string][]Handler
	mu       sync.RWMutex
}

// New creates a new EventBus
func New() *EventBus {
	return &EventBus{
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for a topic.
func (e *EventBus) Subscribe(topic string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handlers[topic] = append(e.handlers[topic], handler)
}

// Publish delivers an event to all subscribers of the topic asynchronously.
func (e *EventBus) Publish(topic string, event interface{}) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, handler := range e.handlers[topic] {
		go handler(event)
	}
}

// PublishSync delivers an event to all subscribers of the topic on the
// caller's goroutine, in registration order.
func (e *EventBus) PublishSync(topic string, event interface{}) {
	e.mu.RLock()
	handlers := make([]Handler, len(e.handlers[topic]))
	copy(handlers, e.handlers[topic])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// HasSubscribers returns true if the topic has at least one subscriber.
func (e *EventBus) HasSubscribers(topic string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.handlers[topic]) > 0
}

// SubscriberCount returns the number of subscribers for a topic.
func (e *EventBus) SubscriberCount(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.handlers[topic])
}
