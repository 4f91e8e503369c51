package bridge

import (
	"sync"

	"go.uber.org/zap"
)

// Signals emitted through the event port.
const (
	EventAPIStatus   = "api_status"
	EventAWSStatus   = "aws_client_status"
	EventDeviceNew   = "device_new"
	EventDataChanged = "data_changed"
	EventReady       = "ready"
)

// Event is one signal: name, emitting instance, optional payload.
type Event struct {
	Signal     string
	InstanceID string
	Payload    any
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is the one-way port observers attach to. Handlers run
// synchronously on the emitting task; a panicking handler is recovered.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	log         *zap.Logger
}

func NewEventBus(log *zap.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		log:         log,
	}
}

// On registers a handler for one signal. Returns an unsubscribe function.
func (eb *EventBus) On(signal string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[signal] == nil {
		eb.handlers[signal] = make(map[uint64]EventHandler)
	}
	eb.handlers[signal][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[signal], id)
	}
}

// OnAll registers a handler for every signal. Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit delivers an event to all matching handlers.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Signal])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Signal] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.log.Error("event handler panic", zap.String("signal", event.Signal), zap.Any("reason", r))
				}
			}()
			h(event)
		}()
	}
}
