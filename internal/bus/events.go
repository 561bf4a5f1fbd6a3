package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"relaybot/internal/domain"
)

// Event is an internal notification about relay progress.
type Event struct {
	Type      string         // one of the Event* constants
	Source    string         // originating component
	Outcome   domain.Outcome // relay the event belongs to
	Detail    string         // free-form detail, e.g. a dropped attachment URL
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe bus. Handlers run
// synchronously on the emitting goroutine, so they must be safe for
// concurrent use when several relays are in flight.
type EventBus struct {
	handlers map[string][]namedHandler
	nextID   int
	mu       sync.RWMutex
	logger   *slog.Logger
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers, specific handlers
// first. A panicking handler is logged and does not affect the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "source", event.Source, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// --- Well-known event types ---
const (
	EventRelayStarted      = "relay.started"
	EventRelayDelivered    = "relay.delivered"
	EventRelayFailed       = "relay.failed"
	EventAttachmentDropped = "attachment.dropped"
)
