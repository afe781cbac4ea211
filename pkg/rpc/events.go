package rpc

import "sync"

// Event names a connector lifecycle event.
type Event string

const (
	// EventConnected fires once the transport is ready and any queued requests were flushed.
	EventConnected Event = "connected"
	// EventDisconnected fires after a connection is torn down. The handler
	// receives the cause, or nil for a local Disconnect.
	EventDisconnected Event = "disconnected"
	// EventError fires for transport failures: failed dials, read or write
	// errors, failed HTTP exchanges.
	EventError Event = "error"
)

func (e Event) String() string {
	return string(e)
}

// EventHandler observes a lifecycle event.
type EventHandler func(err error)

// eventRegistry maps events to ordered handler lists.
type eventRegistry struct {
	mu       sync.RWMutex
	handlers map[Event][]EventHandler
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{handlers: make(map[Event][]EventHandler)}
}

func (r *eventRegistry) on(event Event, handler EventHandler) {
	if handler == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = append(r.handlers[event], handler)
}

// emit calls the handlers registered for event in order. The list is copied
// first so a handler may register further handlers without deadlocking.
func (r *eventRegistry) emit(event Event, err error) {
	r.mu.RLock()
	handlers := make([]EventHandler, len(r.handlers[event]))
	copy(handlers, r.handlers[event])
	r.mu.RUnlock()

	for _, h := range handlers {
		h(err)
	}
}
