package websocket

import (
	"sync"
	"time"
)

// Notice is the payload delivered to listeners. Which fields are set depends
// on Event.
type Notice struct {
	Event Event

	// Message is set for EventMessage.
	Message Message

	// Code, Reason and Manual are set for EventClose.
	Code   CloseCode
	Reason string
	Manual bool

	// Err is set for EventError and EventExhausted.
	Err error

	// Attempt is set for EventReconnecting and EventExhausted, Delay for EventReconnecting.
	Attempt int
	Delay   time.Duration
}

// Listener receives notices.
type Listener func(Notice)

// ListenerID identifies a registration for removal.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// Router delivers notices to listeners in registration order.
type Router struct {
	mu        sync.RWMutex
	listeners map[Event][]listenerEntry
	nextID    ListenerID
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		listeners: make(map[Event][]listenerEntry),
	}
}

// Add registers fn for event and returns its id.
func (r *Router) Add(event Event, fn Listener) ListenerID {
	if r == nil || fn == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.listeners[event] = append(r.listeners[event], listenerEntry{id: r.nextID, fn: fn})
	return r.nextID
}

// Remove unregisters a listener. It reports whether the id was found.
func (r *Router) Remove(event Event, id ListenerID) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.listeners[event]
	for i, existing := range list {
		if existing.id != id {
			continue
		}
		next := make([]listenerEntry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.listeners, event)
		} else {
			r.listeners[event] = next
		}
		return true
	}
	return false
}

// Len returns the number of listeners for event.
func (r *Router) Len(event Event) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[event])
}

// Route dispatches n to every listener of n.Event. Listeners added or removed
// during dispatch take effect from the next Route call.
func (r *Router) Route(n Notice) {
	if r == nil {
		return
	}
	r.mu.RLock()
	list := r.listeners[n.Event]
	r.mu.RUnlock()
	for _, entry := range list {
		entry.fn(n)
	}
}
