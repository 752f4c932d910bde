// Package event provides generic event emission utilities.
package event

import "sync"

// Emitter provides thread-safe event emission with handler registration.
// It handles the common pattern of registering handlers and emitting events
// to all registered handlers safely.
type Emitter[E any] struct {
	// +checklocks:mu
	handlers map[int]func(E)
	// +checklocks:mu
	nextID int
	mu     sync.RWMutex
}

// OnEvent registers an event handler and returns a function that removes it.
// Handlers are called synchronously when events are emitted. Removal makes
// consumer detach cheap without tearing down the emitter.
func (e *Emitter[E]) OnEvent(handler func(E)) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[int]func(E))
	}
	hid := e.nextID
	e.nextID++
	e.handlers[hid] = handler

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, hid)
	}
}

// Emit sends an event to all registered handlers.
// Handlers are called with a snapshot of the handler set to allow safe
// iteration even if handlers are registered or removed during emission.
// Must not be called with lock held.
func (e *Emitter[E]) Emit(event E) {
	e.mu.RLock()
	handlers := make([]func(E), 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// HandlerCount returns the number of registered handlers.
func (e *Emitter[E]) HandlerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}
