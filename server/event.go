package server

import "sync"

// Event is a lifecycle notification with any number of listeners. Listeners
// run synchronously on the goroutine that emits the event, in registration
// order, and must not block.
type Event struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listener
}

type listener struct {
	id uint64
	fn func()
}

// AddListener registers fn, returning a function that removes it.
func (e *Event) AddListener(fn func()) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// emit calls every listener, outside the lock, so they may add or remove
// listeners.
func (e *Event) emit() {
	e.mu.Lock()
	listeners := e.listeners
	e.mu.Unlock()
	for _, l := range listeners {
		l.fn()
	}
}
