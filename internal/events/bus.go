package events

import (
	"sync"
	"time"
)

// Handler receives events dispatched by the bus
type Handler func(Event)

// Bus provides event distribution across components.
// Emit is safe for concurrent use; handlers run on a single dispatch
// goroutine, in emission order.
type Bus struct {
	Capacity int
	events   chan Event

	// mu guards closed; hmu guards handlers so dispatch never waits on emitters
	mu       sync.RWMutex
	closed   bool
	hmu      sync.RWMutex
	handlers []Handler
	done     chan struct{}
}

// NewBus creates a new event bus with the specified capacity
func NewBus(capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	b := &Bus{
		Capacity: capacity,
		events:   make(chan Event, capacity),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for all subsequent events
func (b *Bus) Subscribe(h Handler) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit stamps the event time and queues it for dispatch.
// Blocks while the buffer is full; a nil or closed bus drops the event.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.events <- e
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.events {
		b.hmu.RLock()
		handlers := make([]Handler, len(b.handlers))
		copy(handlers, b.handlers)
		b.hmu.RUnlock()

		for _, h := range handlers {
			h(e)
		}
	}
}

// Close shuts down the event bus after delivering queued events
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()

	<-b.done
	return nil
}
