package events

import "sync"

// DefaultCapacity is the queue bound used when NewBus gets a non-positive value.
const DefaultCapacity = 256

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(Event)
}

// Bus delivers events to a single consumer in publish order. Publish never blocks.
//
// The queue is bounded for Progress events only. When it is full the oldest queued
// Progress is dropped to make room; if none is queued, a new Progress is dropped
// instead. Every other event is always enqueued, even past the bound.
type Bus struct {
	queue *Queue[Event]

	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewBus creates a bus and starts its delivery goroutine.
func NewBus(capacity int) *Bus {
	b := newBus(capacity)
	go b.pump()
	return b
}

func newBus(capacity int) *Bus {
	return &Bus{
		queue: NewQueue(capacity, IsProgress),
		out:   make(chan Event),
		done:  make(chan struct{}),
	}
}

// IsProgress reports whether e is a Progress event, the only kind a full queue
// may drop.
func IsProgress(e Event) bool {
	_, ok := e.(Progress)
	return ok
}

// Publish enqueues e. It returns immediately.
func (b *Bus) Publish(e Event) {
	if e == nil {
		return
	}
	b.queue.Push(e)
}

// Events returns the consumer channel. It is closed after Close.
func (b *Bus) Events() <-chan Event {
	return b.out
}

// Close stops delivery. Queued events that were not consumed are discarded.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.queue.Close()
		close(b.done)
	})
}

// Dropped returns how many Progress events were discarded.
func (b *Bus) Dropped() uint64 {
	return b.queue.Dropped()
}

// Len returns the number of queued events.
func (b *Bus) Len() int {
	return b.queue.Len()
}

func (b *Bus) pump() {
	defer close(b.out)
	for {
		e, ok := b.queue.Pop(b.done)
		if !ok {
			return
		}
		select {
		case b.out <- e:
		case <-b.done:
			return
		}
	}
}
