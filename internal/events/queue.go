package events

import (
	"sync"
	"sync/atomic"
)

// Queue is an unbounded single-consumer FIFO with a soft bound for droppable
// items. Push never blocks. When the queue holds capacity items, the oldest
// droppable item is discarded to make room; if none is queued, a droppable push
// is discarded instead. Other items are always enqueued.
type Queue[T any] struct {
	mu        sync.Mutex
	items     []T
	capacity  int
	droppable func(T) bool
	closed    bool

	notify  chan struct{}
	dropped atomic.Uint64
}

// NewQueue creates a queue. A nil droppable makes every item permanent.
func NewQueue[T any](capacity int, droppable func(T) bool) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if droppable == nil {
		droppable = func(T) bool { return false }
	}
	return &Queue[T]{
		items:     make([]T, 0, capacity),
		capacity:  capacity,
		droppable: droppable,
		notify:    make(chan struct{}, 1),
	}
}

// Push enqueues v and reports whether it was kept.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.items) >= q.capacity {
		if i := q.oldestDroppable(); i >= 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.dropped.Add(1)
		} else if q.droppable(v) {
			q.mu.Unlock()
			q.dropped.Add(1)
			return false
		}
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
	return true
}

func (q *Queue[T]) oldestDroppable() int {
	for i, v := range q.items {
		if q.droppable(v) {
			return i
		}
	}
	return -1
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop returns the oldest item, waiting for one if the queue is empty. It
// returns false once done is closed, or once the queue is closed and drained.
func (q *Queue[T]) Pop(done <-chan struct{}) (T, bool) {
	var zero T
	for {
		select {
		case <-done:
			return zero, false
		default:
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return zero, false
		}
		select {
		case <-q.notify:
		case <-done:
			return zero, false
		}
	}
}

// Close rejects further pushes. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many droppable items were discarded.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}
