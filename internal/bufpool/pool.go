package bufpool

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pool provides a pool of byte buffers of a fixed size.
// Buffers are reused to reduce allocations and GC pressure.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a new buffer pool that returns buffers of exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, bufSize)
			},
		},
	}
}

// Get returns a buffer from the pool, or allocates a new one if the pool is empty.
// The returned buffer is always exactly bufSize bytes.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns a buffer to the pool for reuse.
// Buffers with a capacity below bufSize are discarded.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// Window hands out at most Slots buffers at a time. Get blocks once the window is
// exhausted until a buffer is returned or ctx ends. A chunk streamer uses one
// Window per session, which caps the chunk memory held by that session regardless
// of file size.
type Window struct {
	pool        *Pool
	tokens      chan struct{}
	outstanding atomic.Int64
	peak        atomic.Int64
}

// NewWindow creates a window of slots buffers of bufSize bytes.
func NewWindow(bufSize, slots int) *Window {
	if slots <= 0 {
		panic("slots must be positive")
	}
	return &Window{
		pool:   New(bufSize),
		tokens: make(chan struct{}, slots),
	}
}

// Get takes a slot and returns a buffer of BufSize bytes.
func (w *Window) Get(ctx context.Context) ([]byte, error) {
	select {
	case w.tokens <- struct{}{}:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	n := w.outstanding.Add(1)
	for {
		peak := w.peak.Load()
		if n <= peak || w.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return w.pool.Get(), nil
}

// Put returns a buffer obtained from Get and frees its slot.
func (w *Window) Put(buf []byte) {
	w.pool.Put(buf)
	w.outstanding.Add(-1)
	<-w.tokens
}

// Slots returns the window size.
func (w *Window) Slots() int {
	return cap(w.tokens)
}

// BufSize returns the size of buffers handed out.
func (w *Window) BufSize() int {
	return w.pool.BufSize()
}

// Outstanding returns the number of buffers currently handed out.
func (w *Window) Outstanding() int {
	return int(w.outstanding.Load())
}

// Peak returns the highest Outstanding value observed.
func (w *Window) Peak() int {
	return int(w.peak.Load())
}
