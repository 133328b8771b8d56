package shellbridge

import (
	"sync"
	"time"

	"github.com/sheerbytes/dropzone/internal/events"
	"github.com/sheerbytes/dropzone/pkg/protocol"
)

// Hub fans pushed envelopes out to every connected shell. Each shell has its own
// queue and writer goroutine, so a slow shell never blocks the engine. Progress
// envelopes are dropped oldest first once a shell's queue is full; every other
// envelope is always delivered.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

const clientQueue = 256

type outgoing struct {
	env      protocol.Envelope
	progress bool
}

func isProgress(o outgoing) bool { return o.progress }

type client struct {
	queue *events.Queue[outgoing]
	stop  chan struct{}
	once  sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		c.queue.Close()
		close(c.stop)
	})
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// Add registers a shell by connection id. greeting is delivered before any
// broadcast. send is called from the shell's writer goroutine. The returned
// remove func stops the writer.
func (h *Hub) Add(connID string, send func(env protocol.Envelope) error, greeting ...protocol.Envelope) (remove func()) {
	c := &client{
		queue: events.NewQueue(clientQueue, isProgress),
		stop:  make(chan struct{}),
	}
	for _, env := range greeting {
		c.queue.Push(outgoing{env: env})
	}
	h.mu.Lock()
	if old, ok := h.clients[connID]; ok {
		old.close()
	}
	h.clients[connID] = c
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			out, ok := c.queue.Pop(c.stop)
			if !ok {
				return
			}
			if err := send(out.env); err != nil {
				c.queue.Close()
				return
			}
		}
	}()

	return func() {
		h.mu.Lock()
		current, ok := h.clients[connID]
		if !ok || current != c {
			h.mu.Unlock()
			return
		}
		delete(h.clients, connID)
		h.mu.Unlock()
		c.close()

		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

// Len returns the number of connected shells.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues env for every shell without blocking. It is never dropped.
func (h *Hub) Broadcast(env protocol.Envelope) {
	h.broadcast(outgoing{env: env})
}

// BroadcastProgress queues a progress envelope, which a full queue may drop.
func (h *Hub) BroadcastProgress(env protocol.Envelope) {
	h.broadcast(outgoing{env: env, progress: true})
}

func (h *Hub) broadcast(out outgoing) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.queue.Push(out)
	}
}

// CloseAll removes every shell.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}
