package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// MockNetwork is an in-memory network of substrates for tests. Streams are backed
// by io.Pipe, so every write blocks until the other side reads it.
type MockNetwork struct {
	mu          sync.Mutex
	nodes       map[string]*MockSubstrate
	streams     map[pairKey][]*mockStream
	stalled     map[pairKey]bool
	partitioned map[pairKey]bool
}

type pairKey struct{ a, b string }

func keyFor(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

// NewMockNetwork returns an empty network.
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{
		nodes:       make(map[string]*MockSubstrate),
		streams:     make(map[pairKey][]*mockStream),
		stalled:     make(map[pairKey]bool),
		partitioned: make(map[pairKey]bool),
	}
}

// Join adds a node to the network and returns its substrate.
func (n *MockNetwork) Join(id, name string) *MockSubstrate {
	s := &MockSubstrate{
		net:    n,
		info:   PeerInfo{ID: id, Name: name, Address: "mock://" + id, OS: "mock"},
		events: make(chan PeerEvent, 256),
		accept: make(chan acceptedStream, 16),
		done:   make(chan struct{}),
	}
	n.mu.Lock()
	n.nodes[id] = s
	n.mu.Unlock()
	return s
}

// Announce makes about visible to to.
func (n *MockNetwork) Announce(to, about string) {
	n.mu.Lock()
	target, peer := n.nodes[to], n.nodes[about]
	n.mu.Unlock()
	if target == nil || peer == nil {
		return
	}
	target.emit(PeerEvent{Kind: PeerAnnounced, Peer: peer.info})
}

// Lose tells to that about went away. Streams are left alone.
func (n *MockNetwork) Lose(to, about string) {
	n.mu.Lock()
	target, peer := n.nodes[to], n.nodes[about]
	n.mu.Unlock()
	if target == nil || peer == nil {
		return
	}
	target.emit(PeerEvent{Kind: PeerLost, Peer: peer.info})
}

// Link announces a and b to each other.
func (n *MockNetwork) Link(a, b string) {
	n.Announce(a, b)
	n.Announce(b, a)
}

// Stall makes every write between a and b block until its stream is closed.
func (n *MockNetwork) Stall(a, b string) {
	k := keyFor(a, b)
	n.mu.Lock()
	n.stalled[k] = true
	streams := append([]*mockStream(nil), n.streams[k]...)
	n.mu.Unlock()
	for _, s := range streams {
		s.stall()
	}
}

// Partition cuts a and b apart: existing streams stall, new streams fail and
// both sides are told the other is lost.
func (n *MockNetwork) Partition(a, b string) {
	n.mu.Lock()
	n.partitioned[keyFor(a, b)] = true
	n.mu.Unlock()
	n.Stall(a, b)
	n.Lose(a, b)
	n.Lose(b, a)
}

// Heal undoes Stall and Partition for new streams.
func (n *MockNetwork) Heal(a, b string) {
	k := keyFor(a, b)
	n.mu.Lock()
	delete(n.stalled, k)
	delete(n.partitioned, k)
	n.mu.Unlock()
}

func (n *MockNetwork) open(ctx context.Context, from, to string) (Stream, error) {
	k := keyFor(from, to)
	n.mu.Lock()
	target := n.nodes[to]
	if target == nil || n.partitioned[k] {
		n.mu.Unlock()
		return nil, fmt.Errorf("mock: peer %s unreachable", to)
	}
	stalled := n.stalled[k]
	local, remote := newMockStreamPair()
	n.streams[k] = append(n.streams[k], local, remote)
	n.mu.Unlock()
	if stalled {
		local.stall()
		remote.stall()
	}

	select {
	case target.accept <- acceptedStream{from: from, stream: remote}:
		return local, nil
	case <-target.done:
		local.Close()
		remote.Close()
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

func (n *MockNetwork) leave(id string) {
	n.mu.Lock()
	delete(n.nodes, id)
	var streams []*mockStream
	for k, list := range n.streams {
		if k.a == id || k.b == id {
			streams = append(streams, list...)
			delete(n.streams, k)
		}
	}
	n.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
}

// MockSubstrate is one node's view of a MockNetwork.
type MockSubstrate struct {
	net    *MockNetwork
	info   PeerInfo
	events chan PeerEvent
	accept chan acceptedStream

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

type acceptedStream struct {
	from   string
	stream *mockStream
}

var _ Substrate = (*MockSubstrate)(nil)
var _ Stream = (*mockStream)(nil)

// Info returns how this node is announced to others.
func (s *MockSubstrate) Info() PeerInfo { return s.info }

func (s *MockSubstrate) emit(ev PeerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *MockSubstrate) PeerEvents() <-chan PeerEvent {
	return s.events
}

func (s *MockSubstrate) OpenStream(ctx context.Context, peerID string) (Stream, error) {
	select {
	case <-s.done:
		return nil, io.ErrClosedPipe
	default:
	}
	return s.net.open(ctx, s.info.ID, peerID)
}

func (s *MockSubstrate) AcceptStream(ctx context.Context) (string, Stream, error) {
	select {
	case a := <-s.accept:
		return a.from, a.stream, nil
	case <-s.done:
		return "", nil, io.ErrClosedPipe
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (s *MockSubstrate) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		close(s.done)
		s.net.leave(s.info.ID)
	})
	return nil
}

// mockStream is one end of a bidirectional stream backed by two io.Pipes.
type mockStream struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	mu      sync.Mutex
	stalled bool
	done    chan struct{}
	once    sync.Once
}

func newMockStreamPair() (*mockStream, *mockStream) {
	// local writes -> remote reads
	lr, lw := io.Pipe()
	// remote writes -> local reads
	rr, rw := io.Pipe()
	local := &mockStream{reader: rr, writer: lw, done: make(chan struct{})}
	remote := &mockStream{reader: lr, writer: rw, done: make(chan struct{})}
	return local, remote
}

func (s *mockStream) stall() {
	s.mu.Lock()
	s.stalled = true
	s.mu.Unlock()
}

func (s *mockStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *mockStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	stalled := s.stalled
	s.mu.Unlock()
	if stalled {
		<-s.done
		return 0, io.ErrClosedPipe
	}
	return s.writer.Write(p)
}

func (s *mockStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.reader.Close()
		s.writer.Close()
	})
	return nil
}
