package transfer

import (
	"context"
	"io"
)

// Stream is a bidirectional, ordered, reliable byte stream between two peers.
// Streams are independent and can be used concurrently.
type Stream interface {
	io.Reader
	io.Writer
	// Close closes the stream. After Close is called, Read and Write operations
	// will return errors.
	Close() error
}

// PeerEventKind tells whether a peer appeared or disappeared.
type PeerEventKind int

const (
	PeerAnnounced PeerEventKind = iota
	PeerLost
)

func (k PeerEventKind) String() string {
	if k == PeerLost {
		return "lost"
	}
	return "announced"
}

// PeerInfo is what the discovery layer knows about a peer.
type PeerInfo struct {
	ID      string
	Name    string
	Address string
	OS      string
}

// PeerEvent is a discovery notification from the substrate.
type PeerEvent struct {
	Kind PeerEventKind
	Peer PeerInfo
}

// Substrate provides peer discovery and raw multiplexed streams between
// identified peers. Stream closure is a signal, not necessarily an error: the
// engine decides what a closed stream means for a session.
type Substrate interface {
	// PeerEvents returns the stream of discovery notifications. It is closed when
	// the substrate is closed.
	PeerEvents() <-chan PeerEvent

	// OpenStream opens a new stream to peerID.
	OpenStream(ctx context.Context, peerID string) (Stream, error)

	// AcceptStream waits for a stream opened by a remote peer.
	AcceptStream(ctx context.Context) (string, Stream, error)

	// Close releases listeners and connections.
	Close() error
}
