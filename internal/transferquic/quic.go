package transferquic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/singleflight"

	"github.com/sheerbytes/dropzone/internal/quictransport"
	"github.com/sheerbytes/dropzone/internal/transfer"
)

var (
	_ transfer.Substrate = (*Substrate)(nil)
	_ transfer.Stream    = (*QUICStream)(nil)
)

// helloMagic starts every stream, followed by a u16 length and the opener's
// peer id.
var helloMagic = [4]byte{'D', 'Z', 'H', '1'}

const (
	maxPeerIDLen = 256
	helloTimeout = 10 * time.Second
)

// Substrate serves transfer streams over QUIC. Peer addresses come from the
// discovery events it forwards; one connection per peer is dialed lazily and
// shared by every stream to that peer.
type Substrate struct {
	ep     *quictransport.Endpoint
	selfID string
	logger *slog.Logger

	events   chan transfer.PeerEvent
	accepted chan acceptedStream

	mu    sync.Mutex
	addrs map[string]string
	conns map[string]*quic.Conn
	dials singleflight.Group

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type acceptedStream struct {
	peerID string
	stream *QUICStream
}

// New serves on ep and learns peers from discovered. The substrate owns ep.
func New(ep *quictransport.Endpoint, selfID string, discovered <-chan transfer.PeerEvent, logger *slog.Logger) *Substrate {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Substrate{
		ep:       ep,
		selfID:   selfID,
		logger:   logger,
		events:   make(chan transfer.PeerEvent, 64),
		accepted: make(chan acceptedStream, 16),
		addrs:    make(map[string]string),
		conns:    make(map[string]*quic.Conn),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(2)
	go s.forwardPeers(discovered)
	go s.acceptConns()
	return s
}

func (s *Substrate) PeerEvents() <-chan transfer.PeerEvent {
	return s.events
}

func (s *Substrate) forwardPeers(discovered <-chan transfer.PeerEvent) {
	defer s.wg.Done()
	defer close(s.events)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-discovered:
			if !ok {
				<-s.ctx.Done()
				return
			}
			s.mu.Lock()
			if ev.Kind == transfer.PeerLost {
				delete(s.addrs, ev.Peer.ID)
			} else {
				s.addrs[ev.Peer.ID] = ev.Peer.Address
			}
			s.mu.Unlock()

			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Substrate) acceptConns() {
	defer s.wg.Done()
	for {
		conn, err := s.ep.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("accept connection failed", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go s.acceptStreams(conn)
	}
}

func (s *Substrate) acceptStreams(conn *quic.Conn) {
	defer s.wg.Done()
	for {
		qs, err := conn.AcceptStream(s.ctx)
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.greet(conn, qs)
	}
}

func (s *Substrate) greet(conn *quic.Conn, qs *quic.Stream) {
	defer s.wg.Done()
	stream := &QUICStream{stream: qs}

	qs.SetReadDeadline(time.Now().Add(helloTimeout))
	peerID, err := readHello(qs)
	qs.SetReadDeadline(time.Time{})
	if err != nil {
		s.logger.Warn("bad stream hello", "error", err, "remote_addr", conn.RemoteAddr())
		stream.Close()
		return
	}

	select {
	case s.accepted <- acceptedStream{peerID: peerID, stream: stream}:
	case <-s.ctx.Done():
		stream.Close()
	}
}

func (s *Substrate) AcceptStream(ctx context.Context) (string, transfer.Stream, error) {
	select {
	case a := <-s.accepted:
		return a.peerID, a.stream, nil
	case <-s.ctx.Done():
		return "", nil, io.ErrClosedPipe
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// OpenStream opens a stream to peerID, dialing it first if needed. A cached
// connection that turns out dead is dropped and dialed again once.
func (s *Substrate) OpenStream(ctx context.Context, peerID string) (transfer.Stream, error) {
	if s.ctx.Err() != nil {
		return nil, io.ErrClosedPipe
	}

	for attempt := 0; ; attempt++ {
		conn, err := s.connFor(ctx, peerID)
		if err != nil {
			return nil, err
		}
		qs, err := conn.OpenStreamSync(ctx)
		if err != nil {
			s.forget(peerID, conn)
			if attempt == 0 && ctx.Err() == nil {
				continue
			}
			return nil, fmt.Errorf("open stream to %s: %w", peerID, err)
		}
		if err := writeHello(qs, s.selfID); err != nil {
			qs.CancelRead(0)
			qs.CancelWrite(0)
			return nil, fmt.Errorf("write hello to %s: %w", peerID, err)
		}
		return &QUICStream{stream: qs}, nil
	}
}

func (s *Substrate) connFor(ctx context.Context, peerID string) (*quic.Conn, error) {
	s.mu.Lock()
	conn := s.conns[peerID]
	addr, known := s.addrs[peerID]
	s.mu.Unlock()
	if conn != nil && conn.Context().Err() == nil {
		return conn, nil
	}
	if !known {
		return nil, fmt.Errorf("peer %s has no known address", peerID)
	}

	v, err, _ := s.dials.Do(peerID, func() (interface{}, error) {
		conn, err := s.ep.Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.conns[peerID] = conn
		s.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", peerID, addr, err)
	}
	return v.(*quic.Conn), nil
}

func (s *Substrate) forget(peerID string, conn *quic.Conn) {
	s.mu.Lock()
	if s.conns[peerID] == conn {
		delete(s.conns, peerID)
	}
	s.mu.Unlock()
	conn.CloseWithError(0, "")
}

// Close stops accepting, closes every connection and the endpoint, and closes
// PeerEvents.
func (s *Substrate) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		for id, conn := range s.conns {
			conn.CloseWithError(0, "shutting down")
			delete(s.conns, id)
		}
		s.mu.Unlock()
		err = s.ep.Close()
		s.wg.Wait()
	})
	return err
}

func writeHello(w io.Writer, peerID string) error {
	if len(peerID) == 0 || len(peerID) > maxPeerIDLen {
		return fmt.Errorf("peer id length %d out of range", len(peerID))
	}
	buf := make([]byte, 0, len(helloMagic)+2+len(peerID))
	buf = append(buf, helloMagic[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(peerID)))
	buf = append(buf, peerID...)
	_, err := w.Write(buf)
	return err
}

func readHello(r io.Reader) (string, error) {
	var head [6]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return "", err
	}
	if [4]byte(head[:4]) != helloMagic {
		return "", errors.New("bad hello magic")
	}
	n := binary.BigEndian.Uint16(head[4:])
	if n == 0 || n > maxPeerIDLen {
		return "", fmt.Errorf("peer id length %d out of range", n)
	}
	id := make([]byte, n)
	if _, err := io.ReadFull(r, id); err != nil {
		return "", err
	}
	return string(id), nil
}

// QUICStream wraps a quic.Stream. Close tears down both directions.
type QUICStream struct {
	stream *quic.Stream
	once   sync.Once
}

func (s *QUICStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *QUICStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// StreamID returns the QUIC stream ID.
func (s *QUICStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

func (s *QUICStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.stream.Close()
		s.stream.CancelRead(0)
	})
	return err
}
