package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/dropzone/internal/bufpool"
	"github.com/sheerbytes/dropzone/internal/faults"
)

// ProgressFn is called with the byte count of each chunk confirmed by the
// receiver (outbound) or written locally (inbound).
type ProgressFn func(n int64)

// Meta describes the file being streamed.
type Meta struct {
	Name string
	Size int64
	Hash string
}

// Hasher is implemented by sinks that can checksum what they wrote.
type Hasher interface {
	Sum(ctx context.Context) (string, error)
}

// Streamer moves one file over a Conn under a fixed window.
type Streamer struct {
	Params Params
	Clock  clock.Clock

	// Window, when set, is used instead of a fresh window. Tests use it to
	// observe peak buffer use.
	Window *bufpool.Window
}

func (st *Streamer) params() (Params, clock.Clock) {
	p := NormalizeParams(st.Params)
	clk := st.Clock
	if clk == nil {
		clk = clock.New()
	}
	return p, clk
}

// NewWindow returns the window a session should use for its chunk buffers.
func (st *Streamer) NewWindow() *bufpool.Window {
	if st.Window != nil {
		return st.Window
	}
	p, _ := st.params()
	return bufpool.NewWindow(int(p.ChunkSize), p.Window)
}

// Send streams src to the peer. The Conn must already have been started. At most
// Params.Window chunks are read ahead or unacknowledged at any time. Send returns
// nil only after the receiver reported success.
func (st *Streamer) Send(ctx context.Context, c *Conn, src ChunkSource, meta Meta, progress ProgressFn) error {
	p, clk := st.params()
	window := st.NewWindow()
	total := ChunkCount(meta.Size, p.ChunkSize)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopAbort := context.AfterFunc(ctx, func() {
		cause := context.Cause(ctx)
		if errors.Is(cause, errPeerCancelled) {
			c.Close()
			return
		}
		c.Abort(cause)
	})
	defer stopAbort()

	var last atomic.Int64
	last.Store(clk.Now().UnixNano())

	type readChunk struct {
		seq uint32
		buf []byte
		n   int
	}
	chunks := make(chan readChunk)
	credits := make(chan struct{}, p.Window)
	finished := make(chan struct{})

	var g errgroup.Group
	run := func(fn func() error) {
		g.Go(func() error {
			err := fn()
			if err != nil {
				cancel(err)
			}
			return err
		})
	}

	// read-ahead
	run(func() error {
		defer close(chunks)
		for seq := uint32(0); seq < total; seq++ {
			buf, err := window.Get(ctx)
			if err != nil {
				return context.Cause(ctx)
			}
			want := chunkLen(seq, meta.Size, p.ChunkSize)
			n, err := src.ReadChunk(int64(seq)*int64(p.ChunkSize), buf[:want])
			if err == nil && n != want {
				err = io.ErrUnexpectedEOF
			}
			if err != nil {
				window.Put(buf)
				return faults.Wrap(faults.LocalIOError, fmt.Sprintf("read %s at chunk %d", meta.Name, seq), err)
			}
			select {
			case chunks <- readChunk{seq: seq, buf: buf, n: n}:
			case <-ctx.Done():
				window.Put(buf)
				return context.Cause(ctx)
			}
		}
		return nil
	})

	// writer
	run(func() error {
		for ch := range chunks {
			select {
			case credits <- struct{}{}:
			case <-ctx.Done():
				window.Put(ch.buf)
				return context.Cause(ctx)
			}
			err := c.WriteChunk(ch.seq, ch.buf[:ch.n])
			window.Put(ch.buf)
			if err != nil {
				return transportErr(ctx, "write chunk", err)
			}
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if err := c.WriteEnd(End{Chunks: total, Bytes: uint64(meta.Size)}); err != nil {
			return transportErr(ctx, "write end", err)
		}
		return nil
	})

	// acks and verdict
	run(func() error {
		defer close(finished)
		var acked uint32
		for {
			var f any
			var ok bool
			select {
			case f, ok = <-c.Frames():
			case <-ctx.Done():
				return context.Cause(ctx)
			}
			if !ok {
				return streamEnded(ctx, c.Err())
			}
			last.Store(clk.Now().UnixNano())
			switch m := f.(type) {
			case Ack:
				if m.Seq != acked || acked >= total {
					return faults.Newf(faults.ProtocolViolation, "ack %d out of order, expected %d", m.Seq, acked)
				}
				select {
				case <-credits:
				default:
					return faults.Newf(faults.ProtocolViolation, "ack %d for unsent chunk", m.Seq)
				}
				acked++
				if progress != nil {
					progress(int64(chunkLen(m.Seq, meta.Size, p.ChunkSize)))
				}
			case Done:
				if !m.OK {
					kind := m.Kind
					if kind == faults.Unknown || kind == faults.StateViolation {
						kind = faults.ProtocolViolation
					}
					return &faults.Error{Kind: kind, Reason: "receiver: " + m.Reason, Err: errPeerCancelled}
				}
				if acked != total {
					return faults.Newf(faults.ProtocolViolation, "receiver finished after %d of %d chunks", acked, total)
				}
				return nil
			case Cancel:
				return &faults.Error{Kind: faults.Cancelled, Reason: "cancelled by peer: " + m.Reason, Err: errPeerCancelled}
			default:
				return faults.Newf(faults.ProtocolViolation, "unexpected %T frame while sending", f)
			}
		}
	})

	run(func() error {
		return watchIdle(ctx, clk, p.IdleTimeout, &last, finished)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	stopAbort()
	return nil
}

// Receive writes the chunks of an accepted offer into sink and returns the final
// path. The Conn must have been started with a window whose buffer size is the
// offer's chunk size. Chunks must arrive with sequence numbers 0, 1, 2, ...;
// anything else is a protocol violation. The sink is committed only after End
// matched the advertised size (and hash, if one was offered); on every other
// outcome it is discarded.
func (st *Streamer) Receive(ctx context.Context, c *Conn, sink ChunkSink, meta Meta, chunkSize uint32, progress ProgressFn) (string, error) {
	p, clk := st.params()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var last atomic.Int64
	last.Store(clk.Now().UnixNano())
	finished := make(chan struct{})

	var final string
	var g errgroup.Group
	g.Go(func() error {
		defer close(finished)
		path, err := receiveChunks(ctx, c, sink, meta, chunkSize, progress, func() {
			last.Store(clk.Now().UnixNano())
		})
		if err != nil {
			cancel(err)
		}
		final = path
		return err
	})
	g.Go(func() error {
		err := watchIdle(ctx, clk, p.IdleTimeout, &last, finished)
		if err != nil {
			cancel(err)
		}
		return err
	})

	err := g.Wait()
	if err == nil {
		return final, nil
	}
	_ = sink.Discard()

	switch {
	case errors.Is(err, errPeerCancelled):
		c.Close()
	case faults.KindOf(err) == faults.ProtocolViolation, faults.KindOf(err) == faults.LocalIOError:
		c.Fail(faults.As(err, faults.ProtocolViolation))
	default:
		c.Abort(err)
	}
	return "", err
}

var errPeerCancelled = errors.New("peer cancelled")

func receiveChunks(ctx context.Context, c *Conn, sink ChunkSink, meta Meta, chunkSize uint32, progress ProgressFn, touch func()) (string, error) {
	total := ChunkCount(meta.Size, chunkSize)
	var next uint32
	var received int64
	for {
		var f any
		var ok bool
		select {
		case f, ok = <-c.Frames():
		case <-ctx.Done():
			return "", context.Cause(ctx)
		}
		if !ok {
			return "", streamEnded(ctx, c.Err())
		}
		touch()
		switch m := f.(type) {
		case Chunk:
			err := acceptChunk(m, next, total, meta.Size, chunkSize)
			if err == nil {
				off := int64(m.Seq) * int64(chunkSize)
				if werr := sink.WriteChunk(off, m.Data); werr != nil {
					err = faults.Wrap(faults.LocalIOError, fmt.Sprintf("write %s at offset %d", meta.Name, off), werr)
				}
			}
			n := int64(len(m.Data))
			c.Release(m)
			if err != nil {
				return "", err
			}
			next++
			received += n
			if err := c.WriteAck(m.Seq); err != nil {
				return "", transportErr(ctx, "write ack", err)
			}
			if progress != nil {
				progress(n)
			}
		case End:
			if m.Chunks != next || m.Bytes != uint64(meta.Size) || received != meta.Size {
				return "", faults.Newf(faults.ProtocolViolation,
					"size mismatch: got %d bytes in %d chunks, sender reported %d bytes in %d chunks, offer said %d bytes",
					received, next, m.Bytes, m.Chunks, meta.Size)
			}
			if meta.Hash != "" {
				h, ok := sink.(Hasher)
				if !ok {
					return "", faults.New(faults.LocalIOError, "destination cannot verify content hash")
				}
				sum, err := h.Sum(ctx)
				if err != nil {
					return "", faults.Wrap(faults.LocalIOError, "hash destination", err)
				}
				if sum != meta.Hash {
					return "", faults.New(faults.ProtocolViolation, "content hash mismatch")
				}
			}
			final, err := sink.Commit()
			if err != nil {
				return "", faults.Wrap(faults.LocalIOError, "commit "+meta.Name, err)
			}
			// the file is complete locally even if the verdict cannot be delivered
			_ = c.WriteDone(Done{OK: true})
			return final, nil
		case Cancel:
			return "", &faults.Error{Kind: faults.Cancelled, Reason: "cancelled by peer: " + m.Reason, Err: errPeerCancelled}
		case Withdraw:
			return "", &faults.Error{Kind: faults.Cancelled, Reason: "offer withdrawn: " + m.Reason, Err: errPeerCancelled}
		default:
			return "", faults.Newf(faults.ProtocolViolation, "unexpected %T frame while receiving", f)
		}
	}
}

func acceptChunk(m Chunk, next, total uint32, size int64, chunkSize uint32) error {
	switch {
	case m.Seq < next:
		return faults.Newf(faults.ProtocolViolation, "duplicate chunk %d, expected %d", m.Seq, next)
	case m.Seq > next:
		return faults.Newf(faults.ProtocolViolation, "sequence gap: expected chunk %d, got %d", next, m.Seq)
	case m.Seq >= total:
		return faults.Newf(faults.ProtocolViolation, "chunk %d beyond advertised size", m.Seq)
	case len(m.Data) != chunkLen(m.Seq, size, chunkSize):
		return faults.Newf(faults.ProtocolViolation, "chunk %d has %d bytes, expected %d", m.Seq, len(m.Data), chunkLen(m.Seq, size, chunkSize))
	case crc32.ChecksumIEEE(m.Data) != m.CRC:
		return faults.Newf(faults.ProtocolViolation, "chunk %d checksum mismatch", m.Seq)
	}
	return nil
}

// watchIdle fails with a TransportError when last has not moved for idle.
func watchIdle(ctx context.Context, clk clock.Clock, idle time.Duration, last *atomic.Int64, finished <-chan struct{}) error {
	tick := idle / 4
	if tick <= 0 {
		tick = idle
	}
	ticker := clk.Ticker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-finished:
			return nil
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, last.Load())) >= idle {
				return faults.Newf(faults.TransportError, "stalled: no progress for %s", idle)
			}
		}
	}
}

// streamEnded classifies the end of the frame stream.
func streamEnded(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if err == nil || errors.Is(err, io.EOF) {
		return faults.New(faults.TransportError, "stream closed before transfer finished")
	}
	if faults.KindOf(err) != faults.Unknown {
		return err
	}
	return faults.Wrap(faults.TransportError, "stream read", err)
}

func transportErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return faults.Wrap(faults.TransportError, op, err)
}
