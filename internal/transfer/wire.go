package transfer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"github.com/sheerbytes/dropzone/internal/bufpool"
	"github.com/sheerbytes/dropzone/internal/faults"
)

const (
	streamMagic = "DZT1"

	frameOffer    = byte(0x01)
	frameAnswer   = byte(0x02)
	frameChunk    = byte(0x10)
	frameAck      = byte(0x11)
	frameEnd      = byte(0x12)
	frameDone     = byte(0x13)
	frameCancel   = byte(0x20)
	frameWithdraw = byte(0x21)

	maxOfferLength  = 64 * 1024
	maxReasonLength = 1024
	chunkHeaderLen  = 12

	// farewellTimeout bounds how long Abort waits to tell the peer why the
	// stream is going away.
	farewellTimeout = 500 * time.Millisecond
)

var (
	// ErrInvalidMagic indicates the stream does not start with the transfer preamble.
	ErrInvalidMagic = errors.New("invalid stream magic")
	// ErrInvalidFrameType indicates an unknown frame type was received.
	ErrInvalidFrameType = errors.New("invalid frame type")
	// ErrOfferTooLarge indicates an oversized offer record.
	ErrOfferTooLarge = errors.New("offer too large")
)

// Offer opens a session on a new stream.
type Offer struct {
	SessionID  string `json:"session_id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Hash       string `json:"hash,omitempty"`
	ChunkSize  uint32 `json:"chunk_size"`
	SenderName string `json:"sender_name,omitempty"`
}

// AnswerStatus is the receiver's consent decision.
type AnswerStatus byte

const (
	AnswerAccepted AnswerStatus = iota
	AnswerDeclined
	AnswerExpired
)

// Answer carries the consent decision back to the sender.
type Answer struct {
	Status AnswerStatus
	Reason string
}

// Chunk is one sequenced slice of file bytes. Data of a received chunk belongs to
// the receive window and must be released with Conn.Release.
type Chunk struct {
	Seq  uint32
	CRC  uint32
	Data []byte
}

// Ack confirms that chunk Seq was written at the receiver.
type Ack struct {
	Seq uint32
}

// End follows the last chunk.
type End struct {
	Chunks uint32
	Bytes  uint64
}

// Done is the receiver's final verdict.
type Done struct {
	OK     bool
	Kind   faults.Kind
	Reason string
}

// Cancel aborts the session from either side.
type Cancel struct {
	Reason string
}

// Withdraw retracts an unanswered offer.
type Withdraw struct {
	Reason string
}

// Conn frames one session over a Stream. Writes are serialized; reads are owned
// by a single pump goroutine started with Start once the handshake record has
// been read.
type Conn struct {
	s Stream

	wmu sync.Mutex

	frames   chan any
	window   *bufpool.Window
	maxChunk uint32

	errMu sync.Mutex
	err   error

	abortOnce sync.Once
	closeOnce sync.Once
}

// NewConn wraps a stream.
func NewConn(s Stream) *Conn {
	return &Conn{s: s, frames: make(chan any, 4)}
}

// WriteOffer writes the stream preamble and the offer record.
func (c *Conn) WriteOffer(o Offer) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal offer: %w", err)
	}
	if len(body) > maxOfferLength {
		return ErrOfferTooLarge
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFull(c.s, []byte(streamMagic), "magic"); err != nil {
		return err
	}
	var hdr [5]byte
	hdr[0] = frameOffer
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(body)))
	if err := writeFull(c.s, hdr[:], "offer header"); err != nil {
		return err
	}
	return writeFull(c.s, body, "offer body")
}

// ReadOffer reads the stream preamble and the offer record. It must be called
// before Start.
func (c *Conn) ReadOffer() (Offer, error) {
	var o Offer
	magic := make([]byte, len(streamMagic))
	if err := readFull(c.s, magic, "magic"); err != nil {
		return o, err
	}
	if string(magic) != streamMagic {
		return o, ErrInvalidMagic
	}
	var hdr [5]byte
	if err := readFull(c.s, hdr[:], "offer header"); err != nil {
		return o, err
	}
	if hdr[0] != frameOffer {
		return o, ErrInvalidFrameType
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxOfferLength {
		return o, ErrOfferTooLarge
	}
	body := make([]byte, n)
	if err := readFull(c.s, body, "offer body"); err != nil {
		return o, err
	}
	if err := json.Unmarshal(body, &o); err != nil {
		return o, fmt.Errorf("failed to unmarshal offer: %w", err)
	}
	return o, nil
}

// Start launches the frame pump. Chunk payloads are read into buffers taken from
// window, so at most window.Slots() chunks are buffered; a nil window makes any
// chunk frame a protocol violation.
func (c *Conn) Start(ctx context.Context, window *bufpool.Window) {
	c.window = window
	if window != nil {
		c.maxChunk = uint32(window.BufSize())
	}
	go c.pump(ctx)
}

// Frames returns decoded frames in stream order. It is closed when the stream
// ends or fails; Err reports why.
func (c *Conn) Frames() <-chan any {
	return c.frames
}

// Err returns the error that stopped the pump. io.EOF means the peer closed the
// stream at a frame boundary.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Release returns a received chunk buffer to the window.
func (c *Conn) Release(ch Chunk) {
	if c.window != nil && ch.Data != nil {
		c.window.Put(ch.Data)
	}
}

func (c *Conn) pump(ctx context.Context) {
	defer close(c.frames)
	for {
		f, err := c.readFrame(ctx)
		if err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			return
		}
		select {
		case c.frames <- f:
		case <-ctx.Done():
			if ch, ok := f.(Chunk); ok {
				c.Release(ch)
			}
			c.errMu.Lock()
			c.err = context.Cause(ctx)
			c.errMu.Unlock()
			return
		}
	}
}

func (c *Conn) readFrame(ctx context.Context) (any, error) {
	var t [1]byte
	if _, err := io.ReadFull(c.s, t[:]); err != nil {
		return nil, err
	}
	switch t[0] {
	case frameAnswer:
		status, err := readByte(c.s, "answer status")
		if err != nil {
			return nil, err
		}
		reason, err := readReason(c.s)
		return Answer{Status: AnswerStatus(status), Reason: reason}, err
	case frameChunk:
		return c.readChunk(ctx)
	case frameAck:
		seq, err := readUint32(c.s, "ack seq")
		return Ack{Seq: seq}, err
	case frameEnd:
		chunks, err := readUint32(c.s, "end chunks")
		if err != nil {
			return nil, err
		}
		bytes, err := readUint64(c.s, "end bytes")
		return End{Chunks: chunks, Bytes: bytes}, err
	case frameDone:
		ok, err := readByte(c.s, "done status")
		if err != nil {
			return nil, err
		}
		kind, err := readByte(c.s, "done kind")
		if err != nil {
			return nil, err
		}
		reason, err := readReason(c.s)
		return Done{OK: ok == 1, Kind: faults.Kind(kind), Reason: reason}, err
	case frameCancel:
		reason, err := readReason(c.s)
		return Cancel{Reason: reason}, err
	case frameWithdraw:
		reason, err := readReason(c.s)
		return Withdraw{Reason: reason}, err
	default:
		return nil, faults.Wrap(faults.ProtocolViolation, fmt.Sprintf("frame type 0x%02x", t[0]), ErrInvalidFrameType)
	}
}

func (c *Conn) readChunk(ctx context.Context) (any, error) {
	if c.window == nil {
		return nil, faults.New(faults.ProtocolViolation, "unexpected chunk frame")
	}
	var hdr [chunkHeaderLen]byte
	if err := readFull(c.s, hdr[:], "chunk header"); err != nil {
		return nil, err
	}
	seq := binary.BigEndian.Uint32(hdr[0:4])
	n := binary.BigEndian.Uint32(hdr[4:8])
	sum := binary.BigEndian.Uint32(hdr[8:12])
	if n > c.maxChunk {
		return nil, faults.Newf(faults.ProtocolViolation, "chunk %d length %d exceeds chunk size %d", seq, n, c.maxChunk)
	}
	buf, err := c.window.Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := readFull(c.s, buf[:n], "chunk data"); err != nil {
		c.window.Put(buf)
		return nil, err
	}
	return Chunk{Seq: seq, CRC: sum, Data: buf[:n]}, nil
}

// WriteAnswer sends the consent decision.
func (c *Conn) WriteAnswer(a Answer) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFull(c.s, []byte{frameAnswer, byte(a.Status)}, "answer"); err != nil {
		return err
	}
	return writeReason(c.s, a.Reason)
}

// WriteChunk sends one chunk with its checksum.
func (c *Conn) WriteChunk(seq uint32, data []byte) error {
	var hdr [1 + chunkHeaderLen]byte
	hdr[0] = frameChunk
	binary.BigEndian.PutUint32(hdr[1:5], seq)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(data)))
	binary.BigEndian.PutUint32(hdr[9:13], crc32.ChecksumIEEE(data))
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFull(c.s, hdr[:], "chunk header"); err != nil {
		return err
	}
	return writeFull(c.s, data, "chunk data")
}

// WriteAck acknowledges chunk seq.
func (c *Conn) WriteAck(seq uint32) error {
	var buf [5]byte
	buf[0] = frameAck
	binary.BigEndian.PutUint32(buf[1:], seq)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeFull(c.s, buf[:], "ack")
}

// WriteEnd marks the end of the chunk sequence.
func (c *Conn) WriteEnd(e End) error {
	var buf [13]byte
	buf[0] = frameEnd
	binary.BigEndian.PutUint32(buf[1:5], e.Chunks)
	binary.BigEndian.PutUint64(buf[5:13], e.Bytes)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeFull(c.s, buf[:], "end")
}

// WriteDone sends the receiver's verdict.
func (c *Conn) WriteDone(d Done) error {
	ok := byte(0)
	if d.OK {
		ok = 1
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFull(c.s, []byte{frameDone, ok, byte(d.Kind)}, "done"); err != nil {
		return err
	}
	return writeReason(c.s, d.Reason)
}

// WriteCancel tells the peer the session is cancelled.
func (c *Conn) WriteCancel(reason string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFull(c.s, []byte{frameCancel}, "cancel"); err != nil {
		return err
	}
	return writeReason(c.s, reason)
}

// WriteWithdraw retracts an unanswered offer.
func (c *Conn) WriteWithdraw(reason string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFull(c.s, []byte{frameWithdraw}, "withdraw"); err != nil {
		return err
	}
	return writeReason(c.s, reason)
}

// Abort tells the peer why the session ended, if that can be done quickly, and
// closes the stream. A consent timeout is sent as Withdraw, anything else as
// Cancel.
func (c *Conn) Abort(cause error) {
	reason := "cancelled"
	if cause != nil {
		reason = cause.Error()
	}
	c.closeWith(func() error {
		if faults.KindOf(cause) == faults.ConsentTimeout {
			return c.WriteWithdraw(reason)
		}
		return c.WriteCancel(reason)
	})
}

// Fail sends a negative verdict and closes the stream.
func (c *Conn) Fail(err *faults.Error) {
	c.closeWith(func() error {
		return c.WriteDone(Done{OK: false, Kind: err.Kind, Reason: err.Error()})
	})
}

// Refuse sends a negative consent answer and closes the stream.
func (c *Conn) Refuse(a Answer) {
	c.closeWith(func() error {
		return c.WriteAnswer(a)
	})
}

func (c *Conn) closeWith(farewell func() error) {
	c.abortOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = farewell()
		}()
		timer := time.NewTimer(farewellTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
		}
		c.Close()
	})
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.s.Close()
	})
	return err
}

func writeReason(w io.Writer, reason string) error {
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(reason)))
	if err := writeFull(w, hdr[:], "reason length"); err != nil {
		return err
	}
	return writeFull(w, []byte(reason), "reason")
}

func readReason(r io.Reader) (string, error) {
	var hdr [2]byte
	if err := readFull(r, hdr[:], "reason length"); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n > maxReasonLength {
		return "", faults.Newf(faults.ProtocolViolation, "reason length %d", n)
	}
	buf := make([]byte, n)
	if err := readFull(r, buf, "reason"); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readByte(r io.Reader, op string) (byte, error) {
	var b [1]byte
	if err := readFull(r, b[:], op); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readUint32(r io.Reader, op string) (uint32, error) {
	var buf [4]byte
	if err := readFull(r, buf[:], op); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readUint64(r io.Reader, op string) (uint64, error) {
	var buf [8]byte
	if err := readFull(r, buf[:], op); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func readFull(r io.Reader, buf []byte, op string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("stream read %s: %w", op, err)
	}
	return nil
}

func writeFull(w io.Writer, buf []byte, op string) error {
	written := 0
	for written < len(buf) {
		n, err := w.Write(buf[written:])
		if err != nil {
			return fmt.Errorf("stream write %s: %w", op, err)
		}
		written += n
	}
	return nil
}
