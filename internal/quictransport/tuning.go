package quictransport

import (
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// DefaultUDPBuffer is the socket buffer size requested for the endpoint.
	// quic-go logs a warning when the kernel grants much less.
	DefaultUDPBuffer = 8 * 1024 * 1024

	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024

	defaultInitialConnWindow = 16 * 1024 * 1024
	minConnWindow            = 1 * 1024 * 1024
	maxConnWindow            = 1024 * 1024 * 1024
	minStreamWindow          = 1 * 1024 * 1024
	maxStreamWindow          = 256 * 1024 * 1024
	minMaxStreams            = 1
	maxMaxStreams            = 2048
)

// Tuning is the flow-control shape of the QUIC config.
type Tuning struct {
	ConnWindow   int
	StreamWindow int
	MaxStreams   int
}

// DefaultTuning suits a handful of concurrent LAN transfers.
var DefaultTuning = Tuning{
	ConnWindow:   64 * 1024 * 1024,
	StreamWindow: 16 * 1024 * 1024,
	MaxStreams:   256,
}

// BuildQUICConfig copies base and applies t, clamping every value into a sane
// range. base is not modified.
func BuildQUICConfig(base *quic.Config, t Tuning) (*quic.Config, Tuning) {
	cfg := &quic.Config{}
	if base != nil {
		c := *base
		cfg = &c
	}

	applied := Tuning{
		ConnWindow:   clamp(t.ConnWindow, minConnWindow, maxConnWindow),
		StreamWindow: clamp(t.StreamWindow, minStreamWindow, maxStreamWindow),
		MaxStreams:   clamp(t.MaxStreams, minMaxStreams, maxMaxStreams),
	}
	initialConn := defaultInitialConnWindow
	if initialConn > applied.ConnWindow {
		initialConn = applied.ConnWindow
	}
	initialStream := applied.StreamWindow / 4
	if initialStream < minStreamWindow {
		initialStream = applied.StreamWindow
	}
	cfg.InitialConnectionReceiveWindow = uint64(initialConn)
	cfg.MaxConnectionReceiveWindow = uint64(applied.ConnWindow)
	cfg.InitialStreamReceiveWindow = uint64(initialStream)
	cfg.MaxStreamReceiveWindow = uint64(applied.StreamWindow)
	cfg.MaxIncomingStreams = int64(applied.MaxStreams)
	if cfg.KeepAlivePeriod == 0 {
		cfg.KeepAlivePeriod = 10 * time.Second
	}
	if cfg.MaxIdleTimeout == 0 {
		cfg.MaxIdleTimeout = 30 * time.Second
	}
	return cfg, applied
}

// tuneUDP grows the socket buffers, best effort. conn must expose
// SetReadBuffer/SetWriteBuffer (a *net.UDPConn does).
func tuneUDP(conn net.PacketConn, size int) (int, error) {
	size = clamp(size, minUDPBuffer, maxUDPBuffer)
	sc, ok := conn.(interface {
		SetReadBuffer(int) error
		SetWriteBuffer(int) error
	})
	if !ok {
		return size, errors.New("socket buffers not adjustable")
	}
	return size, errors.Join(sc.SetReadBuffer(size), sc.SetWriteBuffer(size))
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
