package transfer

import "time"

const (
	// DefaultChunkSize is the payload size of one chunk frame.
	DefaultChunkSize = 64 * 1024
	// MaxChunkSize bounds the chunk size a peer may announce.
	MaxChunkSize = 1024 * 1024
	// DefaultWindow is the number of chunks a session may hold in memory at once.
	DefaultWindow = 8
	// MaxWindow bounds the configurable window.
	MaxWindow = 64
	// DefaultIdleTimeout fails a transfer that made no progress for this long.
	DefaultIdleTimeout = 30 * time.Second
)

// Params are the effective per-session streaming settings.
type Params struct {
	ChunkSize   uint32
	Window      int
	IdleTimeout time.Duration
}

// NormalizeParams applies defaults and clamps parameters.
func NormalizeParams(p Params) Params {
	out := p
	if out.ChunkSize == 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChunkSize > MaxChunkSize {
		out.ChunkSize = MaxChunkSize
	}
	if out.Window <= 0 {
		out.Window = DefaultWindow
	}
	if out.Window > MaxWindow {
		out.Window = MaxWindow
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	return out
}

// ChunkCount returns the number of chunks a file of size bytes is split into.
func ChunkCount(size int64, chunkSize uint32) uint32 {
	if size <= 0 {
		return 0
	}
	return uint32((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// chunkLen returns the payload length of chunk seq.
func chunkLen(seq uint32, size int64, chunkSize uint32) int {
	off := int64(seq) * int64(chunkSize)
	remaining := size - off
	if remaining <= 0 {
		return 0
	}
	if remaining < int64(chunkSize) {
		return int(remaining)
	}
	return int(chunkSize)
}
