package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultShellAddr = "127.0.0.1:7878"
	envPrefix        = "DROPZONE_"
)

// NodeConfig holds configuration for `dropzone serve`.
type NodeConfig struct {
	ID        string
	Name      string
	Listen    string // UDP address of the QUIC endpoint
	ShellAddr string // TCP address of the shell bridge
	DestDir   string
	LogLevel  string

	ChunkSize        uint32
	Window           int
	ConsentTimeout   time.Duration
	IdleTimeout      time.Duration
	PeerGrace        time.Duration
	ScanInterval     time.Duration
	ProgressInterval time.Duration
	EventBuffer      int
	Hash             bool
}

// ShellConfig holds configuration for the subcommands that drive a running node.
type ShellConfig struct {
	ShellURL string
	LogLevel string
	Timeout  time.Duration
	// Accept answers every inbound offer with yes (watch only).
	Accept bool
	Args   []string // positional arguments left after flags
}

// ParseNodeConfig parses serve configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseNodeConfig(args []string) (NodeConfig, error) {
	return parseNodeConfigWithFlagSet(flag.NewFlagSet("serve", flag.ContinueOnError), args)
}

func parseNodeConfigWithFlagSet(fs *flag.FlagSet, args []string) (NodeConfig, error) {
	cfg := NodeConfig{
		ID:               uuid.NewString(),
		Name:             hostname(),
		Listen:           ":0",
		ShellAddr:        DefaultShellAddr,
		DestDir:          ".",
		LogLevel:         "info",
		ChunkSize:        64 * 1024,
		Window:           8,
		ConsentTimeout:   60 * time.Second,
		IdleTimeout:      30 * time.Second,
		PeerGrace:        30 * time.Second,
		ScanInterval:     5 * time.Second,
		ProgressInterval: 200 * time.Millisecond,
		EventBuffer:      256,
	}

	// Read from environment first
	env := envReader{}
	env.str("ID", &cfg.ID)
	env.str("NAME", &cfg.Name)
	env.str("LISTEN", &cfg.Listen)
	env.str("SHELL_ADDR", &cfg.ShellAddr)
	env.str("DEST_DIR", &cfg.DestDir)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.u32("CHUNK_SIZE", &cfg.ChunkSize)
	env.integer("WINDOW", &cfg.Window)
	env.duration("CONSENT_TIMEOUT", &cfg.ConsentTimeout)
	env.duration("IDLE_TIMEOUT", &cfg.IdleTimeout)
	env.duration("PEER_GRACE", &cfg.PeerGrace)
	env.duration("SCAN_INTERVAL", &cfg.ScanInterval)
	env.duration("PROGRESS_INTERVAL", &cfg.ProgressInterval)
	env.integer("EVENT_BUFFER", &cfg.EventBuffer)
	env.boolean("HASH", &cfg.Hash)
	if env.err != nil {
		return NodeConfig{}, env.err
	}

	// Flags override environment
	fs.StringVar(&cfg.ID, "id", cfg.ID, "node identifier announced on the LAN")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "display name announced on the LAN")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "UDP address for peer connections")
	fs.StringVar(&cfg.ShellAddr, "shell-addr", cfg.ShellAddr, "address of the local shell bridge")
	fs.StringVar(&cfg.DestDir, "dest", cfg.DestDir, "directory for received files")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	var chunkSize uint64
	fs.Uint64Var(&chunkSize, "chunk-size", uint64(cfg.ChunkSize), "chunk size in bytes")
	fs.IntVar(&cfg.Window, "window", cfg.Window, "chunks in flight per transfer")
	fs.DurationVar(&cfg.ConsentTimeout, "consent-timeout", cfg.ConsentTimeout, "how long an offer waits for an answer")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "fail a transfer that stalls this long")
	fs.DurationVar(&cfg.PeerGrace, "peer-grace", cfg.PeerGrace, "forget peers silent for this long")
	fs.DurationVar(&cfg.ScanInterval, "scan-interval", cfg.ScanInterval, "mDNS browse interval")
	fs.DurationVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "minimum spacing of progress events")
	fs.IntVar(&cfg.EventBuffer, "event-buffer", cfg.EventBuffer, "queued events before progress is dropped")
	fs.BoolVar(&cfg.Hash, "hash", cfg.Hash, "send a BLAKE2b-256 of every file with its offer")
	if err := fs.Parse(args); err != nil {
		return NodeConfig{}, err
	}

	if chunkSize == 0 || chunkSize > 1<<30 {
		return NodeConfig{}, fmt.Errorf("chunk-size %d out of range", chunkSize)
	}
	cfg.ChunkSize = uint32(chunkSize)
	if strings.TrimSpace(cfg.ID) == "" {
		return NodeConfig{}, fmt.Errorf("id must not be empty")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = cfg.ID
	}
	return cfg, nil
}

// ParseShellConfig parses configuration for a shell subcommand such as peers,
// send or watch.
func ParseShellConfig(name string, args []string) (ShellConfig, error) {
	return parseShellConfigWithFlagSet(flag.NewFlagSet(name, flag.ContinueOnError), args)
}

func parseShellConfigWithFlagSet(fs *flag.FlagSet, args []string) (ShellConfig, error) {
	cfg := ShellConfig{
		ShellURL: "ws://" + DefaultShellAddr + "/ws",
		LogLevel: "warn",
		Timeout:  10 * time.Second,
	}

	env := envReader{}
	env.str("SHELL_URL", &cfg.ShellURL)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.duration("TIMEOUT", &cfg.Timeout)
	if env.err != nil {
		return ShellConfig{}, env.err
	}

	fs.StringVar(&cfg.ShellURL, "shell-url", cfg.ShellURL, "websocket URL of the node's shell bridge")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "request timeout")
	if fs.Name() == "watch" {
		fs.BoolVar(&cfg.Accept, "accept", false, "accept every inbound offer without asking")
	}
	if err := fs.Parse(args); err != nil {
		return ShellConfig{}, err
	}
	cfg.Args = fs.Args()
	return cfg, nil
}

// envReader reads DROPZONE_* variables, keeping the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) u32(key string, dst *uint32) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = uint32(n)
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}
