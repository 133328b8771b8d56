// Package serve runs a dropzone node: LAN discovery, QUIC transfers and the
// local shell bridge.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/dropzone/internal/config"
	"github.com/sheerbytes/dropzone/internal/discovery"
	"github.com/sheerbytes/dropzone/internal/logging"
	"github.com/sheerbytes/dropzone/internal/node"
	"github.com/sheerbytes/dropzone/internal/shellbridge"
	"github.com/sheerbytes/dropzone/internal/termio"
	"github.com/sheerbytes/dropzone/internal/transfer"
	"github.com/sheerbytes/dropzone/internal/transferquic"
)

const shutdownTimeout = 5 * time.Second

// Run parses args, serves until SIGINT or SIGTERM and returns the exit code.
func Run(args []string) int {
	if hasHelpFlag(args) {
		printUsage()
		return 0
	}
	cfg, err := config.ParseNodeConfig(args)
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "serve: %v\n", err)
		return 2
	}
	logger := logging.New("dropzone-serve", cfg.LogLevel)

	if err := os.MkdirAll(cfg.DestDir, 0o755); err != nil {
		fmt.Fprintf(termio.Stderr(), "serve: destination directory: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lan, err := transferquic.StartLAN(transferquic.LANConfig{
		Listen: cfg.Listen,
		Discovery: discovery.Config{
			SelfID:       cfg.ID,
			Name:         cfg.Name,
			OS:           runtime.GOOS,
			ScanInterval: cfg.ScanInterval,
		},
	}, logger)
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "serve: %v\n", err)
		return 1
	}

	ln, err := net.Listen("tcp", cfg.ShellAddr)
	if err != nil {
		lan.Close()
		fmt.Fprintf(termio.Stderr(), "serve: shell bridge: %v\n", err)
		return 1
	}

	fmt.Fprintf(termio.Stdout(), "dropzone node %s (%s) peers=udp/%d shell=ws://%s/ws dest=%s\n",
		cfg.ID, cfg.Name, lan.Port(), ln.Addr(), cfg.DestDir)

	if err := Serve(ctx, cfg, lan, ln, logger); err != nil {
		logger.Error("node stopped", "error", err)
		return 1
	}
	return 0
}

// Serve runs a node over sub with its shell bridge on ln until ctx ends. It
// closes sub and ln before returning.
func Serve(ctx context.Context, cfg config.NodeConfig, sub transfer.Substrate, ln net.Listener, logger *slog.Logger) error {
	n := node.New(NodeConfig(cfg), sub, logger)
	bridge := shellbridge.New(shellbridge.Config{
		NodeID: cfg.ID,
		Name:   cfg.Name,
	}, n, logger)
	srv := &http.Server{
		Handler:           bridge.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Run(gctx)
	})
	g.Go(func() error {
		return bridge.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("shell bridge: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
		}
		return n.Close()
	})

	err := g.Wait()
	if dropped := n.DroppedProgress(); dropped > 0 {
		logger.Info("progress events dropped", "count", dropped)
	}
	return err
}

// NodeConfig maps serve configuration onto the engine's.
func NodeConfig(cfg config.NodeConfig) node.Config {
	return node.Config{
		Name:    cfg.Name,
		DestDir: cfg.DestDir,
		Params: transfer.Params{
			ChunkSize:   cfg.ChunkSize,
			Window:      cfg.Window,
			IdleTimeout: cfg.IdleTimeout,
		},
		ConsentTimeout:   cfg.ConsentTimeout,
		PeerGrace:        cfg.PeerGrace,
		ProgressInterval: cfg.ProgressInterval,
		EventBuffer:      cfg.EventBuffer,
		Hash:             cfg.Hash,
	}
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: dropzone serve [flags]")
	fmt.Fprintln(termio.Stderr(), "  -name NAME                display name announced on the LAN (default hostname)")
	fmt.Fprintln(termio.Stderr(), "  -id ID                    node identifier (default random)")
	fmt.Fprintln(termio.Stderr(), "  -listen ADDR              UDP address for peer connections (default :0)")
	fmt.Fprintln(termio.Stderr(), "  -shell-addr ADDR          shell bridge address (default 127.0.0.1:7878)")
	fmt.Fprintln(termio.Stderr(), "  -dest DIR                 directory for received files (default .)")
	fmt.Fprintln(termio.Stderr(), "  -chunk-size N             chunk size in bytes (default 65536)")
	fmt.Fprintln(termio.Stderr(), "  -window N                 chunks in flight per transfer (default 8)")
	fmt.Fprintln(termio.Stderr(), "  -consent-timeout DURATION how long an offer waits for an answer (default 60s)")
	fmt.Fprintln(termio.Stderr(), "  -idle-timeout DURATION    fail a stalled transfer (default 30s)")
	fmt.Fprintln(termio.Stderr(), "  -peer-grace DURATION      forget silent peers (default 30s)")
	fmt.Fprintln(termio.Stderr(), "  -scan-interval DURATION   mDNS browse interval (default 5s)")
	fmt.Fprintln(termio.Stderr(), "  -hash                     send a BLAKE2b-256 of every file with its offer")
	fmt.Fprintln(termio.Stderr(), "  -log-level LEVEL          debug, info, warn or error (default info)")
	fmt.Fprintln(termio.Stderr(), "every flag can also be set as DROPZONE_<FLAG>, e.g. DROPZONE_DEST_DIR")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}
