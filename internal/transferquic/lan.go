package transferquic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sheerbytes/dropzone/internal/discovery"
	"github.com/sheerbytes/dropzone/internal/quictransport"
)

// LANConfig configures StartLAN.
type LANConfig struct {
	// Listen is the UDP address to bind, ":0" for any port.
	Listen    string
	Discovery discovery.Config
}

// LAN is a Substrate announced and discovered over mDNS.
type LAN struct {
	*Substrate
	announcer *discovery.Announcer
	stopScan  context.CancelFunc
	scanDone  chan struct{}
	closeOnce sync.Once
}

// StartLAN binds a QUIC endpoint, announces it on the LAN and starts browsing
// for other nodes. cfg.Discovery.SelfID identifies this node.
func StartLAN(cfg LANConfig, logger *slog.Logger) (*LAN, error) {
	if cfg.Listen == "" {
		cfg.Listen = ":0"
	}
	ep, err := quictransport.Listen(cfg.Listen, nil, logger)
	if err != nil {
		return nil, err
	}

	dcfg := cfg.Discovery
	dcfg.Port = ep.Port()
	scanner, err := discovery.NewScanner(dcfg)
	if err != nil {
		ep.Close()
		return nil, fmt.Errorf("start mdns browser: %w", err)
	}
	announcer, err := discovery.Announce(dcfg)
	if err != nil {
		ep.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := scanner.Run(ctx); err != nil {
			logger.Error("mdns browse stopped", "error", err)
		}
	}()

	logger.Info("announced on LAN", "id", dcfg.SelfID, "name", dcfg.Name, "port", dcfg.Port)
	return &LAN{
		Substrate: New(ep, dcfg.SelfID, scanner.Events(), logger),
		announcer: announcer,
		stopScan:  cancel,
		scanDone:  done,
	}, nil
}

// Close withdraws the announcement, stops browsing and closes the substrate.
func (l *LAN) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.announcer.Stop()
		l.stopScan()
		<-l.scanDone
		err = l.Substrate.Close()
	})
	return err
}
