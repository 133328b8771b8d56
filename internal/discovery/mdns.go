// Package discovery announces this node on the LAN over mDNS and turns
// periodic browse results into peer announced/lost notifications.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service type, without the domain.
	DefaultService = "_dropzone._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// Version is advertised in the TXT record as v=.
	Version = 1

	DefaultScanInterval = 5 * time.Second
	DefaultScanTimeout  = 2 * time.Second
	// DefaultMissesBeforeLost is how many consecutive scans may miss a peer
	// before it is reported lost.
	DefaultMissesBeforeLost = 3
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the announcer and the scanner.
type Config struct {
	Service          string
	Domain           string
	ScanInterval     time.Duration
	ScanTimeout      time.Duration
	MissesBeforeLost int

	SelfID string
	Name   string
	OS     string
	Port   int

	Clock clock.Clock

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultScanInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.MissesBeforeLost <= 0 {
		out.MissesBeforeLost = DefaultMissesBeforeLost
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Announcer keeps this node's mDNS record registered.
type Announcer struct {
	server *zeroconf.Server
}

// Announce registers the node under cfg.Name with id, name, os and protocol
// version in the TXT record.
func Announce(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfID) == "" {
		return nil, errors.New("self id is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("port must be > 0")
	}
	instance := strings.TrimSpace(cfg.Name)
	if instance == "" {
		instance = cfg.SelfID
	}

	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.Port, txtRecord(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return &Announcer{server: server}, nil
}

// Stop withdraws the record.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

func txtRecord(cfg Config) []string {
	return []string{
		"id=" + cfg.SelfID,
		"name=" + cfg.Name,
		"os=" + cfg.OS,
		"v=" + strconv.Itoa(Version),
	}
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
