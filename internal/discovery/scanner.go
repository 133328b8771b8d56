package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/sheerbytes/dropzone/internal/transfer"
)

// Scanner browses for peers on a fixed interval. Every peer seen in a scan is
// announced again so consumers can refresh its last-seen time; peers missing
// from MissesBeforeLost consecutive scans are reported lost.
type Scanner struct {
	cfg    Config
	browse browseFunc
	events chan transfer.PeerEvent

	mu     sync.RWMutex
	peers  map[string]transfer.PeerInfo
	misses map[string]int
}

// NewScanner creates a scanner. Without an injected browse function every scan
// opens a zeroconf resolver on all interfaces.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfID) == "" {
		return nil, errors.New("self id is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		browse = browseOnce
	}

	return &Scanner{
		cfg:    cfg,
		browse: browse,
		events: make(chan transfer.PeerEvent, 128),
		peers:  make(map[string]transfer.PeerInfo),
		misses: make(map[string]int),
	}, nil
}

// browseOnce runs one browse on a fresh resolver. A zeroconf resolver closes its
// sockets when the browse context ends and cannot be reused.
func browseOnce(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Events is closed when Run returns.
func (s *Scanner) Events() <-chan transfer.PeerEvent {
	return s.events
}

// Peers returns the peers seen by the scanner, sorted by name.
func (s *Scanner) Peers() []transfer.PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]transfer.PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Lookup returns the last known record for id.
func (s *Scanner) Lookup(id string) (transfer.PeerInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// Run scans until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	defer close(s.events)

	ticker := s.cfg.Clock.Ticker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		if err := s.scan(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scanner) scan(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return err
	}

	seen := make(map[string]transfer.PeerInfo)
collect:
	for {
		select {
		case <-scanCtx.Done():
			break collect
		case entry, ok := <-entries:
			if !ok {
				break collect
			}
			if entry == nil {
				continue
			}
			if peer, ok := parseEntry(entry, s.cfg.SelfID); ok {
				seen[peer.ID] = peer
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.apply(ctx, seen)
}

func (s *Scanner) apply(ctx context.Context, seen map[string]transfer.PeerInfo) error {
	var out []transfer.PeerEvent

	s.mu.Lock()
	for _, id := range sortedKeys(seen) {
		peer := seen[id]
		delete(s.misses, id)
		s.peers[id] = peer
		out = append(out, transfer.PeerEvent{Kind: transfer.PeerAnnounced, Peer: peer})
	}
	for _, id := range sortedKeys(s.peers) {
		if _, ok := seen[id]; ok {
			continue
		}
		s.misses[id]++
		if s.misses[id] < s.cfg.MissesBeforeLost {
			continue
		}
		out = append(out, transfer.PeerEvent{Kind: transfer.PeerLost, Peer: s.peers[id]})
		delete(s.peers, id)
		delete(s.misses, id)
	}
	s.mu.Unlock()

	for _, ev := range out {
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (transfer.PeerInfo, bool) {
	txt := txtToMap(entry.Text)

	id := txt["id"]
	if id == "" || id == selfID {
		return transfer.PeerInfo{}, false
	}
	if v, err := strconv.Atoi(txt["v"]); err != nil || v != Version {
		return transfer.PeerInfo{}, false
	}
	addr := pickAddress(entry)
	if addr == "" {
		return transfer.PeerInfo{}, false
	}

	name := txt["name"]
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = strings.TrimSuffix(entry.HostName, ".")
	}
	if name == "" {
		name = id
	}

	return transfer.PeerInfo{
		ID:      id,
		Name:    name,
		Address: addr,
		OS:      txt["os"],
	}, true
}

// pickAddress prefers the lowest IPv4 address so repeated scans agree.
func pickAddress(entry *zeroconf.ServiceEntry) string {
	if entry.Port <= 0 {
		return ""
	}
	for _, list := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		var ips []string
		for _, ip := range list {
			if ip != nil {
				ips = append(ips, ip.String())
			}
		}
		if len(ips) == 0 {
			continue
		}
		sort.Strings(ips)
		return net.JoinHostPort(ips[0], strconv.Itoa(entry.Port))
	}
	return ""
}

func sortedKeys(m map[string]transfer.PeerInfo) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
