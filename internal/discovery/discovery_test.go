package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/dropzone/internal/registry"
	"github.com/sheerbytes/dropzone/internal/transfer"
)

func entry(id, name, ip string, port int) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(name, DefaultService, DefaultDomain)
	e.HostName = name + ".local."
	e.Port = port
	e.Text = []string{"id=" + id, "name=" + name, "os=linux", "v=1"}
	if ip != "" {
		e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	}
	return e
}

// scripted serves one batch of entries per scan. Past the end of the script
// the last batch repeats.
type scripted struct {
	mu    sync.Mutex
	scans [][]*zeroconf.ServiceEntry
	calls int
}

func (s *scripted) browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	s.mu.Lock()
	i := s.calls
	if i >= len(s.scans) {
		i = len(s.scans) - 1
	}
	s.calls++
	batch := s.scans[i]
	s.mu.Unlock()

	go func() {
		defer close(entries)
		for _, e := range batch {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

type scanHarness struct {
	scanner *Scanner
	mock    *clock.Mock
	events  chan transfer.PeerEvent
}

func startScanner(t *testing.T, script *scripted, misses int) *scanHarness {
	t.Helper()
	mock := clock.NewMock()
	s, err := NewScanner(Config{
		SelfID:           "self",
		ScanInterval:     time.Second,
		ScanTimeout:      time.Second,
		MissesBeforeLost: misses,
		Clock:            mock,
		browseFn:         script.browse,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	h := &scanHarness{scanner: s, mock: mock, events: make(chan transfer.PeerEvent, 64)}
	go func() {
		for ev := range s.Events() {
			h.events <- ev
		}
		close(h.events)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return h
}

func (h *scanHarness) next(t *testing.T) transfer.PeerEvent {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no discovery event")
		return transfer.PeerEvent{}
	}
}

func (h *scanHarness) tick() {
	h.mock.Add(time.Second)
}

func TestScannerAnnouncesPeersAndSkipsSelf(t *testing.T) {
	script := &scripted{scans: [][]*zeroconf.ServiceEntry{{
		entry("self", "me", "10.0.0.1", 7000),
		entry("b", "bob", "10.0.0.3", 7002),
		entry("a", "alice", "10.0.0.2", 7001),
	}}}
	h := startScanner(t, script, 1)

	first := h.next(t)
	second := h.next(t)
	assert.Equal(t, transfer.PeerAnnounced, first.Kind)
	assert.Equal(t, transfer.PeerInfo{ID: "a", Name: "alice", Address: "10.0.0.2:7001", OS: "linux"}, first.Peer)
	assert.Equal(t, "b", second.Peer.ID)

	peers := h.scanner.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "alice", peers[0].Name)

	p, ok := h.scanner.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.3:7002", p.Address)
	_, ok = h.scanner.Lookup("self")
	assert.False(t, ok)
}

func TestScannerReportsLostAfterMisses(t *testing.T) {
	a := entry("a", "alice", "10.0.0.2", 7001)
	script := &scripted{scans: [][]*zeroconf.ServiceEntry{{a}, {}, {}}}
	h := startScanner(t, script, 2)

	require.Equal(t, transfer.PeerAnnounced, h.next(t).Kind)

	h.tick()
	require.Eventually(t, func() bool {
		script.mu.Lock()
		defer script.mu.Unlock()
		return script.calls >= 2
	}, time.Second, 5*time.Millisecond)
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event after one miss: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	h.tick()
	ev := h.next(t)
	assert.Equal(t, transfer.PeerLost, ev.Kind)
	assert.Equal(t, "a", ev.Peer.ID)
	assert.Empty(t, h.scanner.Peers())
}

func TestScannerReannouncesChangedAddress(t *testing.T) {
	script := &scripted{scans: [][]*zeroconf.ServiceEntry{
		{entry("a", "alice", "10.0.0.2", 7001)},
		{entry("a", "alice", "10.0.0.9", 7001)},
	}}
	h := startScanner(t, script, 1)

	require.Equal(t, "10.0.0.2:7001", h.next(t).Peer.Address)
	h.tick()

	ev := h.next(t)
	assert.Equal(t, transfer.PeerAnnounced, ev.Kind)
	assert.Equal(t, "10.0.0.9:7001", ev.Peer.Address)
	p, ok := h.scanner.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9:7001", p.Address)
}

func TestScannerAnnouncesPresentPeersEveryScan(t *testing.T) {
	script := &scripted{scans: [][]*zeroconf.ServiceEntry{{entry("a", "alice", "10.0.0.2", 7001)}}}
	h := startScanner(t, script, 1)

	for i := 0; i < 4; i++ {
		ev := h.next(t)
		assert.Equal(t, transfer.PeerAnnounced, ev.Kind, "scan %d", i)
		assert.Equal(t, "a", ev.Peer.ID, "scan %d", i)
		h.tick()
	}
}

func TestScannerKeepsRegistryFreshPastGrace(t *testing.T) {
	s, err := NewScanner(Config{SelfID: "self", browseFn: (&scripted{scans: [][]*zeroconf.ServiceEntry{{}}}).browse})
	require.NoError(t, err)

	const grace = 30 * time.Second
	now := time.Unix(1_700_000_000, 0)
	reg := registry.New(grace, func() time.Time { return now }, nil)
	present := map[string]transfer.PeerInfo{
		"a": {ID: "a", Name: "alice", Address: "10.0.0.2:7001", OS: "linux"},
	}

	for step := 0; step < 12; step++ {
		require.NoError(t, s.apply(context.Background(), present))
	drain:
		for {
			select {
			case ev := <-s.Events():
				require.Equal(t, transfer.PeerAnnounced, ev.Kind)
				reg.OnPeerAnnouncedInfo(registry.Peer{ID: ev.Peer.ID, Name: ev.Peer.Name, Address: ev.Peer.Address, OS: ev.Peer.OS})
			default:
				break drain
			}
		}
		assert.Empty(t, reg.ExpireStalePeers(now), "step %d", step)
		now = now.Add(5 * time.Second)
	}
	peers := reg.ListPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, "a", peers[0].ID)
}

func TestParseEntryRejectsIncompleteRecords(t *testing.T) {
	noAddr := entry("a", "alice", "", 7001)
	wrongVersion := entry("a", "alice", "10.0.0.2", 7001)
	wrongVersion.Text = []string{"id=a", "v=2"}
	noID := entry("", "alice", "10.0.0.2", 7001)

	for name, e := range map[string]*zeroconf.ServiceEntry{
		"no address":    noAddr,
		"wrong version": wrongVersion,
		"no id":         noID,
		"self":          entry("self", "me", "10.0.0.1", 7000),
	} {
		_, ok := parseEntry(e, "self")
		assert.False(t, ok, name)
	}
}

func TestParseEntryFallsBackToInstanceName(t *testing.T) {
	e := entry("a", "alice", "10.0.0.2", 7001)
	e.Text = []string{"id=a", "v=1"}
	p, ok := parseEntry(e, "self")
	require.True(t, ok)
	assert.Equal(t, "alice", p.Name)
}

func TestAnnounceRegistersTxtRecord(t *testing.T) {
	var gotInstance, gotService string
	var gotPort int
	var gotText []string
	a, err := Announce(Config{
		SelfID: "node-1",
		Name:   "desk",
		OS:     "linux",
		Port:   7001,
		registerFn: func(instance, service, domain string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
			gotInstance, gotService, gotPort, gotText = instance, service, port, text
			return nil, nil
		},
	})
	require.NoError(t, err)
	a.Stop()

	assert.Equal(t, "desk", gotInstance)
	assert.Equal(t, DefaultService, gotService)
	assert.Equal(t, 7001, gotPort)
	assert.Equal(t, []string{"id=node-1", "name=desk", "os=linux", "v=1"}, gotText)
}

func TestAnnounceValidation(t *testing.T) {
	_, err := Announce(Config{Port: 7001})
	assert.Error(t, err)
	_, err = Announce(Config{SelfID: "x"})
	assert.Error(t, err)

	boom := errors.New("no multicast")
	_, err = Announce(Config{
		SelfID: "x",
		Port:   1,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, boom
		},
	})
	assert.ErrorIs(t, err, boom)
}
