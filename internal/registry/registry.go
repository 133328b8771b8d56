// Package registry tracks which peers are reachable on the local network.
//
// The registry is driven from outside: discovery calls OnPeerAnnounced and
// OnPeerLost, and the owner calls ExpireStalePeers with the current time. It owns
// no timers of its own.
package registry

import (
	"sync"
	"time"

	"github.com/sheerbytes/dropzone/internal/events"
)

// Liveness is the reachability state of a peer.
type Liveness int

const (
	Discovered Liveness = iota
	Connected
	Unreachable
)

func (l Liveness) String() string {
	switch l {
	case Discovered:
		return "discovered"
	case Connected:
		return "connected"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Peer is a snapshot of one registry entry.
type Peer struct {
	ID       string
	Address  string
	Name     string
	OS       string
	LastSeen time.Time
	Liveness Liveness
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	order []string
	grace time.Duration
	now   func() time.Time
	pub   events.Publisher
}

// New creates a registry. Peers not re-announced within grace are removed by
// ExpireStalePeers. now stamps LastSeen on announcements.
func New(grace time.Duration, now func() time.Time, pub events.Publisher) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		peers: make(map[string]*Peer),
		grace: grace,
		now:   now,
		pub:   pub,
	}
}

// OnPeerAnnounced inserts or refreshes a peer.
func (r *Registry) OnPeerAnnounced(id, address, name string) {
	r.OnPeerAnnouncedInfo(Peer{ID: id, Address: address, Name: name})
}

// OnPeerAnnouncedInfo is OnPeerAnnounced with the full announced record. PeerArrived
// is published only on first insertion or when the peer was Unreachable.
func (r *Registry) OnPeerAnnouncedInfo(p Peer) {
	if p.ID == "" {
		return
	}
	r.mu.Lock()
	now := r.now()
	existing, ok := r.peers[p.ID]
	arrived := !ok || existing.Liveness == Unreachable
	if !ok {
		existing = &Peer{ID: p.ID, Liveness: Discovered}
		r.peers[p.ID] = existing
		r.order = append(r.order, p.ID)
	}
	if p.Address != "" {
		existing.Address = p.Address
	}
	if p.Name != "" {
		existing.Name = p.Name
	}
	if p.OS != "" {
		existing.OS = p.OS
	}
	existing.LastSeen = now
	if existing.Liveness == Unreachable {
		existing.Liveness = Discovered
	}
	snapshot := *existing
	r.mu.Unlock()

	if arrived && r.pub != nil {
		r.pub.Publish(events.PeerArrived{Peer: toEventPeer(snapshot)})
	}
}

// OnPeerLost marks a peer Unreachable. The entry stays until it expires so a quick
// re-announcement does not look like a new peer. Unknown ids are ignored.
func (r *Registry) OnPeerLost(id string) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok || p.Liveness == Unreachable {
		r.mu.Unlock()
		return
	}
	p.Liveness = Unreachable
	r.mu.Unlock()

	if r.pub != nil {
		r.pub.Publish(events.PeerLost{PeerID: id})
	}
}

// MarkConnected records that a stream to the peer is established.
func (r *Registry) MarkConnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok && p.Liveness == Discovered {
		p.Liveness = Connected
	}
}

// ListPeers returns the Discovered and Connected peers in insertion order.
func (r *Registry) ListPeers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.order))
	for _, id := range r.order {
		p := r.peers[id]
		if p.Liveness == Unreachable {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// Lookup returns a copy of one peer, including Unreachable ones.
func (r *Registry) Lookup(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// ExpireStalePeers removes peers last seen more than the grace window before now
// and returns their ids. A reachable peer that expires is reported as lost first.
func (r *Registry) ExpireStalePeers(now time.Time) []string {
	r.mu.Lock()
	var removed, lost []string
	kept := r.order[:0]
	for _, id := range r.order {
		p := r.peers[id]
		if now.Sub(p.LastSeen) > r.grace {
			if p.Liveness != Unreachable {
				lost = append(lost, id)
			}
			delete(r.peers, id)
			removed = append(removed, id)
			continue
		}
		kept = append(kept, id)
	}
	for i := len(kept); i < len(r.order); i++ {
		r.order[i] = ""
	}
	r.order = kept
	r.mu.Unlock()

	if r.pub != nil {
		for _, id := range lost {
			r.pub.Publish(events.PeerLost{PeerID: id})
		}
	}
	return removed
}

func toEventPeer(p Peer) events.Peer {
	return events.Peer{ID: p.ID, Name: p.Name, Address: p.Address, OS: p.OS}
}
