package remote

import (
	"fmt"
	"sync"
	"time"

	"github.com/sheerbytes/dropzone/internal/progress"
	"github.com/sheerbytes/dropzone/pkg/protocol"
)

// tracker folds pushed events into one progress row per session.
type tracker struct {
	mu    sync.Mutex
	rows  map[string]*progress.Row
	order []string
	names map[string]string
}

func newTracker() *tracker {
	return &tracker{
		rows:  make(map[string]*progress.Row),
		names: make(map[string]string),
	}
}

func (t *tracker) nameLocked(peerID string) string {
	if name, ok := t.names[peerID]; ok && name != "" {
		return name
	}
	return peerID
}

// name returns the display name of peerID, or the id when unknown.
func (t *tracker) name(peerID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nameLocked(peerID)
}

func (t *tracker) learnPeers(peers []protocol.PeerInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range peers {
		t.names[p.ID] = p.Name
	}
}

func (t *tracker) rowLocked(sessionID, peerID string) *progress.Row {
	row, ok := t.rows[sessionID]
	if !ok {
		row = &progress.Row{Session: sessionID}
		t.rows[sessionID] = row
		t.order = append(t.order, sessionID)
	}
	if row.Peer == "" && peerID != "" {
		row.Peer = t.nameLocked(peerID)
	}
	return row
}

// seed records a session snapshot taken with list_sessions.
func (t *tracker) seed(info protocol.SessionInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row := t.rowLocked(info.ID, info.PeerID)
	row.Direction = direction(info.Inbound)
	row.File = info.File.Name
	row.State = info.State
	row.Stats.Total = info.File.Size
	setBytes(row, info.Bytes)
	if info.State == "completed" {
		setBytes(row, info.File.Size)
	}
	if info.State != "completed" {
		row.Reason = info.Reason
	}
}

func (t *tracker) apply(ev protocol.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.Kind {
	case protocol.EventPeerArrived:
		if ev.Peer != nil {
			t.names[ev.PeerID] = ev.Peer.Name
		}
	case protocol.EventSessionOffered:
		row := t.rowLocked(ev.SessionID, ev.PeerID)
		row.Direction = direction(ev.Inbound)
		row.State = "offered"
		if ev.File != nil {
			row.File = ev.File.Name
			row.Stats.Total = ev.File.Size
		}
	case protocol.EventStateChanged:
		row := t.rowLocked(ev.SessionID, ev.PeerID)
		row.State = ev.New
		switch {
		case ev.New == "completed":
			setBytes(row, row.Stats.Total)
			row.Stats.ETA = 0
		case ev.Terminal():
			row.Reason = ev.Reason
		}
	case protocol.EventProgress:
		row := t.rowLocked(ev.SessionID, ev.PeerID)
		if ev.Total > 0 {
			row.Stats.Total = ev.Total
		}
		setBytes(row, ev.Bytes)
		row.Stats.RateBps = ev.RateBps
		row.Stats.ETA = time.Duration(ev.ETAMillis) * time.Millisecond
	}
}

func (t *tracker) view() []progress.Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]progress.Row, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.rows[id])
	}
	return out
}

func setBytes(row *progress.Row, n int64) {
	row.Stats.BytesDone = n
	switch {
	case row.Stats.Total > 0:
		row.Stats.Percent = float64(n) / float64(row.Stats.Total) * 100
	case row.State == "completed":
		row.Stats.Percent = 100
	}
}

func direction(inbound bool) string {
	if inbound {
		return "in"
	}
	return "out"
}

// describe renders a one-line log entry for ev. Progress events yield "".
func (t *tracker) describe(ev protocol.Event) string {
	switch ev.Kind {
	case protocol.EventPeerArrived:
		addr := ""
		if ev.Peer != nil && ev.Peer.Address != "" {
			addr = " at " + ev.Peer.Address
		}
		return fmt.Sprintf("peer + %s (%s)%s", t.name(ev.PeerID), ev.PeerID, addr)
	case protocol.EventPeerLost:
		return fmt.Sprintf("peer - %s (%s)", t.name(ev.PeerID), ev.PeerID)
	case protocol.EventSessionOffered:
		file, size := "", int64(0)
		if ev.File != nil {
			file, size = ev.File.Name, ev.File.Size
		}
		arrow := "->"
		if ev.Inbound {
			arrow = "<-"
		}
		return fmt.Sprintf("[%s] offer %s %s: %s (%s)", short(ev.SessionID), arrow, t.name(ev.PeerID), file, progress.FormatBytes(size))
	case protocol.EventStateChanged:
		line := fmt.Sprintf("[%s] %s -> %s", short(ev.SessionID), ev.Old, ev.New)
		if ev.Reason != "" && ev.New != "completed" {
			line += ": " + ev.Reason
		}
		return line
	}
	return ""
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
