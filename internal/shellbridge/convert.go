package shellbridge

import (
	"github.com/sheerbytes/dropzone/internal/events"
	"github.com/sheerbytes/dropzone/internal/registry"
	"github.com/sheerbytes/dropzone/internal/session"
	"github.com/sheerbytes/dropzone/pkg/protocol"
)

// PeerFrom converts a registry snapshot.
func PeerFrom(p registry.Peer) protocol.PeerInfo {
	return protocol.PeerInfo{
		ID:       p.ID,
		Name:     p.Name,
		Address:  p.Address,
		OS:       p.OS,
		Liveness: p.Liveness.String(),
		LastSeen: p.LastSeen,
	}
}

// SessionFrom converts a session snapshot.
func SessionFrom(info session.Info) protocol.SessionInfo {
	out := protocol.SessionInfo{
		ID:        info.ID,
		PeerID:    info.PeerID,
		Inbound:   info.Direction == session.Inbound,
		File:      protocol.File{Name: info.File.Name, Size: info.File.Size, Hash: info.File.Hash},
		State:     info.State.String(),
		Bytes:     info.Bytes,
		CreatedAt: info.CreatedAt,
		UpdatedAt: info.UpdatedAt,
	}
	if info.Err != nil {
		out.ErrKind = info.Err.Kind.String()
		out.Reason = info.Err.Error()
	}
	return out
}

// EventFrom flattens an engine event for the wire.
func EventFrom(ev events.Event) protocol.Event {
	out := protocol.Event{Kind: ev.Kind()}
	switch e := ev.(type) {
	case events.PeerArrived:
		out.PeerID = e.Peer.ID
		out.Peer = &protocol.PeerInfo{ID: e.Peer.ID, Name: e.Peer.Name, Address: e.Peer.Address, OS: e.Peer.OS}
	case events.PeerLost:
		out.PeerID = e.PeerID
	case events.SessionOffered:
		out.SessionID = e.SessionID
		out.PeerID = e.PeerID
		out.Inbound = e.Inbound
		out.File = &protocol.File{Name: e.File.Name, Size: e.File.Size, Hash: e.File.Hash}
		out.At = e.At
	case events.StateChanged:
		out.SessionID = e.SessionID
		out.PeerID = e.PeerID
		out.Old = e.Old
		out.New = e.New
		out.Bytes = e.Bytes
		out.At = e.At
		if e.Err != nil {
			out.ErrKind = e.Err.Kind.String()
			out.Reason = e.Err.Error()
		}
	case events.Progress:
		out.SessionID = e.SessionID
		out.Bytes = e.Bytes
		out.Total = e.Total
		out.RateBps = e.RateBps
		out.ETAMillis = e.ETA.Milliseconds()
	}
	return out
}
