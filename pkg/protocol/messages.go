package protocol

import "time"

// Hello is sent when a shell connects.
type Hello struct {
	NodeID  string `json:"node_id"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// PeerInfo describes a reachable peer.
type PeerInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Address  string    `json:"address,omitempty"`
	OS       string    `json:"os,omitempty"`
	Liveness string    `json:"liveness,omitempty"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// PeerList answers list_peers.
type PeerList struct {
	Peers []PeerInfo `json:"peers"`
}

// OfferRequest asks the node to offer the file at Path to PeerID. The path is
// resolved on the node's machine.
type OfferRequest struct {
	PeerID string `json:"peer_id"`
	Path   string `json:"path"`
}

// OfferResult answers offer.
type OfferResult struct {
	SessionID string `json:"session_id"`
}

// RespondRequest answers a pending inbound offer.
type RespondRequest struct {
	SessionID string `json:"session_id"`
	Accept    bool   `json:"accept"`
}

// CancelRequest cancels a live session.
type CancelRequest struct {
	SessionID string `json:"session_id"`
}

// File is transferred file metadata.
type File struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hash string `json:"hash,omitempty"`
}

// SessionInfo is a snapshot of one transfer session.
type SessionInfo struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peer_id"`
	Inbound   bool      `json:"inbound"`
	File      File      `json:"file"`
	State     string    `json:"state"`
	Bytes     int64     `json:"bytes"`
	ErrKind   string    `json:"err_kind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionList answers list_sessions.
type SessionList struct {
	Sessions []SessionInfo `json:"sessions"`
}

// Event is an engine notification pushed to every shell. Which fields are set
// depends on Kind.
type Event struct {
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	PeerID    string    `json:"peer_id,omitempty"`
	Peer      *PeerInfo `json:"peer,omitempty"`
	Inbound   bool      `json:"inbound,omitempty"`
	File      *File     `json:"file,omitempty"`
	Old       string    `json:"old,omitempty"`
	New       string    `json:"new,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	Total     int64     `json:"total,omitempty"`
	RateBps   float64   `json:"rate_bps,omitempty"`
	ETAMillis int64     `json:"eta_ms,omitempty"`
	ErrKind   string    `json:"err_kind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

// Terminal reports whether a state_changed event ends its session.
func (e Event) Terminal() bool {
	if e.Kind != EventStateChanged {
		return false
	}
	switch e.New {
	case "denied", "timed_out", "completed", "failed", "cancelled":
		return true
	}
	return false
}
