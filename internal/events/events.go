// Package events carries engine notifications to the application shell.
//
// Event is a closed set: only the types in this file implement it, so a shell can
// switch over them exhaustively.
package events

import (
	"time"

	"github.com/sheerbytes/dropzone/internal/faults"
)

// Event is one of PeerArrived, PeerLost, SessionOffered, StateChanged, Progress.
type Event interface {
	// Kind returns a stable name for the event type.
	Kind() string
	isEvent()
}

// Peer describes a peer at the time of the event.
type Peer struct {
	ID      string
	Name    string
	Address string
	OS      string
}

// PeerArrived is published when a peer is first seen or comes back from Unreachable.
type PeerArrived struct {
	Peer Peer
}

// PeerLost is published when a peer becomes Unreachable.
type PeerLost struct {
	PeerID string
}

// File is the immutable metadata of the file being transferred.
type File struct {
	Name string
	Size int64
	Hash string
}

// SessionOffered is published when a session is created. For inbound sessions it
// is the consent request: the shell answers with RespondToOffer.
type SessionOffered struct {
	SessionID string
	PeerID    string
	Inbound   bool
	File      File
	At        time.Time
}

// StateChanged is published exactly once per session state transition.
type StateChanged struct {
	SessionID string
	PeerID    string
	Old       string
	New       string
	Bytes     int64
	Err       *faults.Error
	At        time.Time
}

// Terminal reports whether New is a terminal state.
func (e StateChanged) Terminal() bool {
	switch e.New {
	case "denied", "timed_out", "completed", "failed", "cancelled":
		return true
	}
	return false
}

// Progress is a throttled byte-count update for a transferring session.
type Progress struct {
	SessionID string
	Bytes     int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
}

func (PeerArrived) Kind() string    { return "peer_arrived" }
func (PeerLost) Kind() string       { return "peer_lost" }
func (SessionOffered) Kind() string { return "session_offered" }
func (StateChanged) Kind() string   { return "state_changed" }
func (Progress) Kind() string       { return "progress" }

func (PeerArrived) isEvent()    {}
func (PeerLost) isEvent()       {}
func (SessionOffered) isEvent() {}
func (StateChanged) isEvent()   {}
func (Progress) isEvent()       {}

// SessionID returns the session an event belongs to, or "" for peer events.
func SessionID(e Event) string {
	switch ev := e.(type) {
	case SessionOffered:
		return ev.SessionID
	case StateChanged:
		return ev.SessionID
	case Progress:
		return ev.SessionID
	}
	return ""
}
