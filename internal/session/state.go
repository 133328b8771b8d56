package session

import (
	"time"

	"github.com/sheerbytes/dropzone/internal/faults"
)

// State is the lifecycle position of a transfer session.
type State int

const (
	Offered State = iota
	Accepted
	Transferring
	Completed
	Denied
	TimedOut
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Offered:
		return "offered"
	case Accepted:
		return "accepted"
	case Transferring:
		return "transferring"
	case Completed:
		return "completed"
	case Denied:
		return "denied"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case Offered, Accepted, Transferring:
		return false
	}
	return true
}

// transitions lists the allowed successors of each non-terminal state.
var transitions = map[State][]State{
	Offered:      {Accepted, Denied, TimedOut, Failed, Cancelled},
	Accepted:     {Transferring, Completed, Failed, Cancelled},
	Transferring: {Completed, Failed, Cancelled},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Direction says which side initiated the transfer.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// File is the metadata of the transferred file. It does not change after Create.
type File struct {
	Name string
	Size int64
	Hash string
}

// Info is a snapshot of a session.
type Info struct {
	ID        string
	PeerID    string
	Direction Direction
	File      File
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
	Bytes     int64
	Err       *faults.Error
}
