// Package faults classifies why a transfer session ended badly.
//
// Every terminal session carries a *Error. Its Kind tells the shell what happened
// (a denied offer, a stalled network, a full disk) and its message is the
// human-readable reason shown to the user.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the classification of a session failure.
type Kind int

const (
	Unknown Kind = iota
	PeerUnreachable
	ConsentTimeout
	ConsentDenied
	ProtocolViolation
	TransportError
	LocalIOError
	StateViolation
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case PeerUnreachable:
		return "peer_unreachable"
	case ConsentTimeout:
		return "consent_timeout"
	case ConsentDenied:
		return "consent_denied"
	case ProtocolViolation:
		return "protocol_violation"
	case TransportError:
		return "transport_error"
	case LocalIOError:
		return "local_io_error"
	case StateViolation:
		return "state_violation"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

// New returns a classified error with a reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, reason string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, faults.New(k, "")) works
// regardless of reason.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// As returns err as a *Error. Unclassified errors become fallback-kind errors.
func As(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: fallback, Err: err}
}
