// Package session owns every transfer session and enforces its lifecycle.
//
// All mutation goes through Table methods. Each successful transition publishes
// exactly one events.StateChanged, under the table lock, so events for one session
// reach the bus in transition order.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/sheerbytes/dropzone/internal/events"
	"github.com/sheerbytes/dropzone/internal/faults"
)

// DefaultRetain is how many terminated sessions Table remembers.
const DefaultRetain = 256

// ErrNotFound is wrapped by errors for ids the table does not know.
var ErrNotFound = errors.New("session not found")

type entry struct {
	info    Info
	cancel  context.CancelCauseFunc
	decided chan struct{}
}

// Table is the session table. It is safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	live  map[string]*entry
	ended *lru.Cache // id -> Info
	now   func() time.Time
	pub   events.Publisher
}

// NewTable creates a table that keeps the last retain terminated sessions.
func NewTable(retain int, now func() time.Time, pub events.Publisher) *Table {
	if retain <= 0 {
		retain = DefaultRetain
	}
	if now == nil {
		now = time.Now
	}
	ended, err := lru.New(retain)
	if err != nil {
		panic(err)
	}
	return &Table{
		live:  make(map[string]*entry),
		ended: ended,
		now:   now,
		pub:   pub,
	}
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// Create registers a session in Offered and publishes SessionOffered. An empty ID
// is filled in. Reusing the id of a live or remembered session is a StateViolation.
func (t *Table) Create(info Info) (Info, error) {
	if info.ID == "" {
		info.ID = NewID()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.live[info.ID]; ok || t.ended.Contains(info.ID) {
		return Info{}, faults.Newf(faults.StateViolation, "session id %s already used", info.ID)
	}
	now := t.now()
	info.State = Offered
	info.CreatedAt = now
	info.UpdatedAt = now
	info.Bytes = 0
	info.Err = nil
	t.live[info.ID] = &entry{info: info, decided: make(chan struct{})}

	if t.pub != nil {
		t.pub.Publish(events.SessionOffered{
			SessionID: info.ID,
			PeerID:    info.PeerID,
			Inbound:   info.Direction == Inbound,
			File:      events.File(info.File),
			At:        now,
		})
	}
	return info, nil
}

// Get returns a live or remembered session.
func (t *Table) Get(id string) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.live[id]; ok {
		return e.info, true
	}
	if v, ok := t.ended.Get(id); ok {
		return v.(Info), true
	}
	return Info{}, false
}

// State returns the current state of a session.
func (t *Table) State(id string) (State, error) {
	info, ok := t.Get(id)
	if !ok {
		return 0, notFound(id)
	}
	return info.State, nil
}

// ListActive returns the non-terminal sessions ordered by creation time.
func (t *Table) ListActive() []Info {
	t.mu.RLock()
	out := make([]Info, 0, len(t.live))
	for _, e := range t.live {
		out = append(out, e.info)
	}
	t.mu.RUnlock()
	sortInfos(out)
	return out
}

// List returns active sessions followed by remembered terminated ones.
func (t *Table) List() []Info {
	out := t.ListActive()
	t.mu.RLock()
	ended := make([]Info, 0, t.ended.Len())
	for _, k := range t.ended.Keys() {
		if v, ok := t.ended.Peek(k); ok {
			ended = append(ended, v.(Info))
		}
	}
	t.mu.RUnlock()
	sortInfos(ended)
	return append(out, ended...)
}

// Attach registers the cancel func of the goroutines serving a session. It is
// called with the session error when the session reaches a terminal state. If the
// session is already terminal it is called immediately.
func (t *Table) Attach(id string, cancel context.CancelCauseFunc) error {
	t.mu.Lock()
	e, ok := t.live[id]
	if ok {
		e.cancel = cancel
	}
	t.mu.Unlock()
	if !ok {
		if info, known := t.Get(id); known {
			cancel(causeOf(info))
			return nil
		}
		return notFound(id)
	}
	return nil
}

// Decided returns a channel closed when the session leaves Offered.
func (t *Table) Decided(id string) (<-chan struct{}, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.live[id]; ok {
		return e.decided, nil
	}
	if t.ended.Contains(id) {
		closed := make(chan struct{})
		close(closed)
		return closed, nil
	}
	return nil, notFound(id)
}

// Accept moves Offered -> Accepted.
func (t *Table) Accept(id string) (Info, error) {
	return t.transition(id, Accepted, nil, -1)
}

// Deny moves Offered -> Denied.
func (t *Table) Deny(id, reason string) (Info, error) {
	if reason == "" {
		reason = "offer declined"
	}
	return t.transition(id, Denied, faults.New(faults.ConsentDenied, reason), -1)
}

// TimeOut moves Offered -> TimedOut.
func (t *Table) TimeOut(id string, after time.Duration) (Info, error) {
	return t.transition(id, TimedOut, faults.Newf(faults.ConsentTimeout, "no answer within %s", after), -1)
}

// Start moves Accepted -> Transferring.
func (t *Table) Start(id string) (Info, error) {
	return t.transition(id, Transferring, nil, -1)
}

// Complete moves Accepted or Transferring -> Completed with the final byte count.
func (t *Table) Complete(id string, bytes int64) (Info, error) {
	return t.transition(id, Completed, nil, bytes)
}

// Fail moves any non-terminal session to Failed.
func (t *Table) Fail(id string, err error) (Info, error) {
	ferr := faults.As(err, faults.TransportError)
	if ferr == nil {
		ferr = faults.New(faults.Unknown, "transfer failed")
	}
	return t.transition(id, Failed, ferr, -1)
}

// Cancel moves any non-terminal session to Cancelled.
func (t *Table) Cancel(id, reason string) (Info, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return t.transition(id, Cancelled, faults.New(faults.Cancelled, reason), -1)
}

// FailPeer fails every non-terminal session with peerID and returns their ids.
func (t *Table) FailPeer(peerID string, err error) []string {
	t.mu.RLock()
	var ids []string
	for id, e := range t.live {
		if e.info.PeerID == peerID {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()

	var failed []string
	for _, id := range ids {
		if _, ferr := t.Fail(id, err); ferr == nil {
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)
	return failed
}

// AddBytes advances the transferred byte count of a live session and returns the
// new total.
func (t *Table) AddBytes(id string, n int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.live[id]
	if !ok {
		return 0, t.terminalOrMissing(id)
	}
	if n > 0 {
		e.info.Bytes += n
		e.info.UpdatedAt = t.now()
	}
	return e.info.Bytes, nil
}

// Report publishes a progress event if the session is still live. It is ordered
// with the session's transitions.
func (t *Table) Report(p events.Progress) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.live[p.SessionID]; !ok {
		return false
	}
	if t.pub != nil {
		t.pub.Publish(p)
	}
	return true
}

func (t *Table) transition(id string, to State, ferr *faults.Error, bytes int64) (Info, error) {
	t.mu.Lock()
	e, ok := t.live[id]
	if !ok {
		err := t.terminalOrMissing(id)
		t.mu.Unlock()
		return Info{}, err
	}
	from := e.info.State
	if !CanTransition(from, to) {
		t.mu.Unlock()
		return e.info, faults.Newf(faults.StateViolation, "session %s cannot move from %s to %s", id, from, to)
	}

	now := t.now()
	e.info.State = to
	e.info.UpdatedAt = now
	if bytes > e.info.Bytes {
		e.info.Bytes = bytes
	}
	if ferr != nil {
		e.info.Err = ferr
	}
	if from == Offered {
		close(e.decided)
	}
	info := e.info

	var cancel context.CancelCauseFunc
	if to.Terminal() {
		delete(t.live, id)
		t.ended.Add(id, info)
		cancel = e.cancel
	}
	if t.pub != nil {
		t.pub.Publish(events.StateChanged{
			SessionID: id,
			PeerID:    info.PeerID,
			Old:       from.String(),
			New:       to.String(),
			Bytes:     info.Bytes,
			Err:       info.Err,
			At:        now,
		})
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel(causeOf(info))
	}
	return info, nil
}

// terminalOrMissing must be called with t.mu held.
func (t *Table) terminalOrMissing(id string) error {
	if v, ok := t.ended.Peek(id); ok {
		info := v.(Info)
		return faults.Newf(faults.StateViolation, "session %s already %s", id, info.State)
	}
	return notFound(id)
}

func notFound(id string) error {
	return faults.Wrap(faults.StateViolation, id, ErrNotFound)
}

func causeOf(info Info) error {
	if info.Err != nil {
		return info.Err
	}
	return faults.Newf(faults.Cancelled, "session %s", info.State)
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
}
