// Package node runs the transfer engine of one machine: it feeds substrate peer
// events into the registry, negotiates consent for inbound and outbound offers,
// streams accepted files and publishes everything that happens on an event bus.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/dropzone/internal/bufpool"
	"github.com/sheerbytes/dropzone/internal/events"
	"github.com/sheerbytes/dropzone/internal/faults"
	"github.com/sheerbytes/dropzone/internal/progress"
	"github.com/sheerbytes/dropzone/internal/registry"
	"github.com/sheerbytes/dropzone/internal/session"
	"github.com/sheerbytes/dropzone/internal/transfer"
)

const (
	DefaultConsentTimeout = 60 * time.Second
	DefaultPeerGrace      = 30 * time.Second
)

// Source is a file opened for sending.
type Source interface {
	transfer.ChunkSource
	Name() string
	Size() int64
}

// Config configures a Node.
type Config struct {
	// Name is the display name sent with offers.
	Name    string
	DestDir string
	Params  transfer.Params

	ConsentTimeout   time.Duration
	PeerGrace        time.Duration
	ExpireInterval   time.Duration
	ProgressInterval time.Duration
	EventBuffer      int
	RetainSessions   int

	// Hash sends a BLAKE2b-256 of every outgoing file with the offer.
	Hash bool

	// Clock drives consent, idle and expiry timers. Nil means the wall clock.
	Clock clock.Clock
	// OpenSource opens files for OfferTransfer. Nil means transfer.OpenSource.
	OpenSource func(path string) (Source, error)
}

func (c Config) withDefaults() Config {
	c.Params = transfer.NormalizeParams(c.Params)
	if c.DestDir == "" {
		c.DestDir = "."
	}
	if c.ConsentTimeout <= 0 {
		c.ConsentTimeout = DefaultConsentTimeout
	}
	if c.PeerGrace <= 0 {
		c.PeerGrace = DefaultPeerGrace
	}
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = c.PeerGrace / 3
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = progress.DefaultInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = events.DefaultCapacity
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.OpenSource == nil {
		c.OpenSource = func(path string) (Source, error) {
			return transfer.OpenSource(path)
		}
	}
	return c
}

// Node is the transfer engine. Its methods are safe for concurrent use.
type Node struct {
	cfg    Config
	sub    transfer.Substrate
	logger *slog.Logger
	clk    clock.Clock

	bus   *events.Bus
	reg   *registry.Registry
	table *session.Table

	base context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// New creates a node over sub. Call Run to start serving.
func New(cfg Config, sub transfer.Substrate, logger *slog.Logger) *Node {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	bus := events.NewBus(cfg.EventBuffer)
	base, stop := context.WithCancelCause(context.Background())
	return &Node{
		cfg:    cfg,
		sub:    sub,
		logger: logger,
		clk:    cfg.Clock,
		bus:    bus,
		reg:    registry.New(cfg.PeerGrace, cfg.Clock.Now, bus),
		table:  session.NewTable(cfg.RetainSessions, cfg.Clock.Now, bus),
		base:   base,
		stop:   stop,
	}
}

// Run consumes peer events, accepts inbound streams and expires stale peers until
// ctx ends or the substrate fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.peerLoop(ctx) })
	g.Go(func() error { return n.acceptLoop(ctx) })
	g.Go(func() error { return n.expireLoop(ctx) })
	return g.Wait()
}

// Close cancels every live session, waits for their goroutines and closes the
// substrate and the event stream.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.stop(errors.New("node closed"))
		for _, info := range n.table.ListActive() {
			n.table.Cancel(info.ID, "node shutting down")
		}
		err = n.sub.Close()
		n.wg.Wait()
		n.bus.Close()
	})
	return err
}

// Events returns the node's event stream. It is closed by Close.
func (n *Node) Events() <-chan events.Event {
	return n.bus.Events()
}

// DroppedProgress returns how many progress events were dropped because the
// consumer fell behind.
func (n *Node) DroppedProgress() uint64 {
	return n.bus.Dropped()
}

// ListPeers returns the reachable peers in discovery order.
func (n *Node) ListPeers() []registry.Peer {
	return n.reg.ListPeers()
}

// Lookup returns what the registry knows about one peer.
func (n *Node) Lookup(peerID string) (registry.Peer, bool) {
	return n.reg.Lookup(peerID)
}

// Sessions returns live sessions followed by recently finished ones.
func (n *Node) Sessions() []session.Info {
	return n.table.List()
}

// Session returns one session.
func (n *Node) Session(id string) (session.Info, bool) {
	return n.table.Get(id)
}

// RespondToOffer records the local decision on an inbound offer.
func (n *Node) RespondToOffer(id string, accept bool) error {
	info, ok := n.table.Get(id)
	if !ok {
		return faults.Newf(faults.StateViolation, "unknown session %s", id)
	}
	if info.Direction != session.Inbound {
		return faults.Newf(faults.StateViolation, "session %s is not an inbound offer", id)
	}
	var err error
	if accept {
		_, err = n.table.Accept(id)
	} else {
		_, err = n.table.Deny(id, "declined by receiver")
	}
	if err == nil {
		n.logger.Info("offer answered", "session_id", id, "accepted", accept)
	}
	return err
}

// Cancel cancels a live session in either direction.
func (n *Node) Cancel(id string) error {
	_, err := n.table.Cancel(id, "cancelled by user")
	if err == nil {
		n.logger.Info("session cancelled", "session_id", id)
	}
	return err
}

func (n *Node) peerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-n.sub.PeerEvents():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case transfer.PeerAnnounced:
				n.reg.OnPeerAnnouncedInfo(registry.Peer{
					ID:      ev.Peer.ID,
					Address: ev.Peer.Address,
					Name:    ev.Peer.Name,
					OS:      ev.Peer.OS,
				})
			case transfer.PeerLost:
				n.peerLost(ev.Peer.ID, "peer left the network")
			}
		}
	}
}

func (n *Node) peerLost(peerID, reason string) {
	n.reg.OnPeerLost(peerID)
	failed := n.table.FailPeer(peerID, faults.New(faults.PeerUnreachable, reason))
	if len(failed) > 0 {
		n.logger.Warn("peer unreachable, sessions failed", "peer_id", peerID, "sessions", failed)
	}
}

func (n *Node) expireLoop(ctx context.Context) error {
	ticker := n.clk.Ticker(n.cfg.ExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, id := range n.reg.ExpireStalePeers(now) {
				n.logger.Debug("peer expired", "peer_id", id)
				n.table.FailPeer(id, faults.New(faults.PeerUnreachable, "peer stopped announcing"))
			}
		}
	}
}

func (n *Node) acceptLoop(ctx context.Context) error {
	for {
		peerID, s, err := n.sub.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil || n.base.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept stream: %w", err)
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.serveInbound(peerID, s)
		}()
	}
}

// OfferTransfer offers the file at path to peerID and returns the new session id.
// The call returns once the offer is on the wire; consent and streaming continue
// in the background and are reported on the event stream.
func (n *Node) OfferTransfer(ctx context.Context, peerID, path string) (string, error) {
	if err := n.base.Err(); err != nil {
		return "", fmt.Errorf("node closed: %w", err)
	}
	peer, ok := n.reg.Lookup(peerID)
	if !ok || peer.Liveness == registry.Unreachable {
		return "", faults.Newf(faults.PeerUnreachable, "peer %s is not reachable", peerID)
	}

	src, err := n.cfg.OpenSource(path)
	if err != nil {
		return "", faults.Wrap(faults.LocalIOError, "open "+path, err)
	}
	meta := transfer.Meta{Name: src.Name(), Size: src.Size()}
	if n.cfg.Hash {
		sum, err := transfer.HashFile(ctx, path)
		if err != nil {
			src.Close()
			return "", faults.Wrap(faults.LocalIOError, "hash "+path, err)
		}
		meta.Hash = sum
	}

	s, err := n.sub.OpenStream(ctx, peerID)
	if err != nil {
		src.Close()
		return "", faults.Wrap(faults.TransportError, "open stream to "+peerID, err)
	}
	n.reg.MarkConnected(peerID)

	id := session.NewID()
	conn := transfer.NewConn(s)
	offer := transfer.Offer{
		SessionID:  id,
		Name:       meta.Name,
		Size:       meta.Size,
		Hash:       meta.Hash,
		ChunkSize:  n.cfg.Params.ChunkSize,
		SenderName: n.cfg.Name,
	}
	if err := conn.WriteOffer(offer); err != nil {
		conn.Close()
		src.Close()
		return "", faults.Wrap(faults.TransportError, "send offer", err)
	}

	timer := n.armConsentTimer(id)
	if _, err := n.table.Create(session.Info{
		ID:        id,
		PeerID:    peerID,
		Direction: session.Outbound,
		File:      session.File{Name: meta.Name, Size: meta.Size, Hash: meta.Hash},
	}); err != nil {
		timer.Stop()
		conn.Close()
		src.Close()
		return "", err
	}
	sctx, cancel := context.WithCancelCause(n.base)
	n.table.Attach(id, cancel)
	conn.Start(sctx, nil)

	n.logger.Info("offer sent", "session_id", id, "peer_id", peerID, "file", meta.Name, "size", meta.Size)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel(nil)
		defer src.Close()
		defer conn.Close()
		n.runOutbound(sctx, id, conn, timer, src, meta)
	}()
	return id, nil
}

func (n *Node) armConsentTimer(id string) *clock.Timer {
	return n.clk.AfterFunc(n.cfg.ConsentTimeout, func() {
		if _, err := n.table.TimeOut(id, n.cfg.ConsentTimeout); err == nil {
			n.logger.Info("offer timed out", "session_id", id, "after", n.cfg.ConsentTimeout)
		}
	})
}

func (n *Node) runOutbound(ctx context.Context, id string, conn *transfer.Conn, timer *clock.Timer, src Source, meta transfer.Meta) {
	accepted := n.awaitAnswer(ctx, id, conn)
	timer.Stop()
	if !accepted {
		return
	}

	if meta.Size > 0 {
		if _, err := n.table.Start(id); err != nil {
			n.abandon(ctx, conn)
			return
		}
	}
	st := &transfer.Streamer{Params: n.cfg.Params, Clock: n.clk}
	err := st.Send(ctx, conn, src, meta, n.progressFn(id, meta.Size))
	n.finish(id, meta, "", err)
}

// awaitAnswer waits for the receiver's consent and reports whether the session
// was accepted.
func (n *Node) awaitAnswer(ctx context.Context, id string, conn *transfer.Conn) bool {
	var f any
	var ok bool
	select {
	case f, ok = <-conn.Frames():
	case <-ctx.Done():
		conn.Abort(context.Cause(ctx))
		return false
	}
	if !ok {
		n.table.Fail(id, closedBeforeAnswer(conn.Err()))
		return false
	}
	switch m := f.(type) {
	case transfer.Answer:
		var err error
		switch m.Status {
		case transfer.AnswerAccepted:
			if _, err = n.table.Accept(id); err == nil {
				n.logger.Info("offer accepted", "session_id", id)
				return true
			}
		case transfer.AnswerDeclined:
			_, err = n.table.Deny(id, m.Reason)
		case transfer.AnswerExpired:
			_, err = n.table.TimeOut(id, n.cfg.ConsentTimeout)
		default:
			_, err = n.table.Fail(id, faults.Newf(faults.ProtocolViolation, "unknown answer status %d", m.Status))
		}
		if err != nil {
			n.abandon(ctx, conn)
		}
		return false
	case transfer.Cancel:
		n.table.Cancel(id, "cancelled by peer: "+m.Reason)
	case transfer.Done:
		kind := m.Kind
		if m.OK || kind == faults.Unknown {
			kind = faults.ProtocolViolation
		}
		n.table.Fail(id, faults.New(kind, "receiver: "+m.Reason))
	default:
		err := faults.Newf(faults.ProtocolViolation, "unexpected %T frame before answer", f)
		n.table.Fail(id, err)
		conn.Abort(err)
	}
	return false
}

// abandon tells the peer why a session that ended under us is gone.
func (n *Node) abandon(ctx context.Context, conn *transfer.Conn) {
	<-ctx.Done()
	conn.Abort(context.Cause(ctx))
}

func (n *Node) serveInbound(peerID string, s transfer.Stream) {
	conn := transfer.NewConn(s)
	defer conn.Close()
	n.reg.MarkConnected(peerID)

	// a peer that opens a stream and says nothing is dropped after the consent timeout
	readTimer := n.clk.AfterFunc(n.cfg.ConsentTimeout, func() { conn.Close() })
	offer, err := conn.ReadOffer()
	readTimer.Stop()
	if err != nil {
		n.logger.Warn("invalid offer stream", "peer_id", peerID, "error", err)
		return
	}
	name, err := transfer.SanitizeName(offer.Name)
	if err == nil {
		err = validateOffer(offer)
	}
	if err != nil {
		n.logger.Warn("offer rejected", "peer_id", peerID, "session_id", offer.SessionID, "error", err)
		conn.Refuse(transfer.Answer{Status: transfer.AnswerDeclined, Reason: err.Error()})
		return
	}

	id := offer.SessionID
	timer := n.armConsentTimer(id)
	if _, err := n.table.Create(session.Info{
		ID:        id,
		PeerID:    peerID,
		Direction: session.Inbound,
		File:      session.File{Name: name, Size: offer.Size, Hash: offer.Hash},
	}); err != nil {
		timer.Stop()
		n.logger.Warn("offer rejected", "peer_id", peerID, "session_id", id, "error", err)
		conn.Refuse(transfer.Answer{Status: transfer.AnswerDeclined, Reason: err.Error()})
		return
	}
	ctx, cancel := context.WithCancelCause(n.base)
	defer cancel(nil)
	n.table.Attach(id, cancel)

	window := bufpool.NewWindow(int(offer.ChunkSize), n.cfg.Params.Window)
	conn.Start(ctx, window)
	n.logger.Info("offer received", "session_id", id, "peer_id", peerID, "sender", offer.SenderName, "file", name, "size", offer.Size)

	decided := n.awaitDecision(ctx, id, conn)
	timer.Stop()
	if !decided {
		return
	}

	sink, err := transfer.CreateSink(n.cfg.DestDir, name, offer.Size)
	if err != nil {
		ferr := faults.Wrap(faults.LocalIOError, "create destination", err)
		n.table.Fail(id, ferr)
		conn.Fail(ferr)
		return
	}
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	err = conn.WriteAnswer(transfer.Answer{Status: transfer.AnswerAccepted})
	stopClose()
	if err != nil {
		sink.Discard()
		n.table.Fail(id, faults.Wrap(faults.TransportError, "send answer", err))
		return
	}
	if offer.Size > 0 {
		if _, err := n.table.Start(id); err != nil {
			sink.Discard()
			n.abandon(ctx, conn)
			return
		}
	}

	meta := transfer.Meta{Name: name, Size: offer.Size, Hash: offer.Hash}
	st := &transfer.Streamer{Params: n.cfg.Params, Clock: n.clk}
	path, err := st.Receive(ctx, conn, sink, meta, offer.ChunkSize, n.progressFn(id, offer.Size))
	n.finish(id, meta, path, err)
}

// awaitDecision waits for the local decision on an inbound offer while watching
// the stream for a withdrawal. It reports whether the offer was accepted.
func (n *Node) awaitDecision(ctx context.Context, id string, conn *transfer.Conn) bool {
	decided, err := n.table.Decided(id)
	if err != nil {
		return false
	}
	select {
	case <-decided:
	case f, ok := <-conn.Frames():
		switch m := f.(type) {
		case transfer.Withdraw:
			n.table.TimeOut(id, n.cfg.ConsentTimeout)
			n.logger.Info("offer withdrawn", "session_id", id, "reason", m.Reason)
		case transfer.Cancel:
			n.table.Cancel(id, "cancelled by peer: "+m.Reason)
		default:
			if !ok {
				n.table.Fail(id, closedBeforeAnswer(conn.Err()))
			} else {
				err := faults.Newf(faults.ProtocolViolation, "unexpected %T frame before answer", f)
				n.table.Fail(id, err)
				conn.Abort(err)
			}
		}
		return false
	}

	info, _ := n.table.Get(id)
	switch info.State {
	case session.Accepted:
		return true
	case session.Denied:
		conn.Refuse(transfer.Answer{Status: transfer.AnswerDeclined, Reason: reasonOf(info)})
	case session.TimedOut:
		conn.Refuse(transfer.Answer{Status: transfer.AnswerExpired, Reason: reasonOf(info)})
	default:
		n.abandon(ctx, conn)
	}
	return false
}

func validateOffer(o transfer.Offer) error {
	switch {
	case o.SessionID == "":
		return errors.New("offer without session id")
	case o.Size < 0:
		return fmt.Errorf("negative file size %d", o.Size)
	case o.ChunkSize == 0 || o.ChunkSize > transfer.MaxChunkSize:
		return fmt.Errorf("chunk size %d out of range", o.ChunkSize)
	}
	return nil
}

// progressFn advances the session byte count and publishes throttled progress.
func (n *Node) progressFn(id string, size int64) transfer.ProgressFn {
	meter := progress.NewMeter(n.clk.Now)
	meter.Start(size)
	throttle := progress.NewThrottle(n.cfg.ProgressInterval, n.clk.Now)
	return func(delta int64) {
		total, err := n.table.AddBytes(id, delta)
		if err != nil {
			return
		}
		meter.Add(delta)
		if throttle.Allow() || total == size {
			n.table.Report(meter.Event(id))
		}
	}
}

// finish records the outcome of a streamed session. A session already ended by
// a cancel, a lost peer or a timer keeps that outcome.
func (n *Node) finish(id string, meta transfer.Meta, path string, err error) {
	if err == nil {
		if _, terr := n.table.Complete(id, meta.Size); terr != nil {
			// the session ended while the file was committed; only completed
			// sessions leave a file under its final name
			if path != "" {
				if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
					n.logger.Warn("failed to remove file of ended session", "session_id", id, "path", path, "error", rerr)
				}
			}
			return
		}
		if path != "" {
			n.logger.Info("file received", "session_id", id, "path", path, "size", meta.Size)
		} else {
			n.logger.Info("file sent", "session_id", id, "file", meta.Name, "size", meta.Size)
		}
		return
	}
	var terr error
	if faults.KindOf(err) == faults.Cancelled {
		_, terr = n.table.Cancel(id, faults.As(err, faults.Cancelled).Reason)
	} else {
		_, terr = n.table.Fail(id, err)
	}
	if terr == nil {
		n.logger.Warn("transfer failed", "session_id", id, "error", err)
	}
}

func closedBeforeAnswer(err error) *faults.Error {
	if err == nil || errors.Is(err, io.EOF) {
		return faults.New(faults.TransportError, "stream closed before answer")
	}
	if faults.KindOf(err) != faults.Unknown {
		return faults.As(err, faults.TransportError)
	}
	return faults.Wrap(faults.TransportError, "stream closed before answer", err)
}

func reasonOf(info session.Info) string {
	if info.Err != nil {
		return info.Err.Reason
	}
	return info.State.String()
}
