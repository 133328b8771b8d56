// Package remote implements the CLI subcommands that drive a running node
// through its shell bridge.
package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sheerbytes/dropzone/internal/config"
	"github.com/sheerbytes/dropzone/internal/logging"
	"github.com/sheerbytes/dropzone/internal/progress"
	"github.com/sheerbytes/dropzone/internal/termio"
	"github.com/sheerbytes/dropzone/internal/wsclient"
	"github.com/sheerbytes/dropzone/pkg/protocol"
)

// cancelGrace bounds how long send waits for the node to confirm a cancel.
const cancelGrace = 5 * time.Second

// pollInterval is how often send asks for the session snapshot while waiting,
// so an outcome is still seen if its event never arrives.
var pollInterval = 5 * time.Second

// Peers prints the peers the node can reach.
func Peers(args []string) int {
	cfg, code := parse("peers", args)
	if code >= 0 {
		return code
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	c, err := dial(ctx, cfg, "dropzone-peers")
	if err != nil {
		return fail(err)
	}
	defer c.Close()

	if err := listPeers(ctx, c, termio.Stdout()); err != nil {
		return fail(err)
	}
	return 0
}

// Send offers a file to a peer and shows progress until the session ends.
func Send(args []string) int {
	cfg, code := parse("send", args)
	if code >= 0 {
		return code
	}
	if len(cfg.Args) != 2 {
		printUsage("send")
		return 2
	}
	path, err := filepath.Abs(cfg.Args[1])
	if err != nil {
		return fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	c, err := dial(dialCtx, cfg, "dropzone-send")
	if err != nil {
		return fail(err)
	}
	defer c.Close()

	final, err := send(ctx, c, termio.Stdout(), cfg.Args[0], path, cfg.Timeout)
	if err != nil {
		return fail(err)
	}
	if final.New != "completed" {
		fmt.Fprintf(termio.Stderr(), "transfer %s: %s\n", final.New, final.Reason)
		return 1
	}
	return 0
}

// Watch prints engine events and answers inbound offers, either from stdin or
// automatically with -accept.
func Watch(args []string) int {
	cfg, code := parse("watch", args)
	if code >= 0 {
		return code
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	c, err := dial(dialCtx, cfg, "dropzone-watch")
	if err != nil {
		return fail(err)
	}
	defer c.Close()

	var in io.Reader = os.Stdin
	if cfg.Accept {
		in = nil
	}
	if err := watch(ctx, c, termio.Stdout(), in, cfg.Timeout); err != nil {
		return fail(err)
	}
	return 0
}

func parse(name string, args []string) (config.ShellConfig, int) {
	if hasHelpFlag(args) {
		printUsage(name)
		return config.ShellConfig{}, 0
	}
	cfg, err := config.ParseShellConfig(name, args)
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "%s: %v\n", name, err)
		return config.ShellConfig{}, 2
	}
	return cfg, -1
}

func dial(ctx context.Context, cfg config.ShellConfig, app string) (*wsclient.Conn, error) {
	logger := logging.NewWithWriter(termio.Stderr(), app, cfg.LogLevel)
	c, err := wsclient.Dial(ctx, cfg.ShellURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to node at %s: %w (is `dropzone serve` running?)", cfg.ShellURL, err)
	}
	return c, nil
}

func fail(err error) int {
	fmt.Fprintf(termio.Stderr(), "error: %v\n", err)
	return 1
}

func listPeers(ctx context.Context, c *wsclient.Conn, w io.Writer) error {
	peers, err := c.ListPeers(ctx)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Fprintln(w, "no peers found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tOS\tSTATE\tLAST SEEN")
	for _, p := range peers {
		seen := "-"
		if !p.LastSeen.IsZero() {
			seen = p.LastSeen.Local().Format(time.TimeOnly)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Address, p.OS, p.Liveness, seen)
	}
	return tw.Flush()
}

// resolvePeer finds a peer by exact id, then by unique display name.
func resolvePeer(peers []protocol.PeerInfo, ref string) (protocol.PeerInfo, error) {
	for _, p := range peers {
		if p.ID == ref {
			return p, nil
		}
	}
	var match []protocol.PeerInfo
	for _, p := range peers {
		if strings.EqualFold(p.Name, ref) {
			match = append(match, p)
		}
	}
	switch len(match) {
	case 0:
		return protocol.PeerInfo{}, fmt.Errorf("no peer named %q", ref)
	case 1:
		return match[0], nil
	}
	ids := make([]string, len(match))
	for i, p := range match {
		ids[i] = p.ID
	}
	return protocol.PeerInfo{}, fmt.Errorf("%q matches several peers (%s), use the id", ref, strings.Join(ids, ", "))
}

// send offers path to the peer named by ref and renders progress until the
// session reaches a terminal state, which it returns. Cancelling ctx cancels
// the session.
func send(ctx context.Context, c *wsclient.Conn, w io.Writer, ref, path string, timeout time.Duration) (protocol.Event, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	peers, err := c.ListPeers(reqCtx)
	if err != nil {
		return protocol.Event{}, err
	}
	peer, err := resolvePeer(peers, ref)
	if err != nil {
		return protocol.Event{}, err
	}
	id, err := c.Offer(reqCtx, peer.ID, path)
	if err != nil {
		return protocol.Event{}, err
	}

	t := newTracker()
	t.learnPeers(peers)
	if sessions, err := c.Sessions(reqCtx); err == nil {
		for _, s := range sessions {
			if s.ID == id {
				t.seed(s)
			}
		}
	}

	header := fmt.Sprintf("sending %s to %s, waiting for them to accept", filepath.Base(path), peer.Name)
	stopRender := progress.RenderSessions(context.Background(), w, header, func() []progress.Row {
		rows := t.view()
		for i := range rows {
			if rows[i].Session == id {
				return rows[i : i+1]
			}
		}
		return nil
	})
	defer stopRender()

	interrupted := ctx.Done()
	var deadline <-chan time.Time
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	for {
		select {
		case <-poll.C:
			if ev, ok := polledOutcome(ctx, c, id, timeout); ok {
				t.apply(ev)
				return ev, nil
			}
		case ev, ok := <-c.Events():
			if !ok {
				return protocol.Event{}, errors.New("node closed the connection")
			}
			if ev.SessionID != id {
				continue
			}
			t.apply(ev)
			if ev.Terminal() {
				return ev, nil
			}
		case <-interrupted:
			interrupted = nil
			cctx, ccancel := context.WithTimeout(context.Background(), timeout)
			if err := c.Cancel(cctx, id); err != nil {
				fmt.Fprintf(w, "cancel not delivered: %v\n", err)
			}
			ccancel()
			deadline = time.After(cancelGrace)
		case <-deadline:
			return protocol.Event{Kind: protocol.EventStateChanged, SessionID: id, New: "cancelled", Reason: "interrupted"}, nil
		}
	}
}

// polledOutcome reports the session's terminal state from a list_sessions
// snapshot, shaped like the state_changed event that announced it.
func polledOutcome(ctx context.Context, c *wsclient.Conn, id string, timeout time.Duration) (protocol.Event, bool) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sessions, err := c.Sessions(pctx)
	if err != nil {
		return protocol.Event{}, false
	}
	for _, s := range sessions {
		if s.ID != id {
			continue
		}
		ev := protocol.Event{
			Kind:      protocol.EventStateChanged,
			SessionID: id,
			PeerID:    s.PeerID,
			New:       s.State,
			Bytes:     s.Bytes,
			ErrKind:   s.ErrKind,
			Reason:    s.Reason,
		}
		return ev, ev.Terminal()
	}
	return protocol.Event{}, false
}

// watch prints events until ctx ends. Inbound offers are answered from lines
// read on in ("y" accepts, anything else denies), oldest first. A nil in
// accepts every offer.
func watch(ctx context.Context, c *wsclient.Conn, w io.Writer, in io.Reader, timeout time.Duration) error {
	t := newTracker()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	peers, err := c.ListPeers(reqCtx)
	cancel()
	if err != nil {
		return err
	}
	t.learnPeers(peers)

	hello := c.Hello()
	fmt.Fprintf(w, "watching %s (%s), %d peer(s) reachable\n", hello.Name, hello.NodeID, len(peers))

	var answers <-chan string
	if in != nil {
		answers = readLines(in)
	}
	var pending []string
	prompt := func() {
		if len(pending) == 0 {
			return
		}
		for _, row := range t.view() {
			if row.Session == pending[0] {
				fmt.Fprintf(w, "accept %s (%s) from %s? [y/N] ", row.File, progress.FormatBytes(row.Stats.Total), row.Peer)
				return
			}
		}
	}
	respond := func(id string, accept bool) {
		rctx, rcancel := context.WithTimeout(ctx, timeout)
		defer rcancel()
		if err := c.Respond(rctx, id, accept); err != nil {
			fmt.Fprintf(w, "[%s] answer not delivered: %v\n", short(id), err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return errors.New("node closed the connection")
			}
			t.apply(ev)
			if line := t.describe(ev); line != "" {
				fmt.Fprintln(w, line)
			}
			switch {
			case ev.Kind == protocol.EventSessionOffered && ev.Inbound:
				if in == nil {
					respond(ev.SessionID, true)
					continue
				}
				pending = append(pending, ev.SessionID)
				if len(pending) == 1 {
					prompt()
				}
			case ev.Kind == protocol.EventStateChanged && ev.Old == "offered":
				for i, id := range pending {
					if id == ev.SessionID {
						pending = append(pending[:i], pending[i+1:]...)
						if i == 0 {
							prompt()
						}
						break
					}
				}
			}
		case line, ok := <-answers:
			if !ok {
				answers = nil
				continue
			}
			if len(pending) == 0 {
				continue
			}
			id := pending[0]
			pending = pending[1:]
			answer := strings.ToLower(strings.TrimSpace(line))
			respond(id, answer == "y" || answer == "yes")
			prompt()
		}
	}
}

func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}

func printUsage(name string) {
	switch name {
	case "peers":
		fmt.Fprintln(termio.Stderr(), "usage: dropzone peers [-shell-url URL]")
	case "send":
		fmt.Fprintln(termio.Stderr(), "usage: dropzone send [-shell-url URL] <peer> <path>")
		fmt.Fprintln(termio.Stderr(), "  <peer> is a peer id or display name from `dropzone peers`")
	case "watch":
		fmt.Fprintln(termio.Stderr(), "usage: dropzone watch [-shell-url URL] [-accept]")
		fmt.Fprintln(termio.Stderr(), "  answer each inbound offer with y or n, or pass -accept to take them all")
	}
	fmt.Fprintln(termio.Stderr(), "  -shell-url URL     node shell bridge (default ws://127.0.0.1:7878/ws)")
	fmt.Fprintln(termio.Stderr(), "  -timeout DURATION  request timeout (default 10s)")
	fmt.Fprintln(termio.Stderr(), "  -log-level LEVEL   debug, info, warn or error (default warn)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}
