package remote

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/dropzone/internal/cli/serve"
	"github.com/sheerbytes/dropzone/internal/config"
	"github.com/sheerbytes/dropzone/internal/logging"
	"github.com/sheerbytes/dropzone/internal/transfer"
	"github.com/sheerbytes/dropzone/internal/wsclient"
	"github.com/sheerbytes/dropzone/pkg/protocol"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startNode serves a node on mock and returns a shell connected to it and the
// node's destination directory.
func startNode(t *testing.T, mock *transfer.MockNetwork, id, name string) (*wsclient.Conn, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dest := t.TempDir()
	cfg := config.NodeConfig{ID: id, Name: name, DestDir: dest, ChunkSize: 16 * 1024, Window: 4}

	sub := mock.Join(id, name)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		serve.Serve(ctx, cfg, sub, ln, logging.Discard())
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	shell, err := wsclient.Dial(dialCtx, "ws://"+ln.Addr().String()+"/ws", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		shell.Close()
		cancel()
		<-done
	})
	return shell, dest
}

func linked(t *testing.T) (*transfer.MockNetwork, *wsclient.Conn, *wsclient.Conn, string) {
	t.Helper()
	mock := transfer.NewMockNetwork()
	shellA, _ := startNode(t, mock, "a", "alpha")
	shellB, destB := startNode(t, mock, "b", "beta")
	mock.Link("a", "b")
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		peers, err := shellA.ListPeers(ctx)
		return err == nil && len(peers) == 1
	}, 5*time.Second, 10*time.Millisecond)
	return mock, shellA, shellB, destB
}

func writeFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("z"), size), 0o644))
	return path
}

func answerWhenPrompted(out *syncBuffer, w io.Writer, prompt, answer string) {
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(out.String(), prompt) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	w.Write([]byte(answer + "\n"))
}

func TestListPeers(t *testing.T) {
	_, shellA, _, _ := linked(t)

	var out bytes.Buffer
	require.NoError(t, listPeers(context.Background(), shellA, &out))
	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), "beta")
	assert.Contains(t, out.String(), "mock://b")
}

func TestSendAcceptedFromPrompt(t *testing.T) {
	_, shellA, shellB, destB := linked(t)
	path := writeFile(t, "slides.key", 50_000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pr, pw := io.Pipe()
	defer pw.Close()
	var watchOut syncBuffer
	watchDone := make(chan error, 1)
	go func() { watchDone <- watch(ctx, shellB, &watchOut, pr, 5*time.Second) }()

	go answerWhenPrompted(&watchOut, pw, "accept slides.key", "y")

	var sendOut syncBuffer
	final, err := send(context.Background(), shellA, &sendOut, "beta", path, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "completed", final.New, final.Reason)

	got, err := os.ReadFile(filepath.Join(destB, "slides.key"))
	require.NoError(t, err)
	assert.Len(t, got, 50_000)
	assert.Contains(t, sendOut.String(), "slides.key")

	require.Eventually(t, func() bool {
		return strings.Contains(watchOut.String(), "-> completed")
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-watchDone)
	assert.Contains(t, watchOut.String(), "offer <- alpha: slides.key")
}

func TestSendDeniedFromPrompt(t *testing.T) {
	_, shellA, shellB, _ := linked(t)
	path := writeFile(t, "secret.txt", 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pr, pw := io.Pipe()
	defer pw.Close()
	var watchOut syncBuffer
	go watch(ctx, shellB, &watchOut, pr, 5*time.Second)
	go answerWhenPrompted(&watchOut, pw, "accept secret.txt", "no")

	final, err := send(context.Background(), shellA, io.Discard, "b", path, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "denied", final.New)
}

func TestWatchAutoAccept(t *testing.T) {
	_, shellA, shellB, destB := linked(t)
	path := writeFile(t, "empty.bin", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watch(ctx, shellB, io.Discard, nil, 5*time.Second)

	final, err := send(context.Background(), shellA, io.Discard, "beta", path, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "completed", final.New)
	_, err = os.Stat(filepath.Join(destB, "empty.bin"))
	assert.NoError(t, err)
}

func TestSendUnknownPeer(t *testing.T) {
	_, shellA, _, _ := linked(t)
	_, err := send(context.Background(), shellA, io.Discard, "gamma", "/nope", time.Second)
	assert.ErrorContains(t, err, `no peer named "gamma"`)
}

func TestResolvePeer(t *testing.T) {
	peers := []protocol.PeerInfo{
		{ID: "p1", Name: "Laptop"},
		{ID: "p2", Name: "desk"},
		{ID: "p3", Name: "desk"},
	}

	p, err := resolvePeer(peers, "p2")
	require.NoError(t, err)
	assert.Equal(t, "p2", p.ID)

	p, err = resolvePeer(peers, "laptop")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	_, err = resolvePeer(peers, "desk")
	assert.ErrorContains(t, err, "p2, p3")

	_, err = resolvePeer(peers, "phone")
	assert.Error(t, err)
}

func TestTrackerFoldsEvents(t *testing.T) {
	tr := newTracker()
	tr.learnPeers([]protocol.PeerInfo{{ID: "p1", Name: "laptop"}})

	tr.apply(protocol.Event{Kind: protocol.EventSessionOffered, SessionID: "s1", PeerID: "p1",
		File: &protocol.File{Name: "a.txt", Size: 200}})
	tr.apply(protocol.Event{Kind: protocol.EventProgress, SessionID: "s1", Bytes: 50, Total: 200, RateBps: 10, ETAMillis: 1500})

	rows := tr.view()
	require.Len(t, rows, 1)
	assert.Equal(t, "laptop", rows[0].Peer)
	assert.Equal(t, "out", rows[0].Direction)
	assert.Equal(t, "a.txt", rows[0].File)
	assert.InDelta(t, 25.0, rows[0].Stats.Percent, 0.001)
	assert.Equal(t, 1500*time.Millisecond, rows[0].Stats.ETA)

	tr.apply(protocol.Event{Kind: protocol.EventStateChanged, SessionID: "s1", Old: "transferring", New: "completed"})
	rows = tr.view()
	assert.Equal(t, "completed", rows[0].State)
	assert.Equal(t, int64(200), rows[0].Stats.BytesDone)
	assert.InDelta(t, 100.0, rows[0].Stats.Percent, 0.001)

	tr.apply(protocol.Event{Kind: protocol.EventStateChanged, SessionID: "s2", PeerID: "p9", Old: "offered", New: "failed", Reason: "peer lost"})
	rows = tr.view()
	require.Len(t, rows, 2)
	assert.Equal(t, "p9", rows[1].Peer)
	assert.Equal(t, "peer lost", rows[1].Reason)
}

func TestTrackerDescribe(t *testing.T) {
	tr := newTracker()
	tr.apply(protocol.Event{Kind: protocol.EventPeerArrived, PeerID: "p1", Peer: &protocol.PeerInfo{ID: "p1", Name: "laptop", Address: "10.0.0.2:4000"}})

	assert.Equal(t, "peer + laptop (p1) at 10.0.0.2:4000",
		tr.describe(protocol.Event{Kind: protocol.EventPeerArrived, PeerID: "p1", Peer: &protocol.PeerInfo{Address: "10.0.0.2:4000"}}))
	assert.Equal(t, "peer - laptop (p1)", tr.describe(protocol.Event{Kind: protocol.EventPeerLost, PeerID: "p1"}))
	assert.Equal(t, "[abcdef12] offer <- laptop: a.txt (2.0 KiB)", tr.describe(protocol.Event{
		Kind: protocol.EventSessionOffered, SessionID: "abcdef1234", PeerID: "p1", Inbound: true,
		File: &protocol.File{Name: "a.txt", Size: 2048},
	}))
	assert.Equal(t, "[s1] offered -> timed_out: no answer", tr.describe(protocol.Event{
		Kind: protocol.EventStateChanged, SessionID: "s1", Old: "offered", New: "timed_out", Reason: "no answer",
	}))
	assert.Empty(t, tr.describe(protocol.Event{Kind: protocol.EventProgress, SessionID: "s1"}))
}

// silentBridge answers requests like a node whose pushed events never reach the
// shell: the offer completes but only list_sessions says so.
func silentBridge(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hello, _ := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{NodeID: "a", Name: "alpha", Version: protocol.ProtocolVersion})
		if conn.WriteJSON(hello) != nil {
			return
		}
		polls := 0
		for {
			var req protocol.Envelope
			if conn.ReadJSON(&req) != nil {
				return
			}
			var reply protocol.Envelope
			switch req.Type {
			case protocol.TypeListPeers:
				reply, _ = protocol.NewReply(req, protocol.TypePeerList, protocol.PeerList{Peers: []protocol.PeerInfo{{ID: "b", Name: "beta"}}})
			case protocol.TypeOffer:
				reply, _ = protocol.NewReply(req, protocol.TypeOfferResult, protocol.OfferResult{SessionID: "s1"})
			case protocol.TypeListSessions:
				state := "transferring"
				if polls++; polls > 2 {
					state = "completed"
				}
				reply, _ = protocol.NewReply(req, protocol.TypeSessionList, protocol.SessionList{Sessions: []protocol.SessionInfo{{
					ID: "s1", PeerID: "b", File: protocol.File{Name: "a.txt", Size: 3}, State: state, Bytes: 3,
				}}})
			default:
				reply = protocol.NewErrorReply(req, protocol.CodeUnknownType, req.Type)
			}
			if conn.WriteJSON(reply) != nil {
				return
			}
		}
	}))
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func TestSendFallsBackToSessionSnapshot(t *testing.T) {
	old := pollInterval
	pollInterval = 20 * time.Millisecond
	t.Cleanup(func() { pollInterval = old })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := wsclient.Dial(ctx, silentBridge(t), logging.Discard())
	require.NoError(t, err)
	defer c.Close()

	final, err := send(ctx, c, io.Discard, "beta", "/srv/a.txt", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "completed", final.New)
	assert.Equal(t, "s1", final.SessionID)
}
