package wsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/dropzone/internal/logging"
	"github.com/sheerbytes/dropzone/pkg/protocol"
)

// scriptedServer greets with first and hands every later request to handle.
func scriptedServer(t *testing.T, first protocol.Envelope, handle func(conn *websocket.Conn, req protocol.Envelope) bool) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteJSON(first); err != nil {
			return
		}
		for {
			var req protocol.Envelope
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if !handle(conn, req) {
				return
			}
		}
	}))
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func hello(t *testing.T) protocol.Envelope {
	env, err := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{NodeID: "n1", Name: "desk", Version: 1})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func dialTest(t *testing.T, url string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, logging.Discard())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialRequiresHello(t *testing.T) {
	env, _ := protocol.NewEnvelope(protocol.TypeEvent, "x", protocol.Event{Kind: protocol.EventPeerLost})
	url := scriptedServer(t, env, func(*websocket.Conn, protocol.Envelope) bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, url, logging.Discard()); err == nil {
		t.Fatal("Dial() accepted a server that did not say hello")
	}
}

func TestRequestReplyAndErrors(t *testing.T) {
	url := scriptedServer(t, hello(t), func(conn *websocket.Conn, req protocol.Envelope) bool {
		var reply protocol.Envelope
		switch req.Type {
		case protocol.TypeOffer:
			var offer protocol.OfferRequest
			req.DecodePayload(&offer)
			reply, _ = protocol.NewReply(req, protocol.TypeOfferResult, protocol.OfferResult{SessionID: "s-" + offer.PeerID})
		default:
			reply = protocol.NewErrorReply(req, "state_violation", "nope")
		}
		return conn.WriteJSON(reply) == nil
	})
	c := dialTest(t, url)

	if got := c.Hello().Name; got != "desk" {
		t.Errorf("Hello().Name = %q, want desk", got)
	}

	ctx := context.Background()
	id, err := c.Offer(ctx, "p1", "/tmp/a")
	if err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if id != "s-p1" {
		t.Errorf("Offer() = %q, want s-p1", id)
	}

	err = c.Cancel(ctx, "s-p1")
	var perr protocol.Error
	if !errors.As(err, &perr) || perr.Code != "state_violation" {
		t.Errorf("Cancel() error = %v, want state_violation", err)
	}
}

func TestEventsDelivered(t *testing.T) {
	url := scriptedServer(t, hello(t), func(conn *websocket.Conn, req protocol.Envelope) bool {
		ev, _ := protocol.NewEnvelope(protocol.TypeEvent, protocol.NewMsgID(), protocol.Event{
			Kind: protocol.EventProgress, SessionID: "s1", Bytes: 10, Total: 20,
		})
		conn.WriteJSON(ev)
		reply, _ := protocol.NewReply(req, protocol.TypeOK, nil)
		return conn.WriteJSON(reply) == nil
	})
	c := dialTest(t, url)

	if err := c.Respond(context.Background(), "s1", true); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	select {
	case ev := <-c.Events():
		if ev.Kind != protocol.EventProgress || ev.Bytes != 10 || ev.Total != 20 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
}

func TestServerHangupFailsPending(t *testing.T) {
	url := scriptedServer(t, hello(t), func(*websocket.Conn, protocol.Envelope) bool {
		return false
	})
	c := dialTest(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.ListPeers(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("ListPeers() error = %v, want ErrClosed", err)
	}

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Events() not closed after hangup")
	}

	if _, err := c.Sessions(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Sessions() after hangup error = %v, want ErrClosed", err)
	}
}

func TestEventBacklogKeepsStateChanges(t *testing.T) {
	url := scriptedServer(t, hello(t), func(conn *websocket.Conn, req protocol.Envelope) bool {
		for i := 0; i < eventQueue*2; i++ {
			ev, _ := protocol.NewEnvelope(protocol.TypeEvent, protocol.NewMsgID(), protocol.Event{
				Kind: protocol.EventProgress, SessionID: "s1", Bytes: int64(i),
			})
			if conn.WriteJSON(ev) != nil {
				return false
			}
		}
		done, _ := protocol.NewEnvelope(protocol.TypeEvent, protocol.NewMsgID(), protocol.Event{
			Kind: protocol.EventStateChanged, SessionID: "s1", Old: "transferring", New: "completed",
		})
		conn.WriteJSON(done)
		reply, _ := protocol.NewReply(req, protocol.TypeOK, nil)
		return conn.WriteJSON(reply) == nil
	})
	c := dialTest(t, url)

	// nothing reads Events until the whole backlog has arrived
	if err := c.Respond(context.Background(), "s1", true); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	progress := 0
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == protocol.EventProgress {
				progress++
				continue
			}
			if ev.New != "completed" {
				t.Fatalf("event = %+v, want completed", ev)
			}
			if progress > eventQueue {
				t.Errorf("received %d progress events, want at most %d", progress, eventQueue)
			}
			return
		case <-timeout:
			t.Fatalf("completed event lost after %d progress events", progress)
		}
	}
}
