// Package wsclient talks to a node's shell bridge.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/dropzone/internal/events"
	"github.com/sheerbytes/dropzone/pkg/protocol"
)

const eventQueue = 1024

// ErrClosed is returned by requests on a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is a connection to the shell bridge. Requests may be issued
// concurrently; replies are matched by message id.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	hello    protocol.Hello
	sendChan chan protocol.Envelope
	quit     chan struct{}
	done     chan struct{}
	readDone chan struct{}
	writeMu  sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
	queue   *events.Queue[protocol.Event]
	events  chan protocol.Event

	closeOnce sync.Once
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Dial connects to wsURL (for example ws://127.0.0.1:7878/ws) and waits for
// the bridge's hello.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	var first protocol.Envelope
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	var hello protocol.Hello
	if first.Type != protocol.TypeHello || first.DecodePayload(&hello) != nil {
		conn.Close()
		return nil, fmt.Errorf("expected hello, got %q", first.Type)
	}
	conn.SetReadDeadline(time.Time{})

	c := &Conn{
		conn:     conn,
		logger:   logger,
		hello:    hello,
		sendChan: make(chan protocol.Envelope, 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		pending:  make(map[string]chan protocol.Envelope),
		queue:    events.NewQueue(eventQueue, isProgress),
		events:   make(chan protocol.Event),
	}

	go c.writeLoop()
	go c.readLoop()
	go c.deliverEvents()
	return c, nil
}

// Hello returns the node identity sent on connect.
func (c *Conn) Hello() protocol.Hello {
	return c.hello
}

// Events returns pushed engine events. It is closed when the connection ends
// and every queued event was delivered, or when Close is called. Once
// eventQueue events are waiting, the oldest progress event is dropped; other
// events are never dropped.
func (c *Conn) Events() <-chan protocol.Event {
	return c.events
}

func isProgress(ev protocol.Event) bool {
	return ev.Kind == protocol.EventProgress
}

func (c *Conn) deliverEvents() {
	defer close(c.events)
	for {
		ev, ok := c.queue.Pop(c.quit)
		if !ok {
			return
		}
		select {
		case c.events <- ev:
		case <-c.quit:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	defer c.queue.Close()
	defer c.failPending()

	c.conn.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}

		if env.ReplyTo != "" {
			c.mu.Lock()
			ch, ok := c.pending[env.ReplyTo]
			delete(c.pending, env.ReplyTo)
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		if env.Type == protocol.TypeEvent {
			var ev protocol.Event
			if err := env.DecodePayload(&ev); err != nil {
				c.logger.Warn("invalid event payload", "error", err)
				continue
			}
			if !c.queue.Push(ev) {
				c.logger.Debug("progress event dropped", "session_id", ev.SessionID)
			}
		}
	}
}

func (c *Conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pending = nil
}

// Request sends a request and decodes the reply payload into out (which may be
// nil). An error reply is returned as a protocol.Error.
func (c *Conn) Request(ctx context.Context, msgType string, payload, out any) error {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		return err
	}

	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[env.MsgID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, env.MsgID)
		}
		c.mu.Unlock()
	}()

	if err := c.send(ctx, env); err != nil {
		return err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if reply.Type == protocol.TypeError {
			var perr protocol.Error
			if err := reply.DecodePayload(&perr); err != nil {
				return fmt.Errorf("undecodable error reply: %w", err)
			}
			return perr
		}
		if out == nil {
			return nil
		}
		return reply.DecodePayload(out)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) ListPeers(ctx context.Context) ([]protocol.PeerInfo, error) {
	var list protocol.PeerList
	if err := c.Request(ctx, protocol.TypeListPeers, nil, &list); err != nil {
		return nil, err
	}
	return list.Peers, nil
}

func (c *Conn) Sessions(ctx context.Context) ([]protocol.SessionInfo, error) {
	var list protocol.SessionList
	if err := c.Request(ctx, protocol.TypeListSessions, nil, &list); err != nil {
		return nil, err
	}
	return list.Sessions, nil
}

// Offer asks the node to send the file at path (on the node's machine) to peerID.
func (c *Conn) Offer(ctx context.Context, peerID, path string) (string, error) {
	var res protocol.OfferResult
	if err := c.Request(ctx, protocol.TypeOffer, protocol.OfferRequest{PeerID: peerID, Path: path}, &res); err != nil {
		return "", err
	}
	return res.SessionID, nil
}

func (c *Conn) Respond(ctx context.Context, sessionID string, accept bool) error {
	return c.Request(ctx, protocol.TypeRespond, protocol.RespondRequest{SessionID: sessionID, Accept: accept}, nil)
}

func (c *Conn) Cancel(ctx context.Context, sessionID string) error {
	return c.Request(ctx, protocol.TypeCancel, protocol.CancelRequest{SessionID: sessionID}, nil)
}

func (c *Conn) send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-c.readDone:
		return ErrClosed
	default:
	}
	select {
	case c.sendChan <- env:
		return nil
	case <-c.quit:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop handles serialized writes to the WebSocket connection.
func (c *Conn) writeLoop() {
	defer close(c.done)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case env := <-c.sendChan:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.conn.WriteJSON(env)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Error("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.readDone:
			return
		case <-c.quit:
			return
		}
	}
}

// Close closes the connection and waits for both loops to stop.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.done
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.readDone
	})
	return err
}
