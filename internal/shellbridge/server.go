// Package shellbridge exposes a node to local shells (a GUI or the dropzone
// CLI) over a websocket speaking pkg/protocol envelopes.
package shellbridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/dropzone/internal/events"
	"github.com/sheerbytes/dropzone/internal/faults"
	"github.com/sheerbytes/dropzone/internal/registry"
	"github.com/sheerbytes/dropzone/internal/session"
	"github.com/sheerbytes/dropzone/pkg/protocol"
)

// Engine is the part of a node the bridge drives.
type Engine interface {
	ListPeers() []registry.Peer
	OfferTransfer(ctx context.Context, peerID, path string) (string, error)
	RespondToOffer(id string, accept bool) error
	Cancel(id string) error
	Sessions() []session.Info
	Events() <-chan events.Event
}

// Config tunes the websocket side.
type Config struct {
	NodeID string
	Name   string

	IdleTimeout     time.Duration
	MaxMessageBytes int64
	OfferTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = 30 * time.Second
	}
	return c
}

// Server serves /ws and /health.
type Server struct {
	cfg      Config
	engine   Engine
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a bridge for engine. Call Run to start pushing events.
func New(cfg Config, engine Engine, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg.withDefaults(),
		engine: engine,
		hub:    NewHub(),
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: sameHostOrigin,
		},
	}
}

// sameHostOrigin admits non-browser clients and pages served from a loopback
// host.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Handler returns the HTTP routes of the bridge.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "shells": s.hub.Len()})
	})
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Run forwards engine events to every connected shell until ctx ends or the
// engine's event stream closes.
func (s *Server) Run(ctx context.Context) error {
	defer s.hub.CloseAll()
	stream := s.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream:
			if !ok {
				return nil
			}
			env, err := protocol.NewEnvelope(protocol.TypeEvent, protocol.NewMsgID(), EventFrom(ev))
			if err != nil {
				s.logger.Error("failed to create event envelope", "error", err)
				continue
			}
			env.SessionID = events.SessionID(ev)
			if events.IsProgress(ev) {
				s.hub.BroadcastProgress(env)
			} else {
				s.hub.Broadcast(env)
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	var writeMu sync.Mutex
	idle := s.cfg.IdleTimeout
	conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(idle))
		writeMu.Lock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
		writeMu.Unlock()
		return err
	})

	sendFunc := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(env)
	}

	connID := protocol.NewMsgID()
	hello, err := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{
		NodeID:  s.cfg.NodeID,
		Name:    s.cfg.Name,
		Version: protocol.ProtocolVersion,
	})
	if err != nil {
		s.logger.Error("failed to create hello envelope", "error", err)
		return
	}
	remove := s.hub.Add(connID, sendFunc, hello)
	defer remove()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(idle / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				writeMu.Unlock()
			}
		}
	}()

	s.logger.Info("shell connected", "conn_id", connID, "remote_addr", r.RemoteAddr)
	defer s.logger.Info("shell disconnected", "conn_id", connID)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Info("websocket idle timeout", "conn_id", connID)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(idle))

		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("invalid JSON envelope", "error", err, "conn_id", connID)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			s.logger.Warn("invalid envelope", "error", err, "conn_id", connID)
			sendFunc(protocol.NewErrorReply(env, protocol.CodeBadRequest, err.Error()))
			continue
		}

		if err := sendFunc(s.dispatch(r.Context(), env)); err != nil {
			s.logger.Warn("failed to send reply", "error", err, "conn_id", connID)
			return
		}
	}
}

// dispatch runs one request and builds its reply.
func (s *Server) dispatch(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	reply := func(msgType string, payload any) protocol.Envelope {
		out, err := protocol.NewReply(env, msgType, payload)
		if err != nil {
			return protocol.NewErrorReply(env, protocol.CodeInternal, err.Error())
		}
		return out
	}

	switch env.Type {
	case protocol.TypeListPeers:
		peers := s.engine.ListPeers()
		list := protocol.PeerList{Peers: make([]protocol.PeerInfo, 0, len(peers))}
		for _, p := range peers {
			list.Peers = append(list.Peers, PeerFrom(p))
		}
		return reply(protocol.TypePeerList, list)

	case protocol.TypeListSessions:
		infos := s.engine.Sessions()
		list := protocol.SessionList{Sessions: make([]protocol.SessionInfo, 0, len(infos))}
		for _, info := range infos {
			list.Sessions = append(list.Sessions, SessionFrom(info))
		}
		return reply(protocol.TypeSessionList, list)

	case protocol.TypeOffer:
		var req protocol.OfferRequest
		if err := env.DecodePayload(&req); err != nil || req.PeerID == "" || req.Path == "" {
			return protocol.NewErrorReply(env, protocol.CodeBadRequest, "offer needs peer_id and path")
		}
		ctx, cancel := context.WithTimeout(ctx, s.cfg.OfferTimeout)
		defer cancel()
		id, err := s.engine.OfferTransfer(ctx, req.PeerID, req.Path)
		if err != nil {
			return errorReply(env, err)
		}
		out := reply(protocol.TypeOfferResult, protocol.OfferResult{SessionID: id})
		out.SessionID = id
		return out

	case protocol.TypeRespond:
		var req protocol.RespondRequest
		if err := env.DecodePayload(&req); err != nil || req.SessionID == "" {
			return protocol.NewErrorReply(env, protocol.CodeBadRequest, "respond needs session_id")
		}
		if err := s.engine.RespondToOffer(req.SessionID, req.Accept); err != nil {
			return errorReply(env, err)
		}
		return reply(protocol.TypeOK, nil)

	case protocol.TypeCancel:
		var req protocol.CancelRequest
		if err := env.DecodePayload(&req); err != nil || req.SessionID == "" {
			return protocol.NewErrorReply(env, protocol.CodeBadRequest, "cancel needs session_id")
		}
		if err := s.engine.Cancel(req.SessionID); err != nil {
			return errorReply(env, err)
		}
		return reply(protocol.TypeOK, nil)

	default:
		return protocol.NewErrorReply(env, protocol.CodeUnknownType, "unknown message type: "+env.Type)
	}
}

func errorReply(env protocol.Envelope, err error) protocol.Envelope {
	code := protocol.CodeInternal
	if kind := faults.KindOf(err); kind != faults.Unknown {
		code = kind.String()
	}
	return protocol.NewErrorReply(env, code, err.Error())
}
