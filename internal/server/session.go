// Package server manages individual chat sessions, handling read/write
// pumps, the per-connection join state machine, and lifecycle control.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/chatterup/chatterup/internal/store"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

var errStoreUnavailable = errors.New("message store not available")

// Session is the actor owning one connection's lifecycle. It starts
// unjoined, becomes joined on the first join event, and translates inbound
// events into registry, store, and fan-out operations.
//
// joined and name are only touched from the read pump goroutine; closed is
// guarded by the hub mutex.
type Session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	addr string

	closed bool
	joined bool
	name   string

	maxMessageSize int64
	limiter        *rate.Limiter
}

// NewSession creates a session for an accepted connection. The connection id
// is unique for the lifetime of the process and never reused.
func NewSession(conn *websocket.Conn, hub *Hub, addr string) *Session {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Session{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newMessageLimiter(cfg.RateLimit),
	}
}

// ID returns the process-unique connection id.
func (s *Session) ID() string {
	return s.id
}

// enqueue queues a frame for delivery to this connection only, before the
// session is visible to the hub. Used for the one-time history replay.
func (s *Session) enqueue(payload []byte) {
	if payload == nil {
		return
	}
	select {
	case s.send <- payload:
	default:
		slog.Warn("dropping pre-registration frame, send buffer full", "conn", s.id)
	}
}

func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Warn("error setting initial read deadline", "conn", s.id, "error", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			slog.Warn("error setting read deadline in pong handler", "conn", s.id, "error", err)
		}
		return nil
	})
}

// handleReadError logs the error by category and reports whether the read
// loop should stop.
func (s *Session) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		slog.Warn("frame exceeded maximum size", "conn", s.id, "limit", s.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		slog.Info("session closed", "conn", s.id, "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		slog.Info("connection closed", "conn", s.id, "reason", err)
	default:
		slog.Warn("websocket read error", "conn", s.id, "error", err)
	}
	return true
}

func (s *Session) readPump() {
	defer func() {
		// After shutdown the hub loop is gone and nothing drains unregister.
		select {
		case s.hub.unregister <- s:
		case <-s.hub.ctx.Done():
		}
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			slog.Warn("error closing connection in read pump", "conn", s.id, "error", err)
		}
	}()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if s.handleReadError(err) {
				break
			}
		}

		if s.limiter != nil && !s.limiter.Allow() {
			slog.Warn("rate limit exceeded, discarding frame", "conn", s.id)
			continue
		}

		s.dispatch(raw)
	}
}

// dispatch routes one inbound frame. Malformed frames and unknown types are
// dropped; the connection stays up.
func (s *Session) dispatch(raw []byte) {
	var evt inboundEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		slog.Warn("invalid frame", "conn", s.id, "error", err)
		return
	}

	switch evt.Type {
	case EventJoin:
		s.handleJoin(evt.Name)
	case EventSend:
		s.handleSend(evt.Text, evt.Profile)
	case EventTyping:
		s.handleTyping()
	case EventAvatar:
		s.handleAvatar(evt.URL)
	default:
		slog.Warn("unknown event type", "conn", s.id, "type", evt.Type)
	}
}

// handleJoin moves the session into the joined state. The registry update,
// roster broadcast, and arrival announcement are handed to the hub loop as
// one unit, so concurrent joins can never interleave and leave a stale
// roster as the last broadcast. A second join while already joined
// re-registers (the name and avatar are overwritten) but is not
// re-announced, so a confused client cannot spam join notices.
func (s *Session) handleJoin(name string) {
	if name == "" {
		return
	}

	rejoin := s.joined
	s.joined = true
	s.name = name
	s.hub.submitJoin(s, name, !rejoin)
}

// handleSend persists the message and broadcasts the stored copy, in that
// order. Nothing is broadcast for a message that failed to persist; the
// failure is acknowledged to the sender alone and the session stays usable.
func (s *Session) handleSend(text, profileOverride string) {
	if !s.joined || text == "" {
		return
	}

	profile := profileOverride
	if profile == "" {
		profile = s.hub.Registry().Avatar(s.id, currentConfig().DefaultAvatar)
	}

	stored, err := s.hub.AppendMessage(store.Message{
		Username: s.name,
		Text:     text,
		Profile:  profile,
	})
	if err != nil {
		slog.Warn("message persistence failed", "conn", s.id, "error", err)
		s.hub.SendTo(s.id, encodeError("message could not be saved"))
		return
	}
	s.hub.BroadcastAll(encodeMessage(stored))
}

func (s *Session) handleTyping() {
	if !s.joined {
		return
	}
	s.hub.BroadcastExcept(s.id, encodeTyping(s.name))
}

// handleAvatar updates the sender's avatar for future outgoing messages.
// No broadcast: the roster carries names only.
func (s *Session) handleAvatar(url string) {
	if url == "" {
		return
	}
	s.hub.Registry().UpdateAvatar(s.id, url)
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			slog.Warn("error closing connection in write pump", "conn", s.id, "error", err)
		}
	}()

	for {
		select {
		case payload, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				slog.Warn("error setting write deadline", "conn", s.id, "error", err)
				return
			}
			if !ok {
				if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
					slog.Warn("error writing close message", "conn", s.id, "error", err)
				}
				return
			}
			// One frame per event: clients parse each frame as a single
			// JSON object, so queued events are never coalesced.
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Warn("error writing frame", "conn", s.id, "error", err)
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				slog.Warn("error setting write deadline for ping", "conn", s.id, "error", err)
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("error writing ping", "conn", s.id, "error", err)
				return
			}
		}
	}
}

// isExpectedCloseError reports whether an error is routine connection
// teardown noise rather than something worth logging loudly.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
