// Package server coordinates session registration, event fan-out, and
// connection cleanup for the ChatterUp chat system via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatterup/chatterup/internal/store"
)

// MessageStore is the durable append-only collaborator for chat messages.
// Append assigns the canonical id and timestamps; Recent returns the newest
// messages in ascending order.
type MessageStore interface {
	Append(draft store.Message) (store.Message, error)
	Recent(limit int) ([]store.Message, error)
}

// outboundFrame is one delivery request processed by the hub loop. target
// narrows delivery to a single connection; exclude skips the originator.
type outboundFrame struct {
	payload []byte
	exclude string
	target  string
}

// joinRequest asks the hub loop to complete a join: register presence,
// broadcast the roster, and announce the arrival, as one unit.
type joinRequest struct {
	session  *Session
	name     string
	announce bool
}

// Hub owns the session set and serializes every fan-out through a single
// event loop, so all observers receive events in the order their senders
// submitted them and no delivery ever races a registration or departure.
// It also owns the presence registry shared by all sessions.
type Hub struct {
	sessions map[string]*Session
	registry *Registry
	msgStore MessageStore
	logger   *slog.Logger

	register   chan *Session
	unregister chan *Session
	join       chan joinRequest
	outbound   chan outboundFrame

	mutex  sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub with an empty roster and no message store. The
// returned hub is ready once Run is started in its own goroutine.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions:   make(map[string]*Session),
		registry:   NewRegistry(),
		logger:     slog.Default(),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		join:       make(chan joinRequest),
		outbound:   make(chan outboundFrame),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

var hub = NewHub()

// GetHub returns the process-wide hub instance for shutdown coordination.
func GetHub() *Hub {
	return hub
}

// SetMessageStore installs the durable message store on the process-wide hub.
// Without one the hub stays in degraded mode: empty history, sends rejected
// back to their sender.
func SetMessageStore(ms MessageStore) {
	hub.SetStore(ms)
}

// SetStore installs the message store used for history and persistence.
func (h *Hub) SetStore(ms MessageStore) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.msgStore = ms
}

// Registry returns the presence registry owned by this hub.
func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) messageStore() MessageStore {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.msgStore
}

// History fetches the most recent messages for replay to a new connection.
// Store failures degrade to an empty history instead of failing the connect.
func (h *Hub) History() []store.Message {
	ms := h.messageStore()
	if ms == nil {
		return nil
	}
	msgs, err := ms.Recent(currentConfig().HistoryLimit)
	if err != nil {
		h.logger.Warn("history fetch failed, serving empty history", "error", err)
		return nil
	}
	return msgs
}

// AppendMessage persists a draft and returns the canonical stored copy.
func (h *Hub) AppendMessage(draft store.Message) (store.Message, error) {
	ms := h.messageStore()
	if ms == nil {
		return store.Message{}, errStoreUnavailable
	}
	stored, err := ms.Append(draft)
	if err != nil {
		return store.Message{}, err
	}
	messagesPersisted.Inc()
	return stored, nil
}

// BroadcastAll delivers payload to every registered connection.
func (h *Hub) BroadcastAll(payload []byte) {
	h.submit(outboundFrame{payload: payload})
}

// BroadcastExcept delivers payload to every connection except originID.
func (h *Hub) BroadcastExcept(originID string, payload []byte) {
	h.submit(outboundFrame{payload: payload, exclude: originID})
}

// SendTo delivers payload to exactly one connection, silently dropping it if
// the connection is gone; a race between send and disconnect is expected.
func (h *Hub) SendTo(connID string, payload []byte) {
	h.submit(outboundFrame{payload: payload, target: connID})
}

func (h *Hub) submit(frame outboundFrame) {
	if frame.payload == nil {
		return
	}
	select {
	case h.outbound <- frame:
	case <-h.ctx.Done():
	}
}

func (h *Hub) submitJoin(s *Session, name string, announce bool) {
	select {
	case h.join <- joinRequest{session: s, name: name, announce: announce}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) safeSend(s *Session, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("recovered from panic in safeSend", "panic", r)
		}
	}()

	// Hold the lock across the send so a concurrent departure cannot close
	// the channel mid-delivery.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.sessions[s.id]; !exists || s.closed {
		return false
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling session registration,
// departure, and delivery of outbound frames. It must be called in its own
// goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return

		case s := <-h.register:
			if s == nil {
				h.logger.Warn("ignoring nil session registration")
				continue
			}
			h.addSession(s)

		case s := <-h.unregister:
			h.removeSession(s, true)

		case req := <-h.join:
			h.completeJoin(req)

		case frame := <-h.outbound:
			h.deliver(frame)
		}
	}
}

func (h *Hub) addSession(s *Session) {
	h.mutex.Lock()
	s.closed = false
	h.sessions[s.id] = s
	count := len(h.sessions)
	h.mutex.Unlock()

	connectionsGauge.Set(float64(count))
	h.logger.Info("session connected", "conn", s.id, "remote", s.addr, "sessions", count)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	go func() {
		defer h.wg.Done()
		s.readPump()
	}()
}

// removeSession tears down a session exactly once: later calls for the same
// session find it absent and do nothing, so the departure announcement can
// never be duplicated no matter how many events were mid-flight.
func (h *Hub) removeSession(s *Session, announce bool) {
	if s == nil {
		return
	}

	h.mutex.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.sessions, s.id)
	s.closed = true
	count := len(h.sessions)
	h.mutex.Unlock()
	close(s.send)

	connectionsGauge.Set(float64(count))
	h.logger.Info("session disconnected", "conn", s.id, "remote", s.addr, "sessions", count)

	// A session that never joined holds no presence record and leaves silently.
	name, joined := h.registry.Unregister(s.id)
	if !joined || !announce {
		return
	}
	h.deliver(outboundFrame{payload: encodeUserList(h.registry.SnapshotNames())})
	h.deliver(outboundFrame{payload: encodeMessage(systemMessage(name+" left the chat", currentConfig().DefaultAvatar))})
}

// completeJoin runs inside the hub loop so the registry update, roster
// broadcast, and arrival notice land as one unit: no other join or departure
// can interleave between them, and the last roster broadcast always reflects
// every join processed so far.
func (h *Hub) completeJoin(req joinRequest) {
	h.mutex.RLock()
	_, live := h.sessions[req.session.id]
	h.mutex.RUnlock()
	// A join racing its own departure must not register a ghost.
	if !live {
		return
	}

	cfg := currentConfig()
	avatar := h.registry.ResolveAvatar(req.name, cfg.DefaultAvatar)
	h.registry.Register(req.session.id, req.name, avatar)

	h.deliver(outboundFrame{payload: encodeUserList(h.registry.SnapshotNames())})
	if req.announce {
		h.deliver(outboundFrame{
			payload: encodeMessage(systemMessage(req.name+" joined the chat", cfg.DefaultAvatar)),
			exclude: req.session.id,
		})
	}
}

func (h *Hub) deliver(frame outboundFrame) {
	if frame.target != "" {
		h.mutex.RLock()
		s, ok := h.sessions[frame.target]
		h.mutex.RUnlock()
		if ok && h.safeSend(s, frame.payload) {
			broadcastEvents.Inc()
		}
		return
	}

	var evicted []*Session
	for _, s := range h.sessionSnapshot() {
		if frame.exclude != "" && s.id == frame.exclude {
			continue
		}
		if h.safeSend(s, frame.payload) {
			broadcastEvents.Inc()
		} else {
			evicted = append(evicted, s)
		}
	}

	// A full send buffer means the client stopped draining; evict it through
	// the normal departure path so the roster stays truthful.
	for _, s := range evicted {
		droppedSends.Inc()
		h.logger.Warn("evicting slow session", "conn", s.id, "remote", s.addr)
		h.removeSession(s, true)
	}
}

func (h *Hub) sessionSnapshot() []*Session {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// shutdownSessions removes every session without announcements. Closing the
// send channels lets the write pumps drain and exit instead of waiting out
// their ping interval, so Shutdown does not burn its timeout.
func (h *Hub) shutdownSessions() {
	h.logger.Info("closing all chat sessions")

	for _, s := range h.sessionSnapshot() {
		h.removeSession(s, false)
		if s.conn != nil {
			if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.Warn("error closing session connection", "conn", s.id, "error", err)
			}
		}
	}
}

// Shutdown initiates graceful shutdown of the hub and waits for all session
// goroutines to finish, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
