package coreserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"habridge/internal/store"
)

// Dialect distinguishes the two wire dialects spec.md §4.5 describes:
// CoreAPI is the standard envelope; HAComponent wraps entity changes in a
// "changes" list. Each HAComponent frame carries exactly one change;
// several changes are never combined into one frame. The Mapper output is
// identical either way — only the envelope framing differs.
type Dialect int

const (
	DialectCoreAPI Dialect = iota
	DialectHAComponent
)

// Session is a Core Session, spec.md §3: created on WebSocket accept,
// destroyed on socket close. It owns its subscription set exclusively;
// the Entity Store broadcast channel is the only thing it shares.
type Session struct {
	id      string
	kind    Dialect
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *zap.Logger
	server  *Server

	ctx    context.Context
	cancel context.CancelFunc

	subMu      sync.Mutex
	subscribed map[string]struct{} // empty set == "all", spec.md §3

	pongMu   sync.Mutex
	lastPong time.Time

	deltaCh     <-chan store.Delta
	unsubscribe func()
}

func newSession(parent context.Context, conn *websocket.Conn, server *Server) *Session {
	ctx, cancel := context.WithCancel(parent)
	deltaCh, unsubscribe := server.store.Subscribe()
	id := uuid.NewString()
	return &Session{
		id:          id,
		conn:        conn,
		logger:      server.logger.With(zap.String("session", id)),
		server:      server,
		ctx:         ctx,
		cancel:      cancel,
		subscribed:  make(map[string]struct{}),
		lastPong:    time.Now(),
		deltaCh:     deltaCh,
		unsubscribe: unsubscribe,
	}
}

// interested reports whether entityID is in scope for this session's
// subscription set — an empty set means "all", spec.md §3.
func (s *Session) interested(entityID string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if len(s.subscribed) == 0 {
		return true
	}
	_, ok := s.subscribed[entityID]
	return ok
}

func (s *Session) setSubscription(entityIDs []string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if len(entityIDs) == 0 {
		s.subscribed = make(map[string]struct{})
		return
	}
	s.subscribed = make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		s.subscribed[id] = struct{}{}
	}
}

func (s *Session) removeSubscription(entityIDs []string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if len(entityIDs) == 0 {
		s.subscribed = make(map[string]struct{})
		return
	}
	for _, id := range entityIDs {
		delete(s.subscribed, id)
	}
}

func (s *Session) writeEnvelope(env Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.server.tracing.ShouldTraceOut() {
		s.logger.Debug("core frame out", zap.String("msg", env.Msg))
	}
	return s.conn.WriteJSON(env)
}

func (s *Session) touchPong() {
	s.pongMu.Lock()
	s.lastPong = time.Now()
	s.pongMu.Unlock()
}

func (s *Session) pongAge() time.Duration {
	s.pongMu.Lock()
	defer s.pongMu.Unlock()
	return time.Since(s.lastPong)
}

// close tears the session down: cancels in-flight entity_command calls it
// initiated (spec.md §5 "Cancellation"), releases its Entity Store
// subscription, and closes the socket.
func (s *Session) close() {
	s.cancel()
	s.unsubscribe()
	s.conn.Close()
}

// run drives the session's read loop, heartbeat, and delta fan-out until
// the connection ends.
func (s *Session) run() {
	defer s.close()

	go s.heartbeatLoop()
	go s.fanOutLoop()

	s.conn.SetPongHandler(func(string) error {
		s.touchPong()
		return nil
	})

	first := true
	for {
		var env Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			s.logger.Debug("core session closed", zap.Error(err))
			return
		}
		if first {
			s.kind = detectDialect(env)
			first = false
		}
		if s.server.tracing.ShouldTraceIn() {
			s.logger.Debug("core frame in", zap.String("msg", env.Msg))
		}
		s.dispatch(env)

		select {
		case <-s.ctx.Done():
			return
		default:
		}
	}
}

// detectDialect inspects the first message's msg_data for the dialect
// hint spec.md §4.5 leaves unspecified in exact framing; the field name
// itself ("dialect": "ha_component") is preserved as documented, per
// spec.md §9's open question. Anything else, including its absence,
// keeps the connection on the standard CoreAPI dialect.
func detectDialect(env Envelope) Dialect {
	var hint struct {
		Dialect string `json:"dialect"`
	}
	if len(env.MsgData) == 0 {
		return DialectCoreAPI
	}
	if err := json.Unmarshal(env.MsgData, &hint); err != nil {
		return DialectCoreAPI
	}
	if hint.Dialect == "ha_component" {
		return DialectHAComponent
	}
	return DialectCoreAPI
}

// heartbeatLoop sends a WebSocket-layer ping every heartbeat_interval and
// closes the session if no pong arrives within pong_timeout, spec.md
// §4.5 "Heartbeat". WriteControl is safe to call concurrently with
// WriteJSON per gorilla/websocket's concurrency contract.
func (s *Session) heartbeatLoop() {
	interval := s.server.heartbeatInterval
	timeout := s.server.pongTimeout

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.pongAge() > timeout {
				s.logger.Info("core session missed heartbeat, closing")
				s.cancel()
				return
			}
			deadline := time.Now().Add(interval)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// fanOutLoop delivers Entity Store deltas to the client in the order the
// Store published them, spec.md §5(c): "no reordering". A session that
// falls too far behind gets its channel closed by the Store
// (spec.md §5 "Backpressure") and this loop notices via Done and closes
// the socket.
func (s *Session) fanOutLoop() {
	doneCh := s.server.store.Done(s.deltaCh)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-doneCh:
			s.logger.Warn("core session dropped for backpressure")
			s.cancel()
			return
		case delta, ok := <-s.deltaCh:
			if !ok {
				s.cancel()
				return
			}
			if delta.Removed || !s.interested(delta.EntityID) {
				continue
			}
			s.publishEntityChange(delta)
		}
	}
}
