// Package haclient implements the one-at-a-time WebSocket client to Home
// Assistant: authentication, request-id correlation, event-subscription
// bootstrap, ping/pong heartbeat, and reconnect-with-backoff, per
// spec.md §4.2.
package haclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"habridge/internal/bridgeerr"
	"habridge/internal/clock"
	"habridge/internal/haconfig"
)

// ConnState enumerates the HA Client connection state machine, spec.md
// §3 "HA Connection State".
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Authenticating
	Authenticated
	Subscribed
	Closing
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Authenticating:
		return "Authenticating"
	case Authenticated:
		return "Authenticated"
	case Subscribed:
		return "Subscribed"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

type pendingResult struct {
	frame *Frame
	err   error
}

type pendingRequest struct {
	kind     PendingKind
	resultCh chan pendingResult
	timer    clock.Timer
}

// connection owns the state private to one underlying WebSocket: the
// socket itself, its pending-request table, and its id counter. Spec.md
// §3 "Pending Request table ... exclusively owned by the HA Client task"
// — one connection's table is never touched outside this package.
type connection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[int]*pendingRequest

	idMu   sync.Mutex
	nextID int

	subscriptionID int // the id subscribe_events was sent with, for unsubscribe_events

	doneCh chan error // readPump's terminal signal; closed/sent at most once
	once   sync.Once
}

func newConnection(parent context.Context) *connection {
	ctx, cancel := context.WithCancel(parent)
	return &connection{
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int]*pendingRequest),
		doneCh:  make(chan error, 1),
	}
}

func (c *connection) nextMsgID() int {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *connection) signalDone(err error) {
	c.once.Do(func() {
		c.doneCh <- err
	})
}

func (c *connection) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Client is the long-lived HA Client task described by spec.md §4.2. At
// most one connection is active at a time.
type Client struct {
	logger  *zap.Logger
	clock   clock.Clock
	cfg     *haconfig.Handle
	dialer  *websocket.Dialer
	tracing haconfig.MsgTracing

	mu         sync.Mutex
	state      ConnState
	active     *connection
	authFailed bool
	suspended  bool
	attempt    int

	reconfigureCh chan struct{}

	events     chan StateEvent
	bootstraps chan []HAState
}

// New constructs a Client bound to cfg. The returned Client does nothing
// until Run is called.
func New(cfg *haconfig.Handle, logger *zap.Logger, clk clock.Clock) *Client {
	return &Client{
		logger:        logger,
		clock:         clk,
		cfg:           cfg,
		dialer:        &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		tracing:       haconfig.TraceNone,
		state:         Disconnected,
		reconfigureCh: make(chan struct{}, 1),
		events:        make(chan StateEvent, 256),
		bootstraps:    make(chan []HAState, 1),
	}
}

// SetTracing configures raw-frame tracing per spec.md §6
// UC_HASS_MSG_TRACING.
func (c *Client) SetTracing(t haconfig.MsgTracing) { c.tracing = t }

// Events returns the channel of decoded state_changed deltas. Consumed
// exclusively by the Entity Store (spec.md §4.3).
func (c *Client) Events() <-chan StateEvent { return c.events }

// Bootstraps returns the channel of full get_states snapshots, sent once
// per successful (re)connect. The Entity Store replaces its contents
// wholesale on each value received, spec.md §4.3 "A full-refresh on
// connect/resubscribe replaces the store."
func (c *Client) Bootstraps() <-chan []HAState { return c.bootstraps }

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Info("ha connection state transition", zap.String("from", prev.String()), zap.String("to", s.String()))
	}
}

// Reconfigure atomically publishes a new config version and forces the
// active connection (if any) to tear down, triggering exactly one
// reconnect within initial_delay, spec.md §8 invariant 5. Also clears
// AuthFailed so a previously-terminal client resumes retrying.
func (c *Client) Reconfigure(cfg haconfig.HAConfig) {
	c.cfg.Commit(cfg)

	c.mu.Lock()
	c.authFailed = false
	c.attempt = 0
	active := c.active
	c.mu.Unlock()

	if active != nil {
		active.cancel()
	}
	select {
	case c.reconfigureCh <- struct{}{}:
	default:
	}
}

// AuthFailed reports whether the client is in the terminal
// no-retry-until-reconfigured state, spec.md §8 invariant 4.
func (c *Client) AuthFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authFailed
}

// Suspend tears down the active connection (if any) and blocks Run from
// reconnecting until Resume is called, spec.md §4.6: "the supervisor
// disconnects the HA Client" on Core's enter_standby event.
func (c *Client) Suspend() {
	c.mu.Lock()
	c.suspended = true
	active := c.active
	c.mu.Unlock()

	if active != nil {
		c.unsubscribe(active)
		active.cancel()
	}
}

// unsubscribe best-effort sends unsubscribe_events for conn's active
// subscription before it is torn down. The connection is closing either
// way, so a failure or timeout here is not itself an error.
func (c *Client) unsubscribe(conn *connection) {
	if conn.subscriptionID == 0 {
		return
	}
	id := conn.nextMsgID()
	msg := unsubscribeEventsMessage{ID: id, Type: "unsubscribe_events", Subscription: conn.subscriptionID}
	_, _ = c.roundTrip(conn, id, KindUnsubscribe, msg, 2*time.Second)
}

// Resume clears a prior Suspend and lets Run reconnect immediately,
// spec.md §4.6: "on exit_standby it reconnects".
func (c *Client) Resume() {
	c.mu.Lock()
	c.suspended = false
	c.mu.Unlock()

	select {
	case c.reconfigureCh <- struct{}{}:
	default:
	}
}

// Suspended reports whether the client is currently held down by Suspend.
func (c *Client) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// Run drives the connect/serve/reconnect loop until ctx is cancelled.
// Spec.md §4.2's full state table lives here.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.mu.Lock()
		authFailed := c.authFailed
		suspended := c.suspended
		c.mu.Unlock()

		if authFailed || suspended {
			select {
			case <-ctx.Done():
				return nil
			case <-c.reconfigureCh:
				continue
			}
		}

		cfg, _ := c.cfg.Load()
		err := c.connectAndServe(ctx, cfg)

		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, bridgeerr.ErrAuthFailed) {
			c.mu.Lock()
			c.authFailed = true
			c.mu.Unlock()
			c.logger.Warn("ha auth failed, suspending reconnect until reconfigured")
			continue
		}

		if errReconfigured := (err == errForcedReconnect); errReconfigured {
			continue // reconfiguration already reset the backoff attempt
		}

		c.mu.Lock()
		attempt := c.attempt
		c.attempt++
		policy := cfg.ReconnectPolicy
		c.mu.Unlock()

		delay := jitter(policy.Delay(attempt), policy.JitterFrac)
		c.logger.Warn("ha connection lost, scheduling reconnect", zap.Error(err), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return nil
		case <-c.reconfigureCh:
			continue
		case <-c.clock.After(delay):
			continue
		}
	}
}

var errForcedReconnect = errors.New("reconfigured: forcing reconnect")

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}

// connectAndServe implements Disconnected -> Connecting -> Authenticating
// -> Authenticated -> Subscribed, then serves that connection until it
// ends.
func (c *Client) connectAndServe(ctx context.Context, cfg haconfig.HAConfig) error {
	conn := newConnection(ctx)
	defer conn.cancel()

	c.setState(Connecting)
	dialCtx, cancelDial := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectionTimeout))
	defer cancelDial()

	ws, _, err := c.dialer.DialContext(dialCtx, cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.conn = ws
	defer ws.Close()

	c.mu.Lock()
	c.active = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.active == conn {
			c.active = nil
		}
		c.mu.Unlock()
	}()

	if err := c.authenticate(conn, cfg); err != nil {
		c.setState(Closing)
		c.cancelAllPending(conn, err)
		c.setState(Disconnected)
		return err
	}

	c.setState(Authenticated)
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()

	// bootstrap's round trips are completed by readPump, so it must be
	// reading before they are sent.
	go c.readPump(conn)

	if err := c.bootstrap(conn, cfg); err != nil {
		c.setState(Closing)
		c.cancelAllPending(conn, err)
		c.setState(Disconnected)
		return err
	}
	c.setState(Subscribed)

	go c.heartbeatLoop(conn, cfg)

	var result error
	select {
	case result = <-conn.doneCh:
	case <-conn.ctx.Done():
		result = errForcedReconnect
	case <-ctx.Done():
		result = nil
	}

	c.setState(Closing)
	conn.cancel()
	c.cancelAllPending(conn, bridgeerr.ErrCancelled)
	c.setState(Disconnected)

	return result
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func (c *Client) authenticate(conn *connection, cfg haconfig.HAConfig) error {
	var required Frame
	if err := conn.conn.ReadJSON(&required); err != nil {
		return fmt.Errorf("%w: read auth_required: %v", bridgeerr.ErrProtocolError, err)
	}
	c.traceIn(required)
	if required.Type != "auth_required" {
		return fmt.Errorf("%w: expected auth_required, got %q", bridgeerr.ErrProtocolError, required.Type)
	}

	c.setState(Authenticating)
	authMsg := authMessage{Type: "auth", AccessToken: cfg.Token}
	c.traceOut(authMsg)
	if err := conn.writeJSON(authMsg); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var resp Frame
	if err := conn.conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("%w: read auth response: %v", bridgeerr.ErrProtocolError, err)
	}
	c.traceIn(resp)

	switch resp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return bridgeerr.ErrAuthFailed
	default:
		return fmt.Errorf("%w: expected auth_ok/auth_invalid, got %q", bridgeerr.ErrProtocolError, resp.Type)
	}
}

// bootstrap sends subscribe_events followed by get_states, per spec.md
// §4.2's Authenticated -> Subscribed transition.
func (c *Client) bootstrap(conn *connection, cfg haconfig.HAConfig) error {
	id := conn.nextMsgID()
	sub := subscribeEventsMessage{ID: id, Type: "subscribe_events", EventType: "state_changed"}
	if _, err := c.roundTrip(conn, id, KindSubscribeEvents, sub, timeoutOrDefault(cfg.RequestTimeout)); err != nil {
		return err
	}
	conn.subscriptionID = id

	statesID := conn.nextMsgID()
	req := getStatesMessage{ID: statesID, Type: "get_states"}
	resp, err := c.roundTrip(conn, statesID, KindGetStates, req, timeoutOrDefault(cfg.RequestTimeout))
	if err != nil {
		return err
	}

	var states []HAState
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return fmt.Errorf("%w: decode get_states result: %v", bridgeerr.ErrProtocolError, err)
	}

	select {
	case c.bootstraps <- states:
	default:
		// Drain the stale bootstrap (only ever one in flight) before
		// replacing it so the Entity Store always sees the latest.
		select {
		case <-c.bootstraps:
		default:
		}
		c.bootstraps <- states
	}

	return nil
}

// roundTrip registers a pending request, sends msg, and blocks for its
// correlated reply or timeout.
func (c *Client) roundTrip(conn *connection, id int, kind PendingKind, msg any, timeout time.Duration) (*Frame, error) {
	pr := &pendingRequest{kind: kind, resultCh: make(chan pendingResult, 1)}
	conn.pendingMu.Lock()
	conn.pending[id] = pr
	conn.pendingMu.Unlock()

	pr.timer = c.clock.AfterFunc(timeout, func() {
		c.completePending(conn, id, pendingResult{err: bridgeerr.ErrTimeout})
	})

	c.traceOut(msg)
	if err := conn.writeJSON(msg); err != nil {
		c.completePending(conn, id, pendingResult{err: err})
	}

	select {
	case res := <-pr.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.frame.Success != nil && !*res.frame.Success {
			msg := "unknown error"
			if res.frame.Error != nil {
				msg = res.frame.Error.Message
			}
			return nil, bridgeerr.NewServiceCallFailed(msg)
		}
		return res.frame, nil
	case <-conn.ctx.Done():
		return nil, bridgeerr.ErrCancelled
	}
}

func (c *Client) completePending(conn *connection, id int, result pendingResult) bool {
	conn.pendingMu.Lock()
	pr, ok := conn.pending[id]
	if ok {
		delete(conn.pending, id)
	}
	conn.pendingMu.Unlock()
	if !ok {
		return false
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	select {
	case pr.resultCh <- result:
	default:
	}
	return true
}

func (c *Client) cancelAllPending(conn *connection, err error) {
	conn.pendingMu.Lock()
	ids := make([]int, 0, len(conn.pending))
	for id := range conn.pending {
		ids = append(ids, id)
	}
	conn.pendingMu.Unlock()
	for _, id := range ids {
		c.completePending(conn, id, pendingResult{err: err})
	}
}

// CallService sends a call_service request and awaits its result, spec.md
// §4.1/§4.2 "Service calls".
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any, targetEntityID string) error {
	c.mu.Lock()
	conn := c.active
	state := c.state
	c.mu.Unlock()

	if conn == nil || state != Subscribed {
		return bridgeerr.ErrUnavailable
	}

	cfg, _ := c.cfg.Load()
	id := conn.nextMsgID()
	msg := callServiceMessage{
		ID:          id,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	}
	if targetEntityID != "" {
		msg.Target = &serviceTarget{EntityID: []string{targetEntityID}}
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := c.roundTrip(conn, id, KindCallService, msg, timeoutOrDefault(cfg.RequestTimeout))
		resultCh <- err
	}()

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return bridgeerr.ErrCancelled
	}
}

// readPump is the per-connection receive loop, spec.md §4.2
// "Request-id correlation" and "Protocol errors".
func (c *Client) readPump(conn *connection) {
	for {
		var frame Frame
		if err := conn.conn.ReadJSON(&frame); err != nil {
			conn.signalDone(fmt.Errorf("%w: %v", bridgeerr.ErrProtocolError, err))
			return
		}
		c.traceIn(frame)

		switch frame.Type {
		case "event":
			c.handleEvent(&frame)
		case "pong":
			if !c.completePending(conn, frame.ID, pendingResult{frame: &frame}) {
				conn.signalDone(fmt.Errorf("%w: pong for unknown id %d", bridgeerr.ErrProtocolError, frame.ID))
				return
			}
		case "result":
			if !c.completePending(conn, frame.ID, pendingResult{frame: &frame}) {
				conn.signalDone(fmt.Errorf("%w: result for unknown id %d", bridgeerr.ErrProtocolError, frame.ID))
				return
			}
		default:
			conn.signalDone(fmt.Errorf("%w: unexpected frame type %q", bridgeerr.ErrProtocolError, frame.Type))
			return
		}
	}
}

func (c *Client) handleEvent(frame *Frame) {
	if frame.Event == nil || frame.Event.EventType != "state_changed" {
		return
	}
	var data stateChangedData
	if err := json.Unmarshal(frame.Event.Data, &data); err != nil {
		c.logger.Warn("failed to decode state_changed event, discarding", zap.Error(err))
		return
	}
	ev := StateEvent{EntityID: data.EntityID, OldState: data.OldState, NewState: data.NewState}
	select {
	case c.events <- ev:
	default:
		// Ordering must be preserved (spec.md §5), so block rather than
		// drop — but give the consumer a generous window before giving up
		// and logging, since a permanently stuck consumer is a bug
		// elsewhere, not something the client should mask.
		select {
		case c.events <- ev:
		case <-c.clock.After(5 * time.Second):
			c.logger.Error("entity store did not drain events channel in time, dropping event", zap.String("entity_id", ev.EntityID))
		}
	}
}

// heartbeatLoop sends an application-level ping every heartbeat_interval
// and tears the connection down if request_timeout elapses without a
// pong, spec.md §4.2 "Heartbeat".
func (c *Client) heartbeatLoop(conn *connection, cfg haconfig.HAConfig) {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-c.clock.After(interval):
		}

		id := conn.nextMsgID()
		msg := pingMessage{ID: id, Type: "ping"}
		_, err := c.roundTrip(conn, id, KindPing, msg, timeoutOrDefault(cfg.RequestTimeout))
		if err != nil {
			if conn.ctx.Err() != nil {
				return
			}
			conn.signalDone(fmt.Errorf("%w: heartbeat: %v", bridgeerr.ErrProtocolError, err))
			return
		}
	}
}

func (c *Client) traceIn(v any) {
	if !c.tracing.ShouldTraceIn() {
		return
	}
	raw, _ := json.Marshal(v)
	c.logger.Debug("ha frame in", zap.ByteString("frame", raw))
}

func (c *Client) traceOut(v any) {
	if !c.tracing.ShouldTraceOut() {
		return
	}
	raw, _ := json.Marshal(v)
	c.logger.Debug("ha frame out", zap.ByteString("frame", raw))
}
