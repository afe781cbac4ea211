package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/filecoinjs/lotusrpc/pkg/log"
)

const closeGracePeriod = time.Second

// WebsocketConnector implements Subscribable over a single WebSocket.
//
// Requests made before the socket is open are queued and written in
// submission order once it opens. Responses are correlated by id, so they
// may arrive in any order. Frames that are not responses are routed to the
// channel callbacks registered with OnChannel or Subscribe.
//
// Channel callbacks and lifecycle handlers never run on the goroutine that
// reads the socket, so they may issue requests of their own. Pushes are
// delivered by one goroutine per connection, in the order they arrived.
//
// When the socket closes every outstanding request fails with a
// *ConnectionError and every channel is suspended. The connector never
// reconnects on its own.
type WebsocketConnector struct {
	endpoint string
	cfg      ConnectorConfig
	id       string
	nextID   atomic.Uint64
	events   *eventRegistry
	router   *Router

	// writeMu serializes socket writes. When both locks are needed it is
	// acquired before mu.
	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	session *wsSession
	attempt *connectAttempt
	pending map[uint64]*pendingRequest
	queue   []*pendingRequest
	lg      log.Logger
}

// Ensure WebsocketConnector implements the Subscribable interface
var _ Subscribable = (*WebsocketConnector)(nil)

// wsSession is one open socket together with the signal that stops its
// background goroutines.
type wsSession struct {
	conn *websocket.Conn
	done chan struct{}
	lg   log.Logger

	pushMu    sync.Mutex
	pushes    []inboundPush
	pushReady chan struct{}
}

// inboundPush is a channel frame waiting for the delivery goroutine.
// closing marks an xrpc.ch.close for tag.
type inboundPush struct {
	tag     string
	payload json.RawMessage
	closing bool
}

func newWsSession(conn *websocket.Conn, lg log.Logger) *wsSession {
	return &wsSession{
		conn:      conn,
		done:      make(chan struct{}),
		lg:        lg,
		pushReady: make(chan struct{}, 1),
	}
}

// enqueuePush never blocks the reader.
func (s *wsSession) enqueuePush(p inboundPush) {
	s.pushMu.Lock()
	s.pushes = append(s.pushes, p)
	s.pushMu.Unlock()

	select {
	case s.pushReady <- struct{}{}:
	default:
	}
}

func (s *wsSession) takePushes() []inboundPush {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	pushes := s.pushes
	s.pushes = nil
	return pushes
}

// connectAttempt is shared by every Connect call made while a dial is in flight.
type connectAttempt struct {
	done    chan struct{}
	err     error
	cancel  context.CancelFunc
	aborted bool // set under mu by Disconnect
}

func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pendingRequest is an entry of the correlation table. It is completed
// exactly once: by its response, by the connection closing, or by its
// caller giving up.
type pendingRequest struct {
	id      uint64
	method  string
	payload []byte

	// onResult runs on the reader goroutine before a successful completion.
	// An error it returns replaces the result.
	onResult func(json.RawMessage) error

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func (p *pendingRequest) complete(result json.RawMessage, err error) bool {
	completed := false
	p.once.Do(func() {
		if err == nil && p.onResult != nil {
			if err = p.onResult(result); err != nil {
				result = nil
			}
		}
		p.result, p.err = result, err
		close(p.done)
		completed = true
	})
	return completed
}

// NewWebsocketConnector returns a disconnected connector for endpoint.
func NewWebsocketConnector(endpoint string, cfg ConnectorConfig) *WebsocketConnector {
	return &WebsocketConnector{
		endpoint: endpoint,
		cfg:      cfg,
		id:       uuid.NewString(),
		events:   newEventRegistry(),
		router:   NewRouter(),
		pending:  make(map[uint64]*pendingRequest),
		lg:       log.NewNoopLogger(),
	}
}

// Connect opens the socket and flushes the queued requests in order.
// ctx bounds the opening handshake only; the connection outlives it.
func (c *WebsocketConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		attempt := c.attempt
		c.mu.Unlock()
		return attempt.wait(ctx)
	}

	dialCtx, cancel := context.WithCancel(ctx)
	attempt := &connectAttempt{done: make(chan struct{}), cancel: cancel}
	c.attempt = attempt
	c.state = StateConnecting
	c.lg = log.FromContext(ctx).WithName("ws-connector").WithKV("connector", c.id)
	lg := c.lg
	c.mu.Unlock()

	err := c.open(dialCtx, attempt, lg)
	cancel()

	attempt.err = err
	close(attempt.done)
	return err
}

func (c *WebsocketConnector) open(ctx context.Context, attempt *connectAttempt, lg log.Logger) error {
	target, err := c.dialURL()
	if err != nil {
		return c.failConnect(attempt, lg, &ConnectionError{Op: "dial", Err: err})
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	lg.Debug("dialing websocket", "endpoint", c.endpoint)
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return c.failConnect(attempt, lg, &ConnectionError{Op: "dial", Err: fmt.Errorf("%w: %w", ErrDialingWebsocket, err)})
	}

	s := newWsSession(conn, lg)

	c.writeMu.Lock()
	c.mu.Lock()
	if attempt.aborted {
		c.mu.Unlock()
		c.writeMu.Unlock()
		conn.Close()
		return c.failConnect(attempt, lg, &ConnectionError{Op: "dial", Err: ErrConnectionClosed})
	}
	c.session = s
	c.state = StateConnected
	c.attempt = nil
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()
	c.cfg.Metrics.queueChanged(-len(queue))

	var flushErr error
	for _, p := range queue {
		if !c.isPending(p) {
			continue
		}
		if flushErr = conn.WriteMessage(websocket.TextMessage, p.payload); flushErr != nil {
			break
		}
		lg.Debug("flushed queued request", "id", p.id, "method", p.method)
	}
	c.writeMu.Unlock()

	if flushErr != nil {
		err := fmt.Errorf("%w: %w", ErrSendingRequest, flushErr)
		c.teardown(s, "write", err)
		return &ConnectionError{Op: "write", Err: err}
	}

	if c.cfg.PingInterval > 0 {
		pongWait := 2 * c.cfg.PingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.pingPeriodically(s)
	}
	go c.deliverPushes(s)
	go c.readMessages(s)

	// The reader is running, so handlers may issue requests.
	lg.Info("websocket connected", "endpoint", c.endpoint, "flushed", len(queue))
	c.cfg.Metrics.lifecycle(transportWebsocket, EventConnected)
	c.events.emit(EventConnected, nil)

	return nil
}

// failConnect resolves a dial failure: the connector returns to
// Disconnected and every queued request fails with err. An attempt already
// aborted by Disconnect only reports err to its waiters; the queue now
// belongs to whatever Connect comes next.
func (c *WebsocketConnector) failConnect(attempt *connectAttempt, lg log.Logger, err error) error {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		lg.Debug("aborted websocket connect finished", "error", err)
		return err
	}
	c.attempt = nil
	c.state = StateDisconnected
	queue := c.queue
	c.queue = nil
	for _, p := range queue {
		delete(c.pending, p.id)
	}
	c.mu.Unlock()
	c.cfg.Metrics.queueChanged(-len(queue))

	for _, p := range queue {
		p.complete(nil, err)
	}

	lg.Error("websocket connect failed", "endpoint", c.endpoint, "failedRequests", len(queue), "error", err)
	c.cfg.Metrics.lifecycle(transportWebsocket, EventError)
	c.events.emit(EventError, err)
	return err
}

// dialURL returns the endpoint with the token set as the "token" query parameter.
func (c *WebsocketConnector) dialURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Disconnect closes the socket, or aborts a connection attempt in flight.
// Outstanding and queued requests fail with a *ConnectionError wrapping
// ErrConnectionClosed. It always succeeds locally.
func (c *WebsocketConnector) Disconnect() error {
	c.mu.Lock()
	s := c.session
	if c.attempt != nil {
		c.attempt.aborted = true
		c.attempt.cancel()
		c.attempt = nil
		c.state = StateDisconnected
	}
	var queue []*pendingRequest
	if s == nil {
		queue = c.queue
		c.queue = nil
		for _, p := range queue {
			delete(c.pending, p.id)
		}
	}
	c.mu.Unlock()

	if s != nil {
		c.teardown(s, "close", nil)
		return nil
	}

	c.cfg.Metrics.queueChanged(-len(queue))
	err := &ConnectionError{Op: "close", Err: ErrConnectionClosed}
	for _, p := range queue {
		p.complete(nil, err)
	}
	return nil
}

// teardown closes s if it is still the current session. cause is nil for a
// local Disconnect. Only the first call for a session has any effect.
func (c *WebsocketConnector) teardown(s *wsSession, op string, cause error) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.state = StateDisconnected
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()

	close(s.done)
	c.router.Suspend()

	if cause == nil {
		deadline := time.Now().Add(closeGracePeriod)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			s.lg.Debug("failed to send close frame", "error", err)
		}
	}
	s.conn.Close()

	connErr := &ConnectionError{Op: op, Err: ErrConnectionClosed}
	if cause != nil {
		connErr.Err = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
	}
	for _, p := range pending {
		p.complete(nil, connErr)
	}

	var disconnectErr error
	if cause != nil {
		disconnectErr = connErr
		s.lg.Error("websocket connection lost", "op", op, "failedRequests", len(pending), "error", cause)
		c.cfg.Metrics.lifecycle(transportWebsocket, EventError)
		c.events.emit(EventError, connErr)
	} else {
		s.lg.Info("websocket disconnected", "failedRequests", len(pending))
	}
	c.cfg.Metrics.lifecycle(transportWebsocket, EventDisconnected)
	c.events.emit(EventDisconnected, disconnectErr)
}

// readMessages reads frames until the socket fails or is closed locally.
// It is the only reader of the socket.
func (c *WebsocketConnector) readMessages(s *wsSession) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				s.lg.Debug("websocket read loop exiting after disconnect")
				return
			default:
			}

			var netErr net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.teardown(s, "read", err)
			case errors.As(err, &netErr) && netErr.Timeout():
				c.teardown(s, "read", fmt.Errorf("%w: %w", ErrConnectionTimeout, err))
			default:
				c.teardown(s, "read", fmt.Errorf("%w: %w", ErrReadingMessage, err))
			}
			return
		}

		c.dispatch(s, data)
	}
}

// dispatch routes one inbound frame. Malformed frames are logged and
// skipped; they never close the connection.
func (c *WebsocketConnector) dispatch(s *wsSession, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		c.cfg.Metrics.malformedFrame()
		s.lg.Warn("Malformed message", "message", string(data), "error", err)
		return
	}

	switch frame.Kind {
	case FrameResponse:
		c.resolve(s, frame.Response)
	case FramePush:
		s.enqueuePush(inboundPush{tag: frame.Tag, payload: frame.Payload})
	case FrameChannelClose:
		s.enqueuePush(inboundPush{tag: frame.Tag, closing: true})
	case FrameNotification:
		s.lg.Debug("ignoring notification", "method", frame.Method)
	}
}

func (c *WebsocketConnector) resolve(s *wsSession, res Response) {
	var p *pendingRequest
	if id, ok := res.RequestID(); ok {
		c.mu.Lock()
		p = c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if p == nil {
		// Some node versions push channel values as responses whose id is the tag.
		if tag, err := TagFromResult(res.ID); err == nil && res.Error == nil && c.router.Has(tag) {
			s.enqueuePush(inboundPush{tag: tag, payload: res.Result})
			return
		}
		s.lg.Debug("dropping response for unknown request", "id", string(res.ID))
		return
	}

	if err := res.Err(); err != nil {
		p.complete(nil, err)
		return
	}
	p.complete(res.Result, nil)
}

// deliverPushes runs channel callbacks for s until the session ends. Frames
// still waiting when it ends are dropped; their channels are suspended by then.
func (c *WebsocketConnector) deliverPushes(s *wsSession) {
	for {
		select {
		case <-s.done:
			for range s.takePushes() {
				c.cfg.Metrics.pushFrame("dropped")
			}
			return
		case <-s.pushReady:
		}

		for _, p := range s.takePushes() {
			if p.closing {
				if c.router.Off(p.tag) {
					s.lg.Info("channel closed by node", "tag", p.tag)
				}
				continue
			}
			c.deliver(s.lg, p.tag, p.payload)
		}
	}
}

func (c *WebsocketConnector) deliver(lg log.Logger, tag string, payload json.RawMessage) {
	delivered, err := c.router.Dispatch(tag, payload)
	if !delivered {
		c.cfg.Metrics.pushFrame("dropped")
		lg.Debug("dropping push for unknown channel", "tag", tag)
		return
	}

	c.cfg.Metrics.pushFrame("delivered")
	if err != nil {
		lg.Error("channel callback failed", "tag", tag, "error", err)
	}
}

// pingPeriodically sends control pings until the session ends.
func (c *WebsocketConnector) pingPeriodically(s *wsSession) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.PingInterval)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.teardown(s, "ping", fmt.Errorf("%w: %w", ErrSendingPing, err))
				return
			}
		}
	}
}

// Request sends one call, or queues it while the socket is not open.
// The call waits until its response arrives, the connection closes, or ctx
// ends; in the last case it fails with ErrNoResponse and a late response is
// dropped.
func (c *WebsocketConnector) Request(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return c.request(ctx, method, params, nil)
}

func (c *WebsocketConnector) request(ctx context.Context, method string, params []any, onResult func(json.RawMessage) error) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	c.mu.Lock()
	lg := c.lg
	c.mu.Unlock()

	ctx, span := startRequestSpan(ctx, lg, transportWebsocket, method, id)
	c.cfg.Metrics.requestStarted(transportWebsocket, method)
	result, err := c.roundTrip(ctx, id, method, params, onResult)
	c.cfg.Metrics.requestFinished(transportWebsocket, err)
	endRequestSpan(span, err)

	return result, err
}

func (c *WebsocketConnector) roundTrip(ctx context.Context, id uint64, method string, params []any, onResult func(json.RawMessage) error) (json.RawMessage, error) {
	lg := log.FromContext(ctx)

	payload, err := EncodeRequest(NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		id:       id,
		method:   method,
		payload:  payload,
		onResult: onResult,
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.pending[id] = p
	s := c.session
	if s == nil {
		c.queue = append(c.queue, p)
	}
	c.mu.Unlock()

	if s == nil {
		c.cfg.Metrics.queueChanged(1)
		lg.Debug("request queued until connected", "id", id, "method", method)
	} else {
		c.send(s, p)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		c.forget(p)
		p.complete(nil, fmt.Errorf("%w for request %d: %w", ErrNoResponse, id, ctx.Err()))
		<-p.done
	}

	return p.result, p.err
}

func (c *WebsocketConnector) send(s *wsSession, p *pendingRequest) {
	c.writeMu.Lock()
	if !c.isPending(p) {
		c.writeMu.Unlock()
		return
	}
	err := s.conn.WriteMessage(websocket.TextMessage, p.payload)
	c.writeMu.Unlock()

	if err != nil {
		c.teardown(s, "write", fmt.Errorf("%w: %w", ErrSendingRequest, err))
		return
	}
	s.lg.Debug("request sent", "id", p.id, "method", p.method)
}

func (c *WebsocketConnector) isPending(p *pendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[p.id] == p
}

// forget removes p from the correlation table and the queue.
func (c *WebsocketConnector) forget(p *pendingRequest) {
	c.mu.Lock()
	if c.pending[p.id] == p {
		delete(c.pending, p.id)
	}
	dequeued := false
	for i, q := range c.queue {
		if q == p {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			dequeued = true
			break
		}
	}
	c.mu.Unlock()

	if dequeued {
		c.cfg.Metrics.queueChanged(-1)
	}
}

// Subscribe issues a subscribing call and registers cb on the returned
// channel tag. Registration happens on the reader goroutine before the
// next frame is read, so no push for the new channel can be missed.
// cb runs on the connection's delivery goroutine.
func (c *WebsocketConnector) Subscribe(ctx context.Context, method string, params []any, cb ChannelCallback) (string, error) {
	var tag string
	_, err := c.request(ctx, method, params, func(result json.RawMessage) error {
		t, err := TagFromResult(result)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSubscriptionFailed, method, err)
		}
		c.router.On(t, cb)
		tag = t
		return nil
	})
	if err != nil {
		return "", err
	}
	return tag, nil
}

func (c *WebsocketConnector) OnChannel(tag string, cb ChannelCallback) {
	c.router.On(tag, cb)
}

func (c *WebsocketConnector) RemoveChannelListener(tag string) {
	c.router.Off(tag)
}

func (c *WebsocketConnector) Subscriptions() []Subscription {
	return c.router.Subscriptions()
}

func (c *WebsocketConnector) On(event Event, handler EventHandler) {
	c.events.on(event, handler)
}

func (c *WebsocketConnector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *WebsocketConnector) Endpoint() string {
	return c.endpoint
}
