package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/filecoinjs/lotusrpc/pkg/log"
)

// HTTPConnector implements Connector with one POST per request.
// It keeps no connection state between calls and cannot receive pushes, so
// it does not implement Subscribable. Any number of requests may run
// concurrently as independent HTTP exchanges.
type HTTPConnector struct {
	endpoint string
	cfg      ConnectorConfig
	client   *http.Client
	id       string
	nextID   atomic.Uint64
	state    atomic.Int32
	events   *eventRegistry
}

// Ensure HTTPConnector implements the Connector interface
var _ Connector = (*HTTPConnector)(nil)

// NewHTTPConnector returns a connector posting to endpoint.
func NewHTTPConnector(endpoint string, cfg ConnectorConfig) *HTTPConnector {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPConnector{
		endpoint: endpoint,
		cfg:      cfg,
		client:   client,
		id:       uuid.NewString(),
		events:   newEventRegistry(),
	}
}

// Connect marks the connector ready. No network traffic is involved.
func (c *HTTPConnector) Connect(ctx context.Context) error {
	if c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnected)) {
		c.logger(ctx).Info("connector ready", "endpoint", c.endpoint)
		c.cfg.Metrics.lifecycle(transportHTTP, EventConnected)
		c.events.emit(EventConnected, nil)
	}
	return nil
}

// Disconnect marks the connector as disconnected. In-flight exchanges are
// owned by their callers' contexts and are left to finish.
func (c *HTTPConnector) Disconnect() error {
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		c.cfg.Metrics.lifecycle(transportHTTP, EventDisconnected)
		c.events.emit(EventDisconnected, nil)
	}
	return nil
}

func (c *HTTPConnector) On(event Event, handler EventHandler) {
	c.events.on(event, handler)
}

func (c *HTTPConnector) State() State {
	return State(c.state.Load())
}

func (c *HTTPConnector) Endpoint() string {
	return c.endpoint
}

// Request posts one JSON-RPC envelope and decodes the reply.
// Requests are accepted in any state because every call is self-contained.
func (c *HTTPConnector) Request(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ctx, span := startRequestSpan(ctx, c.logger(ctx), transportHTTP, method, id)

	c.cfg.Metrics.requestStarted(transportHTTP, method)
	result, err := c.post(ctx, id, method, params)
	c.cfg.Metrics.requestFinished(transportHTTP, err)
	endRequestSpan(span, err)

	return result, err
}

func (c *HTTPConnector) post(ctx context.Context, id uint64, method string, params []any) (json.RawMessage, error) {
	lg := log.FromContext(ctx)

	body, err := EncodeRequest(NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	lg.Debug("sending request", "id", id, "method", method)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.transportFailure(ctx, "post", fmt.Errorf("%w: %w", ErrSendingRequest, err))
	}
	defer CleanlyCloseBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		lg.Warn("unexpected status", "id", id, "method", method, "status", resp.Status)
		return nil, &ResponseError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportFailure(ctx, "read", fmt.Errorf("%w: %w", ErrReadingMessage, err))
	}

	frame, err := DecodeFrame(data)
	if err != nil {
		lg.Warn("malformed response", "id", id, "method", method, "error", err)
		return nil, err
	}
	if frame.Kind != FrameResponse {
		return nil, newProtocolError(data, fmt.Errorf("expected a response, got a %s frame", frame.Kind))
	}

	res := frame.Response
	if got, ok := res.RequestID(); !ok || got != id {
		lg.Warn("response id does not match request", "id", id, "responseId", string(res.ID))
	}
	if err := res.Err(); err != nil {
		lg.Debug("request failed", "id", id, "method", method, "error", err)
		return nil, err
	}

	lg.Debug("response received", "id", id, "method", method)
	return res.Result, nil
}

// transportFailure wraps err in a *ConnectionError and reports it to the
// EventError observers, unless the caller's own context ended the exchange.
func (c *HTTPConnector) transportFailure(ctx context.Context, op string, err error) error {
	connErr := &ConnectionError{Op: op, Err: err}
	if ctx.Err() != nil {
		return connErr
	}

	log.FromContext(ctx).Error("http exchange failed", "op", op, "error", err)
	c.cfg.Metrics.lifecycle(transportHTTP, EventError)
	c.events.emit(EventError, connErr)
	return connErr
}

func (c *HTTPConnector) logger(ctx context.Context) log.Logger {
	return log.FromContext(ctx).WithName("http-connector").WithKV("connector", c.id)
}

// CleanlyCloseBody drains and closes an HTTP response body so the
// underlying connection can be reused.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}
