package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Connector is the capability every transport offers. Higher level callers
// only ever use Request and the lifecycle events.
type Connector interface {
	// Connect readies the transport. It is idempotent: calling it while
	// connected returns nil, calling it while a connection attempt is in
	// flight waits for that attempt's outcome.
	Connect(ctx context.Context) error

	// Disconnect tears the transport down and fails every outstanding request
	// with a *ConnectionError. It succeeds locally even if the node is unreachable.
	Disconnect() error

	// Request performs one remote call and returns the raw "result" member.
	// Failures are *ConnectionError, *ResponseError (HTTP), *RPCError or
	// *ProtocolError. The connector imposes no deadline; ctx is the caller's.
	Request(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// On registers handler for a lifecycle event. Handlers run synchronously
	// in registration order.
	On(event Event, handler EventHandler)

	// State returns the current connection state.
	State() State

	// Endpoint returns the URL the connector was built for.
	Endpoint() string
}

// Subscribable is implemented by connectors that can receive server pushes.
// Callers check for it with a type assertion instead of inspecting the
// concrete connector type.
//
// Channel callbacks for one connection run one at a time in arrival order,
// never on the goroutine reading responses. A callback may issue requests on
// the same connector; a slow one delays later pushes but not responses.
type Subscribable interface {
	Connector

	// OnChannel appends cb to the callbacks for tag.
	OnChannel(tag string, cb ChannelCallback)

	// RemoveChannelListener drops every callback for tag and forgets it.
	RemoveChannelListener(tag string)

	// Subscribe issues a subscribing call and registers cb on the channel tag
	// it returns before any push for that tag can be dispatched.
	Subscribe(ctx context.Context, method string, params []any, cb ChannelCallback) (string, error)

	// Subscriptions lists the known channels, including suspended ones.
	Subscriptions() []Subscription
}

// State is the connection state of a Connector.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectorConfig contains the options shared by both connectors.
type ConnectorConfig struct {
	// Token is the node API token. HTTP sends it as a bearer header,
	// WebSocket as the "token" query parameter.
	Token string

	// HTTPClient is used by the HTTP connector. Nil means http.DefaultClient.
	HTTPClient *http.Client

	// HandshakeTimeout bounds the WebSocket opening handshake.
	HandshakeTimeout time.Duration

	// PingInterval is how often the WebSocket connector sends control pings.
	// Zero disables keepalive.
	PingInterval time.Duration

	// Metrics receives connector measurements. Nil disables them.
	Metrics *Metrics
}

// DefaultConnectorConfig provides sensible defaults for both transports.
var DefaultConnectorConfig = ConnectorConfig{
	HandshakeTimeout: 5 * time.Second,
	PingInterval:     15 * time.Second,
}

// NewConnector builds the connector matching the endpoint scheme:
// http and https yield an *HTTPConnector, ws and wss a *WebsocketConnector.
//
//	conn, err := rpc.NewConnector("wss://node.example.com/rpc/v1", cfg)
//	if err != nil {
//	    return err
//	}
//	if err := conn.Connect(ctx); err != nil {
//	    return err
//	}
//	defer conn.Disconnect()
func NewConnector(endpoint string, cfg ConnectorConfig) (Connector, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, endpoint)
	}

	switch u.Scheme {
	case "http", "https":
		return NewHTTPConnector(endpoint, cfg), nil
	case "ws", "wss":
		return NewWebsocketConnector(endpoint, cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Call performs a request on c and unmarshals the result into result.
// A null result, or a nil result pointer, leaves result untouched.
func Call(ctx context.Context, c Connector, result any, method string, params ...any) error {
	if params == nil {
		params = []any{}
	}

	raw, err := c.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 || isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}
