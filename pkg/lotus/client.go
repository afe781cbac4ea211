package lotus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/filecoinjs/lotusrpc/pkg/log"
	"github.com/filecoinjs/lotusrpc/pkg/rpc"
)

const (
	methodVersion       = "Filecoin.Version"
	methodChainHead     = "Filecoin.ChainHead"
	methodWalletBalance = "Filecoin.WalletBalance"
	methodChainNotify   = "Filecoin.ChainNotify"
	methodMpoolSub      = "Filecoin.MpoolSub"

	// attoFIL per FIL is 10^18.
	filPrecision = 18
)

var (
	ErrPushUnsupported = fmt.Errorf("connector cannot receive pushes")
	ErrInvalidBalance  = fmt.Errorf("invalid balance")
)

// DefaultPollInterval is used by ChainNotify on connectors without push
// support. It matches the Filecoin block time.
const DefaultPollInterval = 30 * time.Second

// Client calls a handful of node API methods over any rpc.Connector.
type Client struct {
	conn         rpc.Connector
	pollInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets the chain head polling interval used when the
// connector cannot receive pushes.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewClient returns a Client using conn.
func NewClient(conn rpc.Connector, opts ...Option) *Client {
	c := &Client{conn: conn, pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connector returns the underlying connector.
func (c *Client) Connector() rpc.Connector {
	return c.conn
}

func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	var v VersionInfo
	err := rpc.Call(ctx, c.conn, &v, methodVersion)
	return v, err
}

func (c *Client) ChainHead(ctx context.Context) (*TipSet, error) {
	var ts TipSet
	if err := rpc.Call(ctx, c.conn, &ts, methodChainHead); err != nil {
		return nil, err
	}
	return &ts, nil
}

// WalletBalance returns the balance of addr in attoFIL.
func (c *Client) WalletBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	var raw string
	if err := rpc.Call(ctx, c.conn, &raw, methodWalletBalance, addr); err != nil {
		return decimal.Decimal{}, err
	}

	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q: %w", ErrInvalidBalance, raw, err)
	}
	return balance, nil
}

// ToFIL converts an attoFIL amount to FIL.
func ToFIL(atto decimal.Decimal) decimal.Decimal {
	return atto.Shift(-filPrecision)
}

// ChainNotify calls handler with every batch of head changes until stop is
// called. The first batch holds a single HeadChangeCurrent entry.
//
// On a connector implementing rpc.Subscribable the node pushes the changes.
// Otherwise a Poller polls ChainHead at the client's poll interval and
// reports each new head as HeadChangeApply. handler may call other Client
// methods.
func (c *Client) ChainNotify(ctx context.Context, handler func([]HeadChange)) (stop func(), err error) {
	sub, ok := c.conn.(rpc.Subscribable)
	if !ok {
		return c.pollHeads(ctx, handler), nil
	}

	lg := log.FromContext(ctx).WithName("chain-notify")
	tag, err := sub.Subscribe(ctx, methodChainNotify, []any{}, func(payload json.RawMessage) {
		var changes []HeadChange
		if err := json.Unmarshal(payload, &changes); err != nil {
			lg.Warn("malformed head change", "error", err)
			return
		}
		handler(changes)
	})
	if err != nil {
		return nil, err
	}

	lg.Debug("subscribed to head changes", "tag", tag)
	return func() { sub.RemoveChannelListener(tag) }, nil
}

func (c *Client) pollHeads(ctx context.Context, handler func([]HeadChange)) func() {
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		NewPoller(c, c.pollInterval).Run(pollCtx, handler)
	}()

	return func() {
		cancel()
		<-done
	}
}

// MpoolSub calls handler with every message pool update until stop is
// called. It needs a connector implementing rpc.Subscribable.
func (c *Client) MpoolSub(ctx context.Context, handler func(MpoolUpdate)) (stop func(), err error) {
	sub, ok := c.conn.(rpc.Subscribable)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPushUnsupported, c.conn.Endpoint())
	}

	lg := log.FromContext(ctx).WithName("mpool-sub")
	tag, err := sub.Subscribe(ctx, methodMpoolSub, []any{}, func(payload json.RawMessage) {
		var update MpoolUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			lg.Warn("malformed mpool update", "error", err)
			return
		}
		handler(update)
	})
	if err != nil {
		return nil, err
	}
	return func() { sub.RemoveChannelListener(tag) }, nil
}
