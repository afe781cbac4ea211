package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/filecoinjs/lotusrpc/pkg/config"
	"github.com/filecoinjs/lotusrpc/pkg/log"
	"github.com/filecoinjs/lotusrpc/pkg/lotus"
	"github.com/filecoinjs/lotusrpc/pkg/rpc"
)

var ErrUsage = errors.New("invalid usage")

type command struct {
	name        string
	usage       string
	description string
	minArgs     int
}

var commands = []command{
	{name: "version", usage: "version", description: "print the node version"},
	{name: "head", usage: "head", description: "print the current chain head"},
	{name: "balance", usage: "balance <address>...", description: "print wallet balances in FIL", minArgs: 1},
	{name: "call", usage: "call <method> [json-params]", description: "call any method and print the raw result", minArgs: 1},
	{name: "watch-heads", usage: "watch-heads", description: "stream head changes until interrupted"},
	{name: "perms", usage: "perms", description: "print the permissions of LOTUS_API_TOKEN"},
}

// Operator runs one CLI command against a connected node.
type Operator struct {
	cfg    *config.Config
	conn   rpc.Connector
	client *lotus.Client
	out    io.Writer
}

func NewOperator(cfg *config.Config, conn rpc.Connector, out io.Writer) *Operator {
	return &Operator{
		cfg:    cfg,
		conn:   conn,
		client: lotus.NewClient(conn, lotus.WithPollInterval(cfg.PollInterval)),
		out:    out,
	}
}

func (o *Operator) Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return ErrUsage
	}

	name, rest := args[0], args[1:]
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if len(rest) < c.minArgs {
			return fmt.Errorf("%w: lotus-rpc %s", ErrUsage, c.usage)
		}

		switch name {
		case "version":
			return o.handleVersion(ctx)
		case "head":
			return o.handleHead(ctx)
		case "balance":
			return o.handleBalance(ctx, rest)
		case "call":
			return o.handleCall(ctx, rest[0], rest[1:])
		case "watch-heads":
			return o.handleWatchHeads(ctx)
		case "perms":
			return o.handlePerms()
		}
	}
	return fmt.Errorf("%w: unknown command %q", ErrUsage, name)
}

func (o *Operator) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.RequestTimeout)
}

func (o *Operator) newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(o.out)
	return t
}

func (o *Operator) handleVersion(ctx context.Context) error {
	ctx, cancel := o.requestContext(ctx)
	defer cancel()

	v, err := o.client.Version(ctx)
	if err != nil {
		return err
	}

	t := o.newTable()
	t.AppendHeader(table.Row{"Endpoint", "Version", "API Version", "Block Delay"})
	t.AppendSeparator()
	t.AppendRow(table.Row{o.conn.Endpoint(), v.Version, formatAPIVersion(v.APIVersion), fmt.Sprintf("%ds", v.BlockDelay)})
	t.Render()
	return nil
}

// formatAPIVersion renders the node's packed major.minor.patch version.
func formatAPIVersion(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", (v>>16)&0xff, (v>>8)&0xff, v&0xff)
}

func (o *Operator) handleHead(ctx context.Context) error {
	ctx, cancel := o.requestContext(ctx)
	defer cancel()

	head, err := o.client.ChainHead(ctx)
	if err != nil {
		return err
	}

	t := o.newTable()
	t.AppendHeader(table.Row{"Height", "Block", "Miner", "Timestamp"})
	t.AppendSeparator()
	for i, c := range head.Cids {
		var miner, ts string
		if i < len(head.Blocks) {
			miner = head.Blocks[i].Miner
			ts = time.Unix(int64(head.Blocks[i].Timestamp), 0).UTC().Format(time.RFC3339)
		}
		t.AppendRow(table.Row{head.Height, c.String(), miner, ts})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 1, AutoMerge: true}})
	t.Render()
	return nil
}

func (o *Operator) handleBalance(ctx context.Context, addrs []string) error {
	ctx, cancel := o.requestContext(ctx)
	defer cancel()

	t := o.newTable()
	t.AppendHeader(table.Row{"Address", "Balance (FIL)"})
	t.AppendSeparator()
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})

	for _, addr := range addrs {
		balance, err := o.client.WalletBalance(ctx, addr)
		if err != nil {
			return fmt.Errorf("balance of %s: %w", addr, err)
		}
		t.AppendRow(table.Row{addr, lotus.ToFIL(balance).String()})
	}
	t.Render()
	return nil
}

// handleCall accepts the params either as one JSON array or as one JSON
// value per argument.
func (o *Operator) handleCall(ctx context.Context, method string, rawParams []string) error {
	params, err := parseParams(rawParams)
	if err != nil {
		return err
	}

	ctx, cancel := o.requestContext(ctx)
	defer cancel()

	if !strings.Contains(method, ".") {
		method = "Filecoin." + method
	}
	result, err := o.conn.Request(ctx, method, params)
	if err != nil {
		return err
	}

	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(o.out, string(out))
	return err
}

func parseParams(raw []string) ([]any, error) {
	if len(raw) == 1 && strings.HasPrefix(strings.TrimSpace(raw[0]), "[") {
		var params []any
		if err := json.Unmarshal([]byte(raw[0]), &params); err != nil {
			return nil, fmt.Errorf("%w: params: %w", ErrUsage, err)
		}
		return params, nil
	}

	params := make([]any, 0, len(raw))
	for _, arg := range raw {
		var v any
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			// Bare words such as addresses are passed as strings.
			v = arg
		}
		params = append(params, v)
	}
	return params, nil
}

func (o *Operator) handleWatchHeads(ctx context.Context) error {
	lg := log.FromContext(ctx)

	subCtx, cancel := o.requestContext(ctx)
	stop, err := o.client.ChainNotify(subCtx, func(changes []lotus.HeadChange) {
		for _, change := range changes {
			if change.Val == nil {
				continue
			}
			fmt.Fprintf(o.out, "%-8s %d %s\n", change.Type, change.Val.Height, change.Val.Key())
		}
	})
	cancel()
	if err != nil {
		return err
	}
	defer stop()

	if _, ok := o.conn.(rpc.Subscribable); !ok {
		lg.Info("endpoint cannot push head changes, polling", "interval", o.cfg.PollInterval)
	}

	disconnected := make(chan error, 1)
	o.conn.On(rpc.EventDisconnected, func(err error) {
		select {
		case disconnected <- err:
		default:
		}
	})

	select {
	case <-ctx.Done():
		return nil
	case err := <-disconnected:
		if err == nil {
			err = rpc.ErrConnectionClosed
		}
		return err
	}
}

func (o *Operator) handlePerms() error {
	if o.cfg.APIToken == "" {
		return fmt.Errorf("%w: LOTUS_API_TOKEN is not set", ErrUsage)
	}

	perms, err := config.TokenPermissions(o.cfg.APIToken)
	if err != nil {
		return err
	}

	t := o.newTable()
	t.AppendHeader(table.Row{"Permission", "Granted"})
	t.AppendSeparator()
	for _, p := range []string{config.PermRead, config.PermWrite, config.PermSign, config.PermAdmin} {
		t.AppendRow(table.Row{p, config.HasPermission(perms, p)})
	}
	t.Render()
	return nil
}
