package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoinjs/lotusrpc/pkg/config"
	"github.com/filecoinjs/lotusrpc/pkg/rpc"
)

type testRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     uint64            `json:"id"`
}

// newTestNode serves a few node methods over HTTP.
func newTestNode(t *testing.T) *httptest.Server {
	t.Helper()

	results := map[string]any{
		"Filecoin.Version": map[string]any{"Version": "1.28.0+mainnet", "APIVersion": 0x20300, "BlockDelay": 30},
		"Filecoin.ChainHead": map[string]any{
			"Cids":   []any{map[string]string{"/": "bafyhead1"}, map[string]string{"/": "bafyhead2"}},
			"Blocks": []any{map[string]any{"Miner": "f01000", "Timestamp": 1700000000}, map[string]any{"Miner": "f02000", "Timestamp": 1700000000}},
			"Height": 4242,
		},
		"Filecoin.WalletBalance":    "2500000000000000000",
		"Filecoin.StateNetworkName": "mainnet",
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req testRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		res := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if result, ok := results[req.Method]; ok {
			res["result"] = result
		} else {
			res["error"] = map[string]any{"code": -32601, "message": "method '" + req.Method + "' not found"}
		}
		_ = json.NewEncoder(w).Encode(res)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestOperator(t *testing.T, cfg *config.Config) (*Operator, *bytes.Buffer) {
	t.Helper()

	node := newTestNode(t)
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.APIURL = node.URL + "/rpc/v1"
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}

	conn, err := rpc.NewConnector(cfg.APIURL, cfg.ConnectorConfig(nil))
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))

	var out bytes.Buffer
	return NewOperator(cfg, conn, &out), &out
}

func TestOperator_Version(t *testing.T) {
	t.Parallel()

	op, out := newTestOperator(t, nil)
	require.NoError(t, op.Execute(context.Background(), []string{"version"}))

	assert.Contains(t, out.String(), "1.28.0+mainnet")
	assert.Contains(t, out.String(), "2.3.0")
	assert.Contains(t, out.String(), "30s")
}

func TestOperator_Head(t *testing.T) {
	t.Parallel()

	op, out := newTestOperator(t, nil)
	require.NoError(t, op.Execute(context.Background(), []string{"head"}))

	assert.Contains(t, out.String(), "4242")
	assert.Contains(t, out.String(), "bafyhead2")
	assert.Contains(t, out.String(), "f02000")
	assert.Contains(t, out.String(), "2023-11-14T22:13:20Z")
}

func TestOperator_Balance(t *testing.T) {
	t.Parallel()

	op, out := newTestOperator(t, nil)
	require.NoError(t, op.Execute(context.Background(), []string{"balance", "f1abc"}))

	assert.Contains(t, out.String(), "f1abc")
	assert.Contains(t, out.String(), "2.5")

	err := op.Execute(context.Background(), []string{"balance"})
	assert.ErrorIs(t, err, ErrUsage)
}

func TestOperator_Call(t *testing.T) {
	t.Parallel()

	op, out := newTestOperator(t, nil)
	require.NoError(t, op.Execute(context.Background(), []string{"call", "StateNetworkName"}))
	assert.Equal(t, "\"mainnet\"\n", out.String())

	err := op.Execute(context.Background(), []string{"call", "Filecoin.Missing", `[1, "two"]`})
	rpcErr, ok := rpc.AsRPCError(err)
	require.True(t, ok)
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestOperator_WatchHeadsPolls(t *testing.T) {
	t.Parallel()

	op, out := newTestOperator(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, op.Execute(ctx, []string{"watch-heads"}))

	assert.Equal(t, "current  4242 bafyhead1,bafyhead2\n", out.String())
}

func TestOperator_Perms(t *testing.T) {
	t.Parallel()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"Allow": []string{"read", "write"}}).
		SignedString([]byte("secret"))
	require.NoError(t, err)

	op, out := newTestOperator(t, &config.Config{APIToken: token})
	require.NoError(t, op.Execute(context.Background(), []string{"perms"}))
	assert.Contains(t, out.String(), "write")

	op, _ = newTestOperator(t, nil)
	assert.ErrorIs(t, op.Execute(context.Background(), []string{"perms"}), ErrUsage)
}

func TestOperator_UnknownCommand(t *testing.T) {
	t.Parallel()

	op, _ := newTestOperator(t, nil)
	assert.ErrorIs(t, op.Execute(context.Background(), []string{"reboot"}), ErrUsage)
	assert.ErrorIs(t, op.Execute(context.Background(), nil), ErrUsage)
}

func TestParseParams(t *testing.T) {
	t.Parallel()

	params, err := parseParams([]string{`["f1abc", null]`})
	require.NoError(t, err)
	assert.Equal(t, []any{"f1abc", nil}, params)

	params, err = parseParams([]string{"f1abc", "42", `{"a":true}`})
	require.NoError(t, err)
	assert.Equal(t, []any{"f1abc", float64(42), map[string]any{"a": true}}, params)

	params, err = parseParams(nil)
	require.NoError(t, err)
	assert.NotNil(t, params)
	assert.Empty(t, params)

	_, err = parseParams([]string{"[1,"})
	assert.ErrorIs(t, err, ErrUsage)
}

func TestFormatAPIVersion(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1.5.0", formatAPIVersion(0x010500))
}
