package rpc_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

// nodeRequest is a request as seen by the fake node.
type nodeRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      uint64            `json:"id"`
}

// fakeNode is a websocket server that runs handle once per accepted connection.
type fakeNode struct {
	*httptest.Server
	connections atomic.Int32
	tokens      chan string
}

func newFakeNode(t *testing.T, handle func(conn *websocket.Conn)) *fakeNode {
	t.Helper()

	node := &fakeNode{tokens: make(chan string, 16)}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	node.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		node.connections.Add(1)
		select {
		case node.tokens <- r.URL.Query().Get("token"):
		default:
		}
		handle(conn)
	}))
	t.Cleanup(node.Close)

	return node
}

// WSURL returns the node address with a ws scheme.
func (n *fakeNode) WSURL() string {
	return "ws" + strings.TrimPrefix(n.URL, "http") + "/rpc/v1"
}

func readNodeRequest(t *testing.T, conn *websocket.Conn) (nodeRequest, bool) {
	t.Helper()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nodeRequest{}, false
	}
	var req nodeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Errorf("node received malformed request %q: %v", data, err)
		return nodeRequest{}, false
	}
	return req, true
}

func writeFrame(conn *websocket.Conn, frame string) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func writeResult(conn *websocket.Conn, id uint64, result any) error {
	return conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

// echoMethod answers every request with its own method name until the
// client goes away.
func echoMethod(t *testing.T) func(conn *websocket.Conn) {
	return func(conn *websocket.Conn) {
		for {
			req, ok := readNodeRequest(t, conn)
			if !ok {
				return
			}
			if err := writeResult(conn, req.ID, req.Method); err != nil {
				return
			}
		}
	}
}

// drainRequests reads and ignores every request until the client goes away.
func drainRequests(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
