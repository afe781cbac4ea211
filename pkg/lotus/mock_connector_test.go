package lotus_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/filecoinjs/lotusrpc/pkg/rpc"
)

// MockCallHandler answers one call in the mock connector.
type MockCallHandler func(params []any) (any, error)

// Ensure the mocks implement the connector interfaces
var (
	_ rpc.Connector    = (*MockConnector)(nil)
	_ rpc.Subscribable = (*MockSubscribable)(nil)
)

// MockConnector is a request-only connector driven by registered handlers,
// standing in for the HTTP connector.
type MockConnector struct {
	mu       sync.Mutex
	handlers map[string]MockCallHandler
	calls    map[string]int
}

func NewMockConnector() *MockConnector {
	return &MockConnector{
		handlers: make(map[string]MockCallHandler),
		calls:    make(map[string]int),
	}
}

// RegisterHandler registers handler for method.
func (m *MockConnector) RegisterHandler(method string, handler MockCallHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = handler
}

// Calls returns how often method was requested.
func (m *MockConnector) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockConnector) Request(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	m.mu.Lock()
	handler, ok := m.handlers[method]
	m.calls[method]++
	m.mu.Unlock()

	if !ok {
		return nil, &rpc.RPCError{Code: -32601, Message: "method not found"}
	}
	result, err := handler(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (m *MockConnector) Connect(context.Context) error  { return nil }
func (m *MockConnector) Disconnect() error              { return nil }
func (m *MockConnector) On(rpc.Event, rpc.EventHandler) {}
func (m *MockConnector) State() rpc.State               { return rpc.StateConnected }
func (m *MockConnector) Endpoint() string               { return "http://mock/rpc/v1" }

// MockSubscribable adds push support to MockConnector. Subscribing calls
// get sequential numeric tags and Publish delivers payloads to them.
type MockSubscribable struct {
	*MockConnector

	subMu    sync.Mutex
	nextTag  int
	channels map[string][]rpc.ChannelCallback
	methods  map[string]string
}

func NewMockSubscribable() *MockSubscribable {
	return &MockSubscribable{
		MockConnector: NewMockConnector(),
		channels:      make(map[string][]rpc.ChannelCallback),
		methods:       make(map[string]string),
	}
}

func (m *MockSubscribable) Endpoint() string { return "ws://mock/rpc/v1" }

func (m *MockSubscribable) OnChannel(tag string, cb rpc.ChannelCallback) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.channels[tag] = append(m.channels[tag], cb)
}

func (m *MockSubscribable) RemoveChannelListener(tag string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	delete(m.channels, tag)
	delete(m.methods, tag)
}

func (m *MockSubscribable) Subscribe(ctx context.Context, method string, params []any, cb rpc.ChannelCallback) (string, error) {
	m.subMu.Lock()
	m.nextTag++
	tag := strconv.Itoa(m.nextTag)
	m.channels[tag] = append(m.channels[tag], cb)
	m.methods[tag] = method
	m.subMu.Unlock()
	return tag, nil
}

func (m *MockSubscribable) Subscriptions() []rpc.Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	subs := make([]rpc.Subscription, 0, len(m.channels))
	for tag, cbs := range m.channels {
		subs = append(subs, rpc.Subscription{Tag: tag, Callbacks: len(cbs), Active: true})
	}
	return subs
}

// Publish pushes payload to every channel opened by method.
func (m *MockSubscribable) Publish(method string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling push: %w", err)
	}

	m.subMu.Lock()
	var callbacks []rpc.ChannelCallback
	for tag, subscribed := range m.methods {
		if subscribed == method {
			callbacks = append(callbacks, m.channels[tag]...)
		}
	}
	m.subMu.Unlock()

	for _, cb := range callbacks {
		cb(data)
	}
	return nil
}
