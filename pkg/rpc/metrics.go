package rpc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	transportHTTP      = "http"
	transportWebsocket = "websocket"

	// MaxMethodLabels bounds the distinct values of the method label. Methods
	// first seen after the limit is reached are counted as OtherMethodLabel.
	MaxMethodLabels  = 128
	OtherMethodLabel = "other"
)

// Metrics contains the Prometheus collectors updated by the connectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// RPC traffic
	Requests        *prometheus.CounterVec
	RequestFailures *prometheus.CounterVec
	InFlight        *prometheus.GaugeVec
	Queued          prometheus.Gauge

	// Push traffic
	PushFrames      *prometheus.CounterVec
	MalformedFrames prometheus.Counter

	// Connection lifecycle
	Lifecycle *prometheus.CounterVec

	methodsMu sync.Mutex
	methods   map[string]struct{}
}

// NewMetrics registers the connector metrics with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry registers the connector metrics with registry,
// or with the default registerer when registry is nil.
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lotusrpc_requests_total",
			Help: "The total number of RPC requests issued",
		}, []string{"transport", "method"}),
		RequestFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lotusrpc_request_failures_total",
			Help: "The total number of RPC requests that failed, by error kind",
		}, []string{"transport", "kind"}),
		InFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lotusrpc_requests_in_flight",
			Help: "The current number of requests awaiting a response",
		}, []string{"transport"}),
		Queued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lotusrpc_requests_queued",
			Help: "The current number of requests waiting for the websocket to open",
		}),
		PushFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lotusrpc_push_frames_total",
			Help: "The total number of push frames received, by outcome",
		}, []string{"outcome"}),
		MalformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "lotusrpc_malformed_frames_total",
			Help: "The total number of inbound frames that could not be decoded",
		}),
		Lifecycle: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lotusrpc_lifecycle_events_total",
			Help: "The total number of connector lifecycle events",
		}, []string{"transport", "event"}),
	}
}

func (m *Metrics) requestStarted(transport, method string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(transport, m.methodLabel(method)).Inc()
	m.InFlight.WithLabelValues(transport).Inc()
}

// methodLabel admits method as a label value while fewer than
// MaxMethodLabels methods have been seen.
func (m *Metrics) methodLabel(method string) string {
	m.methodsMu.Lock()
	defer m.methodsMu.Unlock()

	if _, ok := m.methods[method]; ok {
		return method
	}
	if len(m.methods) >= MaxMethodLabels {
		return OtherMethodLabel
	}
	if m.methods == nil {
		m.methods = make(map[string]struct{})
	}
	m.methods[method] = struct{}{}
	return method
}

func (m *Metrics) requestFinished(transport string, err error) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(transport).Dec()
	if err != nil {
		m.RequestFailures.WithLabelValues(transport, errorKind(err)).Inc()
	}
}

func (m *Metrics) queueChanged(delta int) {
	if m == nil {
		return
	}
	m.Queued.Add(float64(delta))
}

func (m *Metrics) pushFrame(outcome string) {
	if m == nil {
		return
	}
	m.PushFrames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) malformedFrame() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

func (m *Metrics) lifecycle(transport string, event Event) {
	if m == nil {
		return
	}
	m.Lifecycle.WithLabelValues(transport, event.String()).Inc()
}

// errorKind labels an error with its taxonomy bucket.
func errorKind(err error) string {
	switch {
	case IsConnectionError(err):
		return "connection"
	case isResponseError(err):
		return "response"
	case isProtocolError(err):
		return "protocol"
	}
	if _, ok := AsRPCError(err); ok {
		return "rpc"
	}
	return "other"
}
