// Package metrics exposes Prometheus counters for the proxy.
//
// Metrics:
//   - llmtap_exchanges_total: forwarded exchanges by method and status class
//   - llmtap_tunnels_total: CONNECT tunnels by result
//   - llmtap_forwarded_bytes_total: body bytes relayed, by direction
//   - llmtap_decode_failures_total: captured bodies shown as binary markers
//   - llmtap_malformed_payloads_total: stream deltas whose payload was not JSON
//   - llmtap_streams_in_flight: reassembly states awaiting a terminal event
//   - llmtap_streams_evicted_total: streams dropped without a terminal event
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llmtap"

// Metrics holds the proxy's collectors.
type Metrics struct {
	registry *prometheus.Registry

	exchanges      *prometheus.CounterVec
	tunnels        *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	decodeFailures prometheus.Counter
	malformed      prometheus.Counter
	streams        prometheus.Gauge
	evicted        prometheus.Counter
}

// New creates the collectors and registers them with registry. A nil registry
// gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Forwarded request/response exchanges.",
		}, []string{"method", "status"}),
		tunnels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_total",
			Help:      "CONNECT tunnels by result.",
		}, []string{"result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_bytes_total",
			Help:      "Body bytes relayed between client and upstream.",
		}, []string{"direction"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Captured bodies that could not be shown as text.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_payloads_total",
			Help:      "Stream deltas whose payload was not JSON.",
		}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_in_flight",
			Help:      "Event streams awaiting a terminal event.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_evicted_total",
			Help:      "Event streams that ended without a terminal event.",
		}),
	}

	registry.MustRegister(m.exchanges, m.tunnels, m.bytes, m.decodeFailures, m.malformed, m.streams, m.evicted)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Exchange records a finished exchange. status 0 means no response.
func (m *Metrics) Exchange(method string, status int) {
	if m == nil {
		return
	}

	m.exchanges.WithLabelValues(method, statusClass(status)).Inc()
}

// Tunnel records a CONNECT attempt; result is "established" or "failed".
func (m *Metrics) Tunnel(result string) {
	if m == nil {
		return
	}

	m.tunnels.WithLabelValues(result).Inc()
}

// Bytes records n body bytes relayed in direction ("request" or "response").
func (m *Metrics) Bytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}

	m.bytes.WithLabelValues(direction).Add(float64(n))
}

// DecodeFailure records a body shown as a binary marker.
func (m *Metrics) DecodeFailure() {
	if m == nil {
		return
	}

	m.decodeFailures.Inc()
}

// MalformedPayload records a stream delta treated as empty.
func (m *Metrics) MalformedPayload() {
	if m == nil {
		return
	}

	m.malformed.Inc()
}

// StreamsInFlight sets the number of live reassembly states.
func (m *Metrics) StreamsInFlight(n int) {
	if m == nil {
		return
	}

	m.streams.Set(float64(n))
}

// StreamEvicted records a stream dropped without a terminal event.
func (m *Metrics) StreamEvicted() {
	if m == nil {
		return
	}

	m.evicted.Inc()
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "error"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
