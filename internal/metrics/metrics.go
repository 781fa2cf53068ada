// Package metrics provides Prometheus metrics collection for the coordinator.
// Every method is safe on a nil *Metrics so core packages can run without it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ring"

// Metrics contains the registry and the custom collectors.
type Metrics struct {
	registry *prometheus.Registry

	connections     prometheus.Gauge
	registeredUsers prometheus.Gauge
	activeCalls     prometheus.Gauge
	rooms           prometheus.Gauge
	transitions     *prometheus.CounterVec
	staleOps        *prometheus.CounterVec
	relayDropped    prometheus.Counter
	persistFailures *prometheus.CounterVec
	rateLimited     prometheus.Counter
}

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Current number of signal connections.",
		}),
		registeredUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_users",
			Help:      "Current number of users bound to a connection.",
		}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Call sessions in a non-terminal state.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Call state transitions by target state.",
		}, []string{"state"}),
		staleOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_operations_total",
			Help:      "Call-control operations rejected as stale.",
		}, []string{"op"}),
		relayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dropped_total",
			Help:      "Frames not delivered to a recipient because of backpressure or a closed connection.",
		}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Failed calls to the external store.",
		}, []string{"op"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Call initiations refused by the rate limiter.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.registeredUsers,
		m.activeCalls,
		m.rooms,
		m.transitions,
		m.staleOps,
		m.relayDropped,
		m.persistFailures,
		m.rateLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SetRegisteredUsers(n int) {
	if m != nil {
		m.registeredUsers.Set(float64(n))
	}
}

func (m *Metrics) SetActiveCalls(n int) {
	if m != nil {
		m.activeCalls.Set(float64(n))
	}
}

func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) CallTransition(state string) {
	if m != nil {
		m.transitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) StaleOperation(op string) {
	if m != nil {
		m.staleOps.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) RelayDropped(n int) {
	if m != nil && n > 0 {
		m.relayDropped.Add(float64(n))
	}
}

func (m *Metrics) PersistenceFailed(op string) {
	if m != nil {
		m.persistFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}
