// Package metric provides Prometheus metrics for nodelink.
package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nodelink"

// Registry holds all application metrics.
type Registry struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionCloses  *prometheus.CounterVec
	HandshakeDuration *prometheus.HistogramVec

	// Frame metrics
	FramesReceived *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	DecodeFailures prometheus.Counter
	ControlSignals *prometheus.CounterVec

	// Routing metrics
	RouteDispatched *prometheus.CounterVec
	RouteDropped    *prometheus.CounterVec

	// Correlation metrics
	PendingRequests      prometheus.Gauge
	CorrelationAnomalies *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec

	// Metadata metrics
	VersionUpdates *prometheus.CounterVec
}

// NewRegistry creates a registry with Go runtime and process collectors
// plus all nodelink metrics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		registry: reg,

		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open connections.",
		}, []string{"role"}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Handshakes attempted, by outcome.",
		}, []string{"role", "result"}),
		ConnectionCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_closes_total",
			Help:      "Connections closed, by reason.",
		}, []string{"reason"}),
		HandshakeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from transport establishment to Open.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"role"}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received, by body kind.",
		}, []string{"kind"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written, by body kind.",
		}, []string{"kind"}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
		ControlSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_signals_total",
			Help:      "Connection control signals, by signal and direction.",
		}, []string{"signal", "direction"}),

		RouteDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_dispatched_total",
			Help:      "Binary messages handed to a target handler.",
		}, []string{"target"}),
		RouteDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_dropped_total",
			Help:      "Binary messages dropped by the router, by reason.",
		}, []string{"target", "reason"}),

		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests awaiting a response across all connections.",
		}),
		CorrelationAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_anomalies_total",
			Help:      "Responses that matched no pending request.",
		}, []string{"kind"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Round trip time of correlated requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target", "result"}),

		VersionUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_updates_total",
			Help:      "Piggybacked metadata versions that advanced, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		r.ConnectionsActive,
		r.ConnectionsTotal,
		r.ConnectionCloses,
		r.HandshakeDuration,
		r.FramesReceived,
		r.FramesSent,
		r.DecodeFailures,
		r.ControlSignals,
		r.RouteDispatched,
		r.RouteDropped,
		r.PendingRequests,
		r.CorrelationAnomalies,
		r.RequestDuration,
		r.VersionUpdates,
	)
	return r
}

var (
	globalOnce     sync.Once
	globalRegistry *Registry
)

// Global returns the process-wide registry.
func Global() *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}

// Handler returns an HTTP handler for the global registry.
func Handler() http.Handler {
	return Global().Handler()
}

// Handler returns an HTTP handler exposing this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// MustRegister adds extra collectors.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.registry.MustRegister(cs...)
}

// Unregister removes a collector added with MustRegister.
func (r *Registry) Unregister(c prometheus.Collector) bool {
	return r.registry.Unregister(c)
}

// ConnectionOpened records a completed handshake.
func (r *Registry) ConnectionOpened(role string) {
	if r == nil {
		return
	}
	r.ConnectionsTotal.WithLabelValues(role, "open").Inc()
	r.ConnectionsActive.WithLabelValues(role).Inc()
}

// HandshakeFailed records a handshake that never reached Open.
func (r *Registry) HandshakeFailed(role, reason string) {
	if r == nil {
		return
	}
	r.ConnectionsTotal.WithLabelValues(role, reason).Inc()
}

// ObserveHandshake records handshake latency.
func (r *Registry) ObserveHandshake(role string, seconds float64) {
	if r == nil {
		return
	}
	r.HandshakeDuration.WithLabelValues(role).Observe(seconds)
}

// ConnectionClosed records the end of an open connection.
func (r *Registry) ConnectionClosed(role, reason string) {
	if r == nil {
		return
	}
	r.ConnectionsActive.WithLabelValues(role).Dec()
	r.ConnectionCloses.WithLabelValues(reason).Inc()
}

// FrameReceived counts one inbound frame.
func (r *Registry) FrameReceived(kind string) {
	if r == nil {
		return
	}
	r.FramesReceived.WithLabelValues(kind).Inc()
}

// FrameSent counts one outbound frame.
func (r *Registry) FrameSent(kind string) {
	if r == nil {
		return
	}
	r.FramesSent.WithLabelValues(kind).Inc()
}

// DecodeFailure counts one undecodable frame.
func (r *Registry) DecodeFailure() {
	if r == nil {
		return
	}
	r.DecodeFailures.Inc()
}

// ControlSignal counts a control signal sent ("out") or received ("in").
func (r *Registry) ControlSignal(signal, direction string) {
	if r == nil {
		return
	}
	r.ControlSignals.WithLabelValues(signal, direction).Inc()
}

// RouteDispatch counts a message handed to a handler.
func (r *Registry) RouteDispatch(target string) {
	if r == nil {
		return
	}
	r.RouteDispatched.WithLabelValues(target).Inc()
}

// RouteDrop counts a message the router dropped.
func (r *Registry) RouteDrop(target, reason string) {
	if r == nil {
		return
	}
	r.RouteDropped.WithLabelValues(target, reason).Inc()
}

// AddPending adjusts the pending request gauge.
func (r *Registry) AddPending(delta float64) {
	if r == nil {
		return
	}
	r.PendingRequests.Add(delta)
}

// CorrelationAnomaly counts a duplicate or unexpected response.
func (r *Registry) CorrelationAnomaly(kind string) {
	if r == nil {
		return
	}
	r.CorrelationAnomalies.WithLabelValues(kind).Inc()
}

// ObserveRequest records the outcome and latency of a correlated request.
func (r *Registry) ObserveRequest(target, result string, seconds float64) {
	if r == nil {
		return
	}
	r.RequestDuration.WithLabelValues(target, result).Observe(seconds)
}

// VersionUpdate counts an advanced metadata version.
func (r *Registry) VersionUpdate(kind string) {
	if r == nil {
		return
	}
	r.VersionUpdates.WithLabelValues(kind).Inc()
}
