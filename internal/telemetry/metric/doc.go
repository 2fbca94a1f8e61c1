// Package metric provides Prometheus metrics for nodelink.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: Prometheus registry and HTTP handler
//   - collector.go: Collector reporting per-peer connection state
//
// Metrics include:
//
//   - Connection and handshake counters
//   - Frame counters by body kind
//   - Routing and correlation anomaly counters
//   - Request latency histograms
//
// Metrics are exposed at /metrics in Prometheus format. All recording
// methods are safe to call on a nil *Registry.
package metric
