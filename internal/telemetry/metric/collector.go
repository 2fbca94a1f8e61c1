// Package metric provides Prometheus metrics for nodelink.
package metric

import "github.com/prometheus/client_golang/prometheus"

// PeerStat is a point-in-time view of one open connection.
type PeerStat struct {
	ConnID  string
	Peer    string
	Role    string
	Phase   string
	Pending int
}

// StatsSource reports live connections.
type StatsSource interface {
	PeerStats() []PeerStat
}

// Collector exports per-connection state on every scrape.
type Collector struct {
	source  StatsSource
	pending *prometheus.Desc
	phase   *prometheus.Desc
}

// NewCollector creates a collector reading from source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "peer", "pending_requests"),
			"Requests awaiting a response, per peer connection.",
			[]string{"conn", "peer", "role"}, nil,
		),
		phase: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "peer", "phase"),
			"Connection phase per peer (value is always 1).",
			[]string{"conn", "peer", "role", "phase"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
	ch <- c.phase
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.PeerStats() {
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.Pending), s.ConnID, s.Peer, s.Role)
		ch <- prometheus.MustNewConstMetric(c.phase, prometheus.GaugeValue, 1, s.ConnID, s.Peer, s.Role, s.Phase)
	}
}
