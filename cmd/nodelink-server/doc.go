// Package main provides the entry point for nodelink-server.
//
// The server runs one cluster node:
//
//   - accepts node connections over TCP and over Connect streams (h2c)
//   - keeps connections to the configured peers alive
//   - answers NodePing and metadata version queries
//   - exposes Prometheus metrics
//
// Usage:
//
//	nodelink-server [flags]
//	nodelink-server --config /etc/nodelink/server.yaml
//
// Every start bumps the node generation persisted under node.data_dir, so
// peers can tell a restarted node from its previous incarnation.
package main
