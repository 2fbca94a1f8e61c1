// Package httpserver serves the node's admin HTTP endpoints.
//
// Routes:
//
//	GET  /healthz                        liveness
//	GET  /readyz                         503 until the node runs, and while it stops
//	GET  /metrics                        Prometheus exposition
//	GET  /v1/status                      node identity, versions and connections
//	GET  /v1/connections                 tracked connections
//	POST /v1/connections/{id}/drain      drain one connection
//
// Everything passes through Recover, RequestID and AccessLog. The /v1
// routes are additionally limited per client IP and, when an allow list is
// configured, restricted to it.
package httpserver
