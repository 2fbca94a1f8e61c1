// Package tracer propagates distributed tracing context across nodes.
//
// The wire header carries a flat string map (the span context). This
// package stores that map in a context.Context, injects it into outbound
// headers and extracts it from inbound ones, using the W3C "traceparent"
// key for the trace and span identifiers. Other keys pass through
// untouched.
package tracer
