package logger

import (
	"context"
	"log/slog"

	"github.com/yndnr/nodelink-go/internal/telemetry/tracer"
)

type contextKey int

const (
	connIDKey contextKey = iota
	peerKey
)

// WithConnID adds a connection id to the context.
func WithConnID(ctx context.Context, connID string) context.Context {
	if connID == "" {
		return ctx
	}
	return context.WithValue(ctx, connIDKey, connID)
}

// ConnIDFromContext extracts the connection id from context.
func ConnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey).(string)
	return id
}

// WithPeer adds the remote node identity to the context.
func WithPeer(ctx context.Context, peer string) context.Context {
	if peer == "" {
		return ctx
	}
	return context.WithValue(ctx, peerKey, peer)
}

// PeerFromContext extracts the remote node identity from context.
func PeerFromContext(ctx context.Context) string {
	p, _ := ctx.Value(peerKey).(string)
	return p
}

// contextHandler adds the context's connection id, peer and trace id to
// each record.
type contextHandler struct {
	next slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		if id := ConnIDFromContext(ctx); id != "" {
			r.AddAttrs(slog.String("conn_id", id))
		}
		if p := PeerFromContext(ctx); p != "" {
			r.AddAttrs(slog.String("peer", p))
		}
		if tid := tracer.TraceID(ctx); tid != "" {
			r.AddAttrs(slog.String("trace_id", tid))
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{next: h.next.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{next: h.next.WithGroup(name)}
}
