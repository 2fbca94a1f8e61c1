package tracer

import (
	"context"
	"encoding/hex"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TraceParentKey is the W3C trace context key.
const TraceParentKey = "traceparent"

type spanContextKey struct{}

// Extract returns ctx carrying a copy of sc. An empty sc returns ctx unchanged.
func Extract(ctx context.Context, sc map[string]string) context.Context {
	if len(sc) == 0 {
		return ctx
	}
	return context.WithValue(ctx, spanContextKey{}, maps.Clone(sc))
}

// Inject returns a copy of the span context carried by ctx, or nil.
func Inject(ctx context.Context) map[string]string {
	sc, ok := ctx.Value(spanContextKey{}).(map[string]string)
	if !ok || len(sc) == 0 {
		return nil
	}
	return maps.Clone(sc)
}

// TraceID returns the trace id from the context's traceparent, or "".
func TraceID(ctx context.Context) string {
	sc, _ := ctx.Value(spanContextKey{}).(map[string]string)
	traceID, _, ok := parseTraceParent(sc[TraceParentKey])
	if !ok {
		return ""
	}
	return traceID
}

// parseTraceParent splits "00-<trace-id>-<span-id>-<flags>".
func parseTraceParent(tp string) (traceID, spanID string, ok bool) {
	parts := strings.Split(tp, "-")
	if len(parts) != 4 || len(parts[1]) != 32 || len(parts[2]) != 16 {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func formatTraceParent(traceID, spanID string) string {
	return "00-" + traceID + "-" + spanID + "-01"
}

// newIDs derives a 16-byte trace id and an 8-byte span id from a ULID.
func newIDs() (traceID, spanID string) {
	id := ulid.Make()
	return hex.EncodeToString(id[:]), hex.EncodeToString(id[8:])
}

// Span represents a trace span.
type Span interface {
	End()
	SetAttribute(key string, value any)
	RecordError(err error)
}

// StartSpan starts a span as a child of the span in ctx, or as a new root.
// The returned context carries the span's traceparent.
func StartSpan(ctx context.Context, name string) (context.Context, Span) {
	sc := Inject(ctx)
	if sc == nil {
		sc = make(map[string]string, 1)
	}

	traceID, _, ok := parseTraceParent(sc[TraceParentKey])
	_, spanID := newIDs()
	if !ok {
		traceID, _ = newIDs()
	}
	sc[TraceParentKey] = formatTraceParent(traceID, spanID)

	s := &logSpan{name: name, traceID: traceID, spanID: spanID, start: time.Now()}
	return context.WithValue(ctx, spanContextKey{}, sc), s
}

// logSpan reports the finished span to the default logger at debug level.
type logSpan struct {
	name    string
	traceID string
	spanID  string
	start   time.Time
	attrs   []any
	err     error
	ended   bool
}

func (s *logSpan) End() {
	if s.ended {
		return
	}
	s.ended = true

	args := []any{
		"span", s.name,
		"trace_id", s.traceID,
		"span_id", s.spanID,
		"duration_ms", time.Since(s.start).Milliseconds(),
	}
	if s.err != nil {
		args = append(args, "error", s.err)
	}
	slog.Debug("span finished", append(args, s.attrs...)...)
}

func (s *logSpan) SetAttribute(key string, value any) {
	s.attrs = append(s.attrs, key, value)
}

func (s *logSpan) RecordError(err error) {
	if err != nil {
		s.err = err
	}
}
