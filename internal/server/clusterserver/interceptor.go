package clusterserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"connectrpc.com/connect"
)

// ClusterHeader carries the caller's cluster name on Connect streams, so a
// misdirected stream is refused before any frame is exchanged.
const ClusterHeader = "Nodelink-Cluster"

// LoggingInterceptor logs every node stream.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor.
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// WrapUnary implements connect.Interceptor.
func (i *LoggingInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		i.log(req.Spec().Procedure, req.Peer().Addr, time.Since(start), err)
		return resp, err
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *LoggingInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *LoggingInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		start := time.Now()
		i.logger.Debug("node stream started",
			"method", conn.Spec().Procedure,
			"peer", conn.Peer().Addr)

		err := next(ctx, conn)
		i.log(conn.Spec().Procedure, conn.Peer().Addr, time.Since(start), err)
		return err
	}
}

func (i *LoggingInterceptor) log(method, peer string, d time.Duration, err error) {
	if err != nil {
		i.logger.Warn("node stream error",
			"method", method,
			"peer", peer,
			"duration_ms", d.Milliseconds(),
			"error", err)
		return
	}
	i.logger.Debug("node stream completed",
		"method", method,
		"peer", peer,
		"duration_ms", d.Milliseconds())
}

// ClusterInterceptor stamps outgoing streams with the cluster name and
// refuses incoming streams from other clusters.
type ClusterInterceptor struct {
	cluster string
	logger  *slog.Logger
}

// NewClusterInterceptor creates a cluster interceptor for cluster.
func NewClusterInterceptor(cluster string, logger *slog.Logger) *ClusterInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClusterInterceptor{cluster: cluster, logger: logger}
}

// WrapUnary implements connect.Interceptor.
func (i *ClusterInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if req.Spec().IsClient {
			req.Header().Set(ClusterHeader, i.cluster)
			return next(ctx, req)
		}
		if err := i.check(req.Header().Get(ClusterHeader)); err != nil {
			i.logger.Warn("node rpc refused",
				"method", req.Spec().Procedure,
				"peer", req.Peer().Addr,
				"error", err)
			return nil, err
		}
		return next(ctx, req)
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *ClusterInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return func(ctx context.Context, spec connect.Spec) connect.StreamingClientConn {
		conn := next(ctx, spec)
		conn.RequestHeader().Set(ClusterHeader, i.cluster)
		return conn
	}
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *ClusterInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		if err := i.check(conn.RequestHeader().Get(ClusterHeader)); err != nil {
			i.logger.Warn("node stream refused",
				"method", conn.Spec().Procedure,
				"peer", conn.Peer().Addr,
				"error", err)
			return err
		}
		return next(ctx, conn)
	}
}

func (i *ClusterInterceptor) check(got string) error {
	// An absent header is left to the handshake's own cluster check.
	if got == "" || got == i.cluster {
		return nil
	}
	return connect.NewError(connect.CodePermissionDenied,
		fmt.Errorf("cluster %q does not match %q", got, i.cluster))
}

// RecoveryInterceptor recovers from panics.
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor.
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// WrapUnary implements connect.Interceptor.
func (i *RecoveryInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, err error) {
		defer func() {
			if r := recover(); r != nil {
				i.logger.Error("node rpc panic recovered",
					"method", req.Spec().Procedure,
					"panic", r)
				err = connect.NewError(connect.CodeInternal,
					fmt.Errorf("internal server error: panic recovered"))
			}
		}()
		return next(ctx, req)
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *RecoveryInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *RecoveryInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) (err error) {
		defer func() {
			if r := recover(); r != nil {
				i.logger.Error("node stream panic recovered",
					"method", conn.Spec().Procedure,
					"panic", r)
				err = connect.NewError(connect.CodeInternal,
					fmt.Errorf("internal server error: panic recovered"))
			}
		}()
		return next(ctx, conn)
	}
}

// DefaultInterceptors returns the handler-side interceptors for node streams.
func DefaultInterceptors(cluster string, logger *slog.Logger) []connect.Interceptor {
	return []connect.Interceptor{
		NewRecoveryInterceptor(logger),
		NewClusterInterceptor(cluster, logger),
		NewLoggingInterceptor(logger),
	}
}
