package router

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"
	"golang.org/x/time/rate"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/wire"
	"github.com/yndnr/nodelink-go/internal/telemetry/logger"
	"github.com/yndnr/nodelink-go/internal/telemetry/metric"
	"github.com/yndnr/nodelink-go/internal/telemetry/tracer"
)

// UnknownTargetError reports a message for a target without a handler.
// It matches domain.ErrUnknownTarget with errors.Is.
type UnknownTargetError struct {
	Target wire.TargetName
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("%s: %s", domain.ErrUnknownTarget.Message, e.Target)
}

// Is matches domain.ErrUnknownTarget.
func (e *UnknownTargetError) Is(target error) bool {
	return domain.ErrUnknownTarget.Is(target)
}

// DiagnosticKind classifies a dropped message.
type DiagnosticKind int

const (
	DiagnosticUnknownTarget DiagnosticKind = iota
	DiagnosticOverloaded
)

func (k DiagnosticKind) String() string {
	if k == DiagnosticOverloaded {
		return "overloaded"
	}
	return "unknown_target"
}

// Diagnostic describes one message the router dropped.
type Diagnostic struct {
	Kind   DiagnosticKind
	Target wire.TargetName
	Peer   string
	ConnID string
	MsgID  uint64
	Err    error
}

// Config configures a Router.
type Config struct {
	// Workers is the number of dispatch goroutines.
	Workers int

	// QueueSize bounds each worker's queue.
	QueueSize int

	// OnDiagnostic is called once for every dropped message.
	OnDiagnostic func(Diagnostic)

	// Metrics may be nil.
	Metrics *metric.Registry

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:   8,
		QueueSize: 1024,
		Logger:    slog.Default(),
	}
}

type job struct {
	handler Handler
	env     *Envelope
}

// Router hands routed messages to a fixed worker pool. Messages for the
// same target always land on the same worker, so a target sees messages
// in arrival order.
type Router struct {
	registry *Registry
	cfg      Config
	logger   *slog.Logger
	queues   []chan job

	// Throttles drop logging; every drop is still counted.
	logLimiter *rate.Limiter
	suppressed atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// New creates a router over registry.
func New(registry *Registry, cfg Config) *Router {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	queues := make([]chan job, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan job, cfg.QueueSize)
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Router{
		registry:   registry,
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "router"),
		queues:     queues,
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Registry returns the registry the router reads.
func (r *Router) Registry() *Registry { return r.registry }

// Start launches the workers. It is a no-op after the first call.
func (r *Router) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	for i, q := range r.queues {
		r.wg.Add(1)
		go r.worker(i, q)
	}
	r.logger.Info("router started", "workers", len(r.queues), "queue_size", r.cfg.QueueSize)
}

// Stop halts the workers and waits for in-progress handlers to return.
// Messages still queued are discarded.
func (r *Router) Stop() {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info("router stopped")
}

// Route hands env to its target's handler without blocking. It returns
// an *UnknownTargetError when no handler is registered, and
// ErrDispatchOverloaded when the worker queue is full. In both cases the
// message is dropped and exactly one diagnostic is raised.
func (r *Router) Route(env *Envelope) error {
	target := env.Message.Target

	if r.stopped.Load() {
		return domain.ErrConnectionClosed.WithDetails("router stopped")
	}

	h, ok := r.registry.Lookup(target)
	if !ok {
		err := &UnknownTargetError{Target: target}
		r.drop(DiagnosticUnknownTarget, env, err)
		return err
	}

	select {
	case r.queues[r.shard(target)] <- job{handler: h, env: env}:
		r.cfg.Metrics.RouteDispatch(target.String())
		return nil
	default:
		err := domain.ErrDispatchOverloaded.WithDetails(target.String())
		r.drop(DiagnosticOverloaded, env, err)
		return err
	}
}

func (r *Router) shard(target wire.TargetName) int {
	var key [4]byte
	binary.LittleEndian.PutUint32(key[:], uint32(target))
	return int(murmur3.Sum32(key[:]) % uint32(len(r.queues)))
}

func (r *Router) drop(kind DiagnosticKind, env *Envelope, err error) {
	d := Diagnostic{
		Kind:   kind,
		Target: env.Message.Target,
		Peer:   env.PeerString(),
		ConnID: env.ConnID,
		MsgID:  env.Header.MsgID,
		Err:    err,
	}

	r.cfg.Metrics.RouteDrop(d.Target.String(), kind.String())
	if r.cfg.OnDiagnostic != nil {
		r.cfg.OnDiagnostic(d)
	}

	if !r.logLimiter.Allow() {
		r.suppressed.Add(1)
		return
	}
	r.logger.Warn("message dropped",
		"reason", kind.String(),
		"target", d.Target.String(),
		"peer", d.Peer,
		"conn_id", d.ConnID,
		"msg_id", d.MsgID,
		"suppressed", r.suppressed.Swap(0),
	)
}

func (r *Router) worker(id int, q <-chan job) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case j := <-q:
			r.invoke(id, j)
		}
	}
}

func (r *Router) invoke(worker int, j job) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panic",
				"worker", worker,
				"target", j.env.Message.Target.String(),
				"peer", j.env.PeerString(),
				"panic", p,
			)
		}
	}()
	ctx := tracer.Extract(r.ctx, j.env.Header.SpanContext)
	ctx = logger.WithPeer(logger.WithConnID(ctx, j.env.ConnID), j.env.PeerString())
	j.handler.OnMessage(ctx, j.env)
}
