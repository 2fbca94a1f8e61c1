package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/correlation"
	"github.com/yndnr/nodelink-go/internal/net/handshake"
	"github.com/yndnr/nodelink-go/internal/net/router"
	"github.com/yndnr/nodelink-go/internal/net/transport"
	"github.com/yndnr/nodelink-go/internal/net/versions"
	"github.com/yndnr/nodelink-go/internal/net/wire"
	"github.com/yndnr/nodelink-go/internal/telemetry/metric"
	"github.com/yndnr/nodelink-go/internal/telemetry/tracer"
)

// codecErrorFlushTimeout bounds how long a CODEC_ERROR notice may delay
// the close that follows it.
const codecErrorFlushTimeout = time.Second

var errNilMessage = domain.ErrInvalidArgument.WithDetails("nil message")

type outbound struct {
	frame   []byte
	kind    string
	flushed chan struct{}
}

// Conn is one node-to-node connection.
type Conn struct {
	id      string
	stream  transport.Stream
	opts    Options
	logger  *slog.Logger
	metrics *metric.Registry

	// mu guards the machine and the drain timer.
	mu         sync.Mutex
	machine    *handshake.Machine
	drainGrace time.Duration
	drainTimer *time.Timer

	// sendSlot orders msg id assignment and queueing. It is a one-slot
	// semaphore so a waiting sender still honours its ctx and Close.
	sendSlot chan struct{}
	nextID   uint64

	pending *correlation.Table
	tracker versions.Tracker

	sendq   chan outbound
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error

	eg      errgroup.Group
	started atomic.Bool
	opened  atomic.Bool
}

// New creates a connection over stream. Nothing is sent or received until
// Handshake is called.
func New(stream transport.Stream, opts Options) (*Conn, error) {
	opts.setDefaults()

	machine, err := handshake.New(handshake.Config{
		Role:        opts.Role,
		Versions:    opts.Versions,
		ClusterName: opts.ClusterName,
		MyNodeID:    opts.MyNodeID,
		Admit:       opts.Admit,
	})
	if err != nil {
		return nil, err
	}

	c := &Conn{
		id:         ulid.Make().String(),
		stream:     stream,
		opts:       opts,
		metrics:    opts.Metrics,
		machine:    machine,
		drainGrace: opts.DrainGracePeriod,
		pending:    correlation.NewTable(opts.RecentResponses),
		sendSlot:   make(chan struct{}, 1),
		sendq:      make(chan outbound, opts.SendQueueSize),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.logger = opts.Logger.With(
		"conn_id", c.id,
		"role", opts.Role.String(),
		"remote_addr", stream.RemoteAddr(),
	)
	c.pending.OnPendingChange(func(delta int) {
		c.metrics.AddPending(float64(delta))
	})
	return c, nil
}

// Accept creates an acceptor connection and runs its handshake.
func Accept(ctx context.Context, stream transport.Stream, opts Options) (*Conn, error) {
	opts.Role = handshake.RoleAcceptor
	return open(ctx, stream, opts)
}

// Initiate creates an initiator connection and runs its handshake.
func Initiate(ctx context.Context, stream transport.Stream, opts Options) (*Conn, error) {
	opts.Role = handshake.RoleInitiator
	return open(ctx, stream, opts)
}

func open(ctx context.Context, stream transport.Stream, opts Options) (*Conn, error) {
	c, err := New(stream, opts)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	if err := c.Handshake(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// Role returns whether this side initiated the connection.
func (c *Conn) Role() handshake.Role { return c.opts.Role }

// RemoteAddr returns the transport's peer address.
func (c *Conn) RemoteAddr() string { return c.stream.RemoteAddr() }

// Phase returns the current lifecycle phase.
func (c *Conn) Phase() handshake.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Phase()
}

// ProtocolVersion returns the negotiated version, Unknown before Open.
func (c *Conn) ProtocolVersion() wire.ProtocolVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.ProtocolVersion()
}

// Peer returns the peer's identity, nil before Open or when anonymous.
func (c *Conn) Peer() *domain.GenerationalNodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Peer()
}

// Pending returns the number of requests awaiting a response.
func (c *Conn) Pending() int { return c.pending.Len() }

// Done is closed once teardown has finished.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the close cause, or nil while the connection is alive.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Wait blocks until the connection is closed and its goroutines have
// exited, and returns the close cause.
func (c *Conn) Wait() error {
	<-c.done
	_ = c.eg.Wait()
	return c.closeErr
}

// SetDrainGrace changes the grace period for drains started afterwards.
func (c *Conn) SetDrainGrace(d time.Duration) {
	c.mu.Lock()
	c.drainGrace = d
	c.mu.Unlock()
}

// Stat returns a metrics snapshot of the connection.
func (c *Conn) Stat() metric.PeerStat {
	peer := "anonymous"
	if p := c.Peer(); p != nil {
		peer = p.String()
	}
	return metric.PeerStat{
		ConnID:  c.id,
		Peer:    peer,
		Role:    c.opts.Role.String(),
		Phase:   c.Phase().String(),
		Pending: c.pending.Len(),
	}
}

// Handshake exchanges Hello and Welcome and, on success, starts the read
// and write loops. It fails if the handshake does not finish within the
// configured timeout or before ctx ends. On failure the connection is
// closed.
func (c *Conn) Handshake(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return domain.ErrInvalidArgument.WithDetails("handshake already run")
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	// Close the stream to unblock Send/Recv when ctx ends mid-handshake.
	stop := context.AfterFunc(ctx, func() { _ = c.stream.Close() })

	start := time.Now()
	var err error
	if c.opts.Role == handshake.RoleInitiator {
		err = c.initiate(ctx)
	} else {
		err = c.accept(ctx)
	}

	if !stop() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = domain.ErrHandshakeTimeout.WithCause(err)
		} else {
			err = domain.ErrConnectionClosed.WithCause(ctx.Err())
		}
	}
	role := c.opts.Role.String()
	if err != nil {
		c.metrics.HandshakeFailed(role, closeReason(err))
		c.logger.Warn("handshake failed", "error", err)
		c.closeWith(err)
		return err
	}

	c.metrics.ObserveHandshake(role, time.Since(start).Seconds())
	c.metrics.ConnectionOpened(role)
	c.opened.Store(true)
	c.logger = c.logger.With("peer", c.Stat().Peer)
	c.logger.Info("connection open",
		"protocol_version", c.ProtocolVersion().String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	c.eg.Go(c.readLoop)
	c.eg.Go(c.writeLoop)
	return nil
}

func (c *Conn) initiate(ctx context.Context) error {
	c.mu.Lock()
	hello, err := c.machine.Start()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := c.writeDirect(ctx, hello); err != nil {
		return err
	}

	msg, err := c.readDirect()
	if err != nil {
		return err
	}

	c.mu.Lock()
	_, err = c.machine.Receive(msg)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.observeVersions(msg.Header)
	return nil
}

// accept never sends anything but a Welcome. A refused handshake is
// answered by closing the stream.
func (c *Conn) accept(ctx context.Context) error {
	msg, err := c.readDirect()
	if err != nil {
		return err
	}

	c.mu.Lock()
	reply, err := c.machine.Receive(msg)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.observeVersions(msg.Header)
	return c.writeDirect(ctx, reply)
}

// writeDirect sends body on the stream before the write loop runs.
func (c *Conn) writeDirect(ctx context.Context, body wire.Body) error {
	if err := c.acquireSend(ctx); err != nil {
		return err
	}
	defer c.releaseSend()

	msg := &wire.Message{Header: c.nextHeader(ctx, 0), Body: body}
	frame, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.stream.Send(frame); err != nil {
		return domain.ErrConnectionClosed.WithCause(err)
	}
	c.metrics.FrameSent(msg.Kind().String())
	return nil
}

func (c *Conn) readDirect() (*wire.Message, error) {
	frame, err := c.stream.Recv()
	if err != nil {
		return nil, streamError(err)
	}
	msg, err := wire.Unmarshal(frame)
	if err != nil {
		c.metrics.DecodeFailure()
		return nil, err
	}
	c.metrics.FrameReceived(msg.Kind().String())
	return msg, nil
}

// acquireSend takes the send slot, giving up when ctx ends or the
// connection closes.
func (c *Conn) acquireSend(ctx context.Context) error {
	select {
	case c.sendSlot <- struct{}{}:
		return nil
	case <-c.closing:
		return domain.ErrConnectionClosed.WithCause(c.closeErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) releaseSend() { <-c.sendSlot }

// nextHeader must be called holding the send slot.
func (c *Conn) nextHeader(ctx context.Context, inResponseTo uint64) wire.Header {
	c.nextID++
	h := wire.Header{MsgID: c.nextID, InResponseTo: inResponseTo}
	if c.opts.VersionSource != nil {
		h.Versions = c.opts.VersionSource.CurrentVersions()
	}
	if c.ProtocolVersion().SupportsSpanContext() {
		h.SpanContext = tracer.Inject(ctx)
	}
	return h
}

// Send sends msg without expecting a response and returns its msg id.
func (c *Conn) Send(ctx context.Context, msg *wire.BinaryMessage) (uint64, error) {
	if msg == nil {
		return 0, errNilMessage
	}
	id, _, err := c.enqueue(ctx, handshake.SendRequest, 0, msg, false, nil)
	return id, err
}

// Request sends msg and returns a handle completed by the peer's response.
// The pending entry exists before the frame is queued.
func (c *Conn) Request(ctx context.Context, msg *wire.BinaryMessage) (*correlation.Handle, error) {
	if msg == nil {
		return nil, errNilMessage
	}
	_, h, err := c.enqueue(ctx, handshake.SendRequest, 0, msg, true, nil)
	return h, err
}

// Call sends msg and waits for the response.
func (c *Conn) Call(ctx context.Context, msg *wire.BinaryMessage) (*wire.Message, error) {
	if msg == nil {
		return nil, errNilMessage
	}
	start := time.Now()
	resp, err := c.call(ctx, msg)

	result := "ok"
	if err != nil {
		result = closeReason(err)
	}
	c.metrics.ObserveRequest(msg.Target.String(), result, time.Since(start).Seconds())
	return resp, err
}

func (c *Conn) call(ctx context.Context, msg *wire.BinaryMessage) (*wire.Message, error) {
	h, err := c.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// Reply answers the message with id inResponseTo. Replies are allowed
// while draining.
func (c *Conn) Reply(ctx context.Context, inResponseTo uint64, msg *wire.BinaryMessage) error {
	if msg == nil {
		return errNilMessage
	}
	if inResponseTo == 0 {
		return domain.ErrInvalidArgument.WithDetails("reply needs a request msg id")
	}
	_, _, err := c.enqueue(ctx, handshake.SendReply, inResponseTo, msg, false, nil)
	return err
}

func (c *Conn) sendControl(ctx context.Context, sig wire.Signal, text string, flushed chan struct{}) error {
	ctrl := &wire.ConnectionControl{Signal: sig, Message: text}
	_, _, err := c.enqueue(ctx, handshake.SendControl, 0, ctrl, false, flushed)
	if err == nil {
		c.metrics.ControlSignal(signalLabel(sig), "out")
	}
	return err
}

// enqueue assigns the next msg id to body and queues it for the writer.
func (c *Conn) enqueue(ctx context.Context, kind handshake.SendKind, inResponseTo uint64, body wire.Body, register bool, flushed chan struct{}) (uint64, *correlation.Handle, error) {
	if err := c.acquireSend(ctx); err != nil {
		return 0, nil, err
	}
	defer c.releaseSend()

	c.mu.Lock()
	err := c.machine.CheckSend(kind)
	c.mu.Unlock()
	if err != nil {
		return 0, nil, err
	}

	msg := &wire.Message{Header: c.nextHeader(ctx, inResponseTo), Body: body}
	id := msg.Header.MsgID
	frame, err := wire.Marshal(msg)
	if err != nil {
		return 0, nil, err
	}

	var h *correlation.Handle
	if register {
		if h, err = c.pending.Register(id); err != nil {
			return 0, nil, err
		}
	}

	select {
	case c.sendq <- outbound{frame: frame, kind: msg.Kind().String(), flushed: flushed}:
		return id, h, nil
	case <-c.closing:
		err = domain.ErrConnectionClosed.WithCause(c.closeErr)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if h != nil {
		c.pending.Cancel(id)
	}
	return 0, nil, err
}

// Drain tells the peer this side is going away and stops accepting new
// requests. Replies still flow. The connection is closed when the grace
// period elapses.
func (c *Conn) Drain(ctx context.Context, reason string) error {
	c.mu.Lock()
	changed := c.machine.Drain()
	phase := c.machine.Phase()
	c.mu.Unlock()

	if !changed {
		if phase == handshake.PhaseDraining {
			return nil
		}
		return c.machineSendError()
	}

	c.logger.Info("draining connection", "reason", reason)
	err := c.sendControl(ctx, wire.SignalDrainConnection, reason, nil)
	c.startDrainTimer()
	return err
}

// Shutdown sends SHUTDOWN, waits until it is written or ctx ends, and
// closes the connection.
func (c *Conn) Shutdown(ctx context.Context, reason string) error {
	flushed := make(chan struct{})
	err := c.sendControl(ctx, wire.SignalShutdown, reason, flushed)
	if err == nil {
		select {
		case <-flushed:
		case <-c.closing:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	c.closeWith(domain.ErrConnectionClosed.WithDetails("shutdown: " + reason))
	return err
}

// Close tears the connection down immediately. Pending requests fail with
// ErrConnectionClosed.
func (c *Conn) Close(reason string) {
	c.closeWith(domain.ErrConnectionClosed.WithDetails(reason))
}

func (c *Conn) machineSendError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.CheckSend(handshake.SendRequest)
}

func (c *Conn) startDrainTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.drainTimer != nil || c.drainGrace < 0 || c.machine.Phase().Terminal() {
		return
	}
	grace := c.drainGrace
	c.drainTimer = time.AfterFunc(grace, func() {
		c.logger.Info("drain grace period elapsed", "grace", grace.String())
		c.closeWith(domain.ErrConnectionClosed.WithDetailsf("drain grace period %s elapsed", grace))
	})
}

func (c *Conn) writeLoop() error {
	for {
		select {
		case <-c.closing:
			return nil
		case out := <-c.sendq:
			if err := c.stream.Send(out.frame); err != nil {
				err = streamError(err)
				c.closeWith(err)
				return err
			}
			c.metrics.FrameSent(out.kind)
			if out.flushed != nil {
				close(out.flushed)
			}
		}
	}
}

func (c *Conn) readLoop() error {
	for {
		frame, err := c.stream.Recv()
		if err != nil {
			if errors.Is(err, domain.ErrFrameTooLarge) {
				c.onDecodeFailure(&wire.DecodeError{Err: err})
				return err
			}
			err = streamError(err)
			c.closeWith(err)
			return err
		}

		msg, err := wire.Unmarshal(frame)
		if err != nil {
			c.onDecodeFailure(err)
			return err
		}
		c.metrics.FrameReceived(msg.Kind().String())

		if err := c.dispatch(msg); err != nil {
			c.closeWith(err)
			return err
		}
	}
}

// dispatch handles one decoded frame on an established connection. A
// non-nil error closes the connection.
func (c *Conn) dispatch(msg *wire.Message) error {
	c.mu.Lock()
	_, err := c.machine.Receive(msg)
	c.mu.Unlock()

	if ctrl, ok := msg.Body.(*wire.ConnectionControl); ok {
		c.metrics.ControlSignal(signalLabel(ctrl.Signal), "in")
	}
	if err != nil {
		return err
	}
	c.observeVersions(msg.Header)

	switch body := msg.Body.(type) {
	case *wire.ConnectionControl:
		c.onControl(body)
	case *wire.BinaryMessage:
		if msg.Header.IsResponse() {
			c.resolve(msg)
			return nil
		}
		c.route(msg, body)
	}
	return nil
}

func (c *Conn) onControl(ctrl *wire.ConnectionControl) {
	switch ctrl.Signal {
	case wire.SignalDrainConnection:
		c.logger.Info("peer is draining", "reason", ctrl.Message)
		c.startDrainTimer()
	default:
		c.logger.Warn("unknown control signal",
			"signal", int32(ctrl.Signal),
			"message", ctrl.Message,
		)
	}
}

func (c *Conn) resolve(msg *wire.Message) {
	err := c.pending.Resolve(msg)
	if err == nil {
		return
	}
	kind := "unexpected"
	if errors.Is(err, domain.ErrDuplicateResponse) {
		kind = "duplicate"
	}
	c.metrics.CorrelationAnomaly(kind)
	c.logger.Warn("response discarded",
		"kind", kind,
		"msg_id", msg.Header.MsgID,
		"in_response_to", msg.Header.InResponseTo,
	)
}

func (c *Conn) route(msg *wire.Message, body *wire.BinaryMessage) {
	if c.opts.Router == nil {
		c.logger.Debug("no router, message dropped",
			"target", body.Target.String(),
			"msg_id", msg.Header.MsgID,
		)
		return
	}

	requestID := msg.Header.MsgID
	env := &router.Envelope{
		Peer:    c.Peer(),
		ConnID:  c.id,
		Header:  msg.Header,
		Message: body,
		Reply: func(ctx context.Context, reply *wire.BinaryMessage) error {
			return c.Reply(ctx, requestID, reply)
		},
	}
	if err := c.opts.Router.Route(env); err != nil {
		// The router has already reported the drop.
		c.logger.Debug("route failed", "target", body.Target.String(), "error", err)
	}
}

func (c *Conn) observeVersions(h wire.Header) {
	advanced := c.tracker.Observe(h.Versions)
	if len(advanced) == 0 || c.opts.Notifier == nil {
		return
	}
	c.opts.Notifier.Notify(versions.Update{
		Peer:     c.Peer(),
		ConnID:   c.id,
		Versions: c.tracker.Last(),
		Advanced: advanced,
	})
}

// onDecodeFailure notifies the peer, fails the request the frame answered
// if it can be told, and closes the connection.
func (c *Conn) onDecodeFailure(err error) {
	c.metrics.DecodeFailure()
	c.logger.Warn("undecodable frame", "error", err)

	flushed := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), codecErrorFlushTimeout)
	defer cancel()
	if c.sendControl(ctx, wire.SignalCodecError, err.Error(), flushed) == nil {
		select {
		case <-flushed:
		case <-c.closing:
		case <-ctx.Done():
		}
	}

	var de *wire.DecodeError
	if errors.As(err, &de) && de.Header != nil && de.Header.InResponseTo != 0 {
		c.pending.Fail(de.Header.InResponseTo, domain.ErrDecodeFailure.WithCause(err))
	}
	c.closeWith(err)
}

func (c *Conn) closeWith(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.machine.Close(cause)
		if c.drainTimer != nil {
			c.drainTimer.Stop()
		}
		c.mu.Unlock()

		c.closeErr = cause
		close(c.closing)

		failErr := domain.ErrConnectionClosed.WithCause(cause)
		if errors.Is(cause, domain.ErrPeerShutdown) {
			failErr = domain.ErrPeerShutdown
		}
		failed := c.pending.FailAll(failErr)

		_ = c.stream.Close()

		if c.opened.Load() {
			reason := closeReason(cause)
			c.metrics.ConnectionClosed(c.opts.Role.String(), reason)
			c.logger.Info("connection closed",
				"reason", reason,
				"failed_requests", failed,
				"cause", cause,
			)
		}
		close(c.done)

		if c.opts.OnClose != nil {
			c.opts.OnClose(c, cause)
		}
	})
}

// streamError maps a transport error to a connection error.
func streamError(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return domain.ErrConnectionClosed.WithDetails("stream closed").WithCause(err)
	case isDomainError(err):
		return err
	default:
		return domain.ErrConnectionClosed.WithCause(err)
	}
}

func isDomainError(err error) bool {
	var de *domain.DomainError
	return errors.As(err, &de)
}

func signalLabel(sig wire.Signal) string {
	if !sig.Known() {
		return wire.SignalUnknown.String()
	}
	return sig.String()
}

// closeReason returns a low-cardinality label for err.
func closeReason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrPeerShutdown):
		return "peer_shutdown"
	case errors.Is(err, domain.ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, domain.ErrVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, domain.ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, domain.ErrDecodeFailure):
		return "decode_failure"
	case errors.Is(err, domain.ErrNotOpen), errors.Is(err, domain.ErrDraining):
		return "not_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, domain.ErrConnectionClosed):
		return "closed"
	default:
		return "error"
	}
}
