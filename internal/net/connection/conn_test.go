package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/handshake"
	"github.com/yndnr/nodelink-go/internal/net/router"
	"github.com/yndnr/nodelink-go/internal/net/transport"
	"github.com/yndnr/nodelink-go/internal/net/versions"
	"github.com/yndnr/nodelink-go/internal/net/wire"
	"github.com/yndnr/nodelink-go/internal/telemetry/tracer"
)

func TestConn_HandshakeVersions(t *testing.T) {
	tests := []struct {
		name    string
		init    wire.VersionRange
		acc     wire.VersionRange
		want    wire.ProtocolVersion
		wantErr bool
	}{
		{"overlap picks lower max", wire.VersionRange{Min: 1, Max: 3}, wire.VersionRange{Min: 2, Max: 4}, 3, false},
		{"identical ranges", wire.VersionRange{Min: 1, Max: 2}, wire.VersionRange{Min: 1, Max: 2}, 2, false},
		{"disjoint ranges", wire.VersionRange{Min: 1, Max: 1}, wire.VersionRange{Min: 2, Max: 4}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initOpts := baseOptions(nodeID(1, 1))
			initOpts.Versions = tt.init
			accOpts := baseOptions(nodeID(2, 5))
			accOpts.Versions = tt.acc

			init, acc, initErr, accErr := openPair(t, initOpts, accOpts)
			if tt.wantErr {
				if !errors.Is(accErr, domain.ErrVersionMismatch) {
					t.Errorf("acceptor error = %v, want version mismatch", accErr)
				}
				if initErr == nil {
					t.Error("initiator should fail when the acceptor refuses")
				}
				if init != nil || acc != nil {
					t.Error("failed handshakes should not return connections")
				}
				return
			}

			if initErr != nil || accErr != nil {
				t.Fatalf("handshake failed: %v / %v", initErr, accErr)
			}
			for _, c := range []*Conn{init, acc} {
				if got := c.ProtocolVersion(); got != tt.want {
					t.Errorf("%s version = %s, want %s", c.Role(), got, tt.want)
				}
				if c.Phase() != handshake.PhaseOpen {
					t.Errorf("%s phase = %s, want open", c.Role(), c.Phase())
				}
			}
			if p := init.Peer(); p == nil || *p != *nodeID(2, 5) {
				t.Errorf("initiator peer = %v, want N2:5", p)
			}
			if p := acc.Peer(); p == nil || *p != *nodeID(1, 1) {
				t.Errorf("acceptor peer = %v, want N1:1", p)
			}
		})
	}
}

func TestConn_ClusterMismatch(t *testing.T) {
	initOpts := baseOptions(nodeID(1, 1))
	initOpts.ClusterName = "blue"
	accOpts := baseOptions(nodeID(2, 1))
	accOpts.ClusterName = "green"

	_, _, initErr, accErr := openPair(t, initOpts, accOpts)
	if !errors.Is(accErr, domain.ErrProtocolViolation) || !errors.Is(accErr, domain.ErrClusterMismatch) {
		t.Errorf("acceptor error = %v, want cluster mismatch protocol violation", accErr)
	}
	if initErr == nil {
		t.Error("initiator error = nil")
	}
}

func TestConn_AdmitRejectsStaleGeneration(t *testing.T) {
	accOpts := baseOptions(nodeID(2, 1))
	accOpts.Admit = func(peer domain.GenerationalNodeID) error {
		if peer.Generation < 3 {
			return domain.ErrStaleGeneration.WithDetails(peer.String())
		}
		return nil
	}

	_, _, _, accErr := openPair(t, baseOptions(nodeID(1, 2)), accOpts)
	if !errors.Is(accErr, domain.ErrStaleGeneration) {
		t.Errorf("acceptor error = %v, want stale generation", accErr)
	}
}

func TestConn_SendBeforeOpen(t *testing.T) {
	a, _ := transport.Pipe()
	c, err := New(a, baseOptions(nodeID(1, 1)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close("test done")

	ctx := context.Background()
	msg := &wire.BinaryMessage{Target: wire.TargetNodePing}

	if _, err := c.Send(ctx, msg); !errors.Is(err, domain.ErrNotOpen) {
		t.Errorf("Send() error = %v, want not open", err)
	}
	if _, err := c.Request(ctx, msg); !errors.Is(err, domain.ErrNotOpen) {
		t.Errorf("Request() error = %v, want not open", err)
	}
	if err := c.Reply(ctx, 1, msg); !errors.Is(err, domain.ErrNotOpen) {
		t.Errorf("Reply() error = %v, want not open", err)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestConn_NilMessage(t *testing.T) {
	a, _ := transport.Pipe()
	c, err := New(a, baseOptions(nodeID(1, 1)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close("test done")

	if _, err := c.Send(context.Background(), nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("Send(nil) error = %v, want invalid argument", err)
	}
}

func TestConn_BinaryFirstRejected(t *testing.T) {
	a, b := transport.Pipe()
	peer := newRawPeer(t, b)

	ch := make(chan handshakeResult, 1)
	go func() {
		c, err := Accept(context.Background(), a, baseOptions(nodeID(2, 1)))
		ch <- handshakeResult{c, err}
	}()

	peer.send(wire.Header{}, &wire.BinaryMessage{Target: wire.TargetNodePing, Payload: []byte("hi")})

	res := <-ch
	if !errors.Is(res.err, domain.ErrProtocolViolation) {
		t.Errorf("Accept() error = %v, want protocol violation", res.err)
	}
	// Nothing may precede a Welcome, so the acceptor just hangs up.
	if msg, err := peer.recv(); err == nil {
		t.Errorf("acceptor sent %s after rejecting", msg.Kind())
	}
}

func TestConn_HandshakeTimeout(t *testing.T) {
	a, b := transport.Pipe()
	peer := newRawPeer(t, b)

	opts := baseOptions(nodeID(1, 1))
	opts.HandshakeTimeout = 50 * time.Millisecond

	ch := make(chan handshakeResult, 1)
	go func() {
		c, err := Initiate(context.Background(), a, opts)
		ch <- handshakeResult{c, err}
	}()

	// Read the Hello and never answer.
	_, _ = peer.recv()

	select {
	case res := <-ch:
		if !errors.Is(res.err, domain.ErrHandshakeTimeout) {
			t.Errorf("Initiate() error = %v, want handshake timeout", res.err)
		}
	case <-time.After(testTimeout):
		t.Fatal("handshake did not time out")
	}
}

func TestConn_ConnectAcceptorHandshakeTimeout(t *testing.T) {
	opts := baseOptions(nodeID(2, 1))
	opts.HandshakeTimeout = 200 * time.Millisecond

	accepted := make(chan error, 1)
	mux := http.NewServeMux()
	mux.Handle(transport.NewConnectHandler(func(ctx context.Context, s transport.Stream) error {
		c, err := Accept(ctx, s, opts)
		if err == nil {
			c.Close("test done")
		}
		accepted <- err
		return nil
	}))
	srv := httptest.NewServer(h2c.NewHandler(mux, &http2.Server{}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	client := connect.NewClient[transport.Frame, transport.Frame](transport.NewH2CClient(), srv.URL+transport.StreamProcedure)
	bidi := client.CallBidiStream(ctx)
	t.Cleanup(func() {
		_ = bidi.CloseRequest()
		_ = bidi.CloseResponse()
	})

	// Open the call with headers only and never send a Hello.
	if err := bidi.Send(nil); err != nil {
		t.Fatalf("Send(headers) error = %v", err)
	}

	select {
	case err := <-accepted:
		if !errors.Is(err, domain.ErrHandshakeTimeout) {
			t.Errorf("Accept() error = %v, want handshake timeout", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Accept did not time out on a silent Connect stream")
	}

	// The call is over for the client too.
	if _, err := bidi.Receive(); err == nil {
		t.Error("Receive() after the handshake timed out should fail")
	}
}

func TestConn_ShutdownDeadlineWithFullQueue(t *testing.T) {
	opts := baseOptions(nodeID(1, 1))
	opts.SendQueueSize = 1
	// The raw peer never reads after the handshake.
	c, _ := initiatorWithRawPeer(t, opts)

	// One frame blocks in the writer, one fills the queue and the last
	// waits for queue space without a deadline.
	const senders = 3
	sent := make(chan error, senders)
	for i := 0; i < senders; i++ {
		go func() {
			_, err := c.Send(context.Background(), &wire.BinaryMessage{Target: wire.TargetNodePing})
			sent <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Shutdown(ctx, "peer stopped reading") }()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Shutdown() error = %v, want deadline exceeded", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("Shutdown ignored its deadline; phase=%s", c.Phase())
	}
	waitDone(t, c)

	for i := 0; i < senders; i++ {
		select {
		case <-sent:
		case <-time.After(testTimeout):
			t.Fatal("Send still blocked after the connection closed")
		}
	}
}

func TestConn_RequestResponse(t *testing.T) {
	rt := newRouter(t, router.Config{})
	err := rt.Registry().Register(wire.TargetNodePing, router.HandlerFunc(func(ctx context.Context, env *router.Envelope) {
		_ = env.Reply(ctx, &wire.BinaryMessage{Target: wire.TargetNodePong, Payload: env.Message.Payload})
	}))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	accOpts := baseOptions(nodeID(2, 1))
	accOpts.Router = rt
	init, _ := mustOpenPair(t, baseOptions(nodeID(1, 1)), accOpts)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	for _, payload := range []string{"a", "b", "c"} {
		resp, err := init.Call(ctx, &wire.BinaryMessage{Target: wire.TargetNodePing, Payload: []byte(payload)})
		if err != nil {
			t.Fatalf("Call(%q) error = %v", payload, err)
		}
		body := resp.Body.(*wire.BinaryMessage)
		if body.Target != wire.TargetNodePong || string(body.Payload) != payload {
			t.Errorf("response = %s %q, want node_pong %q", body.Target, body.Payload, payload)
		}
	}
	if init.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", init.Pending())
	}
}

func TestConn_MsgIDsIncrease(t *testing.T) {
	c, peer := initiatorWithRawPeer(t, baseOptions(nodeID(1, 1)))
	ctx := context.Background()

	var ids []uint64
	for i := 0; i < 5; i++ {
		id, err := c.Send(ctx, &wire.BinaryMessage{Target: wire.TargetIngress})
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		ids = append(ids, id)
	}

	for i, want := range ids {
		msg := peer.mustRecv()
		if msg.Header.MsgID != want {
			t.Errorf("frame %d msg_id = %d, want %d", i, msg.Header.MsgID, want)
		}
		if i > 0 && want <= ids[i-1] {
			t.Errorf("msg ids not increasing: %v", ids)
		}
	}
}

func TestConn_OutOfOrderResponses(t *testing.T) {
	c, peer := initiatorWithRawPeer(t, baseOptions(nodeID(1, 1)))
	ctx := context.Background()

	first, err := c.Request(ctx, &wire.BinaryMessage{Target: wire.TargetMetadataManager, Payload: []byte("first")})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	second, err := c.Request(ctx, &wire.BinaryMessage{Target: wire.TargetMetadataManager, Payload: []byte("second")})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	peer.mustRecv()
	peer.mustRecv()

	// Answer the later request first.
	peer.send(wire.Header{InResponseTo: second.MsgID()}, &wire.BinaryMessage{Payload: []byte("for-second")})
	peer.send(wire.Header{InResponseTo: first.MsgID()}, &wire.BinaryMessage{Payload: []byte("for-first")})

	for _, tc := range []struct {
		h    interface{ Wait(context.Context) (*wire.Message, error) }
		want string
	}{{second, "for-second"}, {first, "for-first"}} {
		wctx, cancel := context.WithTimeout(ctx, testTimeout)
		msg, err := tc.h.Wait(wctx)
		cancel()
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if got := string(msg.Body.(*wire.BinaryMessage).Payload); got != tc.want {
			t.Errorf("payload = %q, want %q", got, tc.want)
		}
	}
}

func TestConn_CloseFailsEveryPending(t *testing.T) {
	const k = 5
	c, _ := initiatorWithRawPeer(t, baseOptions(nodeID(1, 1)))

	var handles []<-chan struct{}
	var results []func() (*wire.Message, error)
	for i := 0; i < k; i++ {
		h, err := c.Request(context.Background(), &wire.BinaryMessage{Target: wire.TargetLogServer})
		if err != nil {
			t.Fatalf("Request() error = %v", err)
		}
		handles = append(handles, h.Done())
		results = append(results, h.Result)
	}
	if c.Pending() != k {
		t.Fatalf("Pending() = %d, want %d", c.Pending(), k)
	}

	c.Close("test")
	waitDone(t, c)

	for i := range handles {
		waitHandle(t, handles[i])
		if _, err := results[i](); !errors.Is(err, domain.ErrConnectionClosed) {
			t.Errorf("handle %d error = %v, want connection closed", i, err)
		}
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after close, want 0", c.Pending())
	}
	if _, err := c.Request(context.Background(), &wire.BinaryMessage{}); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Errorf("Request() after close error = %v, want connection closed", err)
	}
}

func TestConn_PeerShutdownFailsPending(t *testing.T) {
	c, peer := initiatorWithRawPeer(t, baseOptions(nodeID(1, 1)))

	h, err := c.Request(context.Background(), &wire.BinaryMessage{Target: wire.TargetLogServer})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	peer.mustRecv()
	peer.send(wire.Header{}, &wire.ConnectionControl{Signal: wire.SignalShutdown, Message: "bye"})

	waitHandle(t, h.Done())
	if _, err := h.Result(); !errors.Is(err, domain.ErrPeerShutdown) {
		t.Errorf("pending error = %v, want peer shutdown", err)
	}
	waitDone(t, c)
	if !errors.Is(c.Err(), domain.ErrPeerShutdown) {
		t.Errorf("Err() = %v, want peer shutdown", c.Err())
	}
	if c.Phase() != handshake.PhaseClosed {
		t.Errorf("Phase() = %s, want closed", c.Phase())
	}
}

func TestConn_AnomalousResponsesAreDiscarded(t *testing.T) {
	c, peer := initiatorWithRawPeer(t, baseOptions(nodeID(1, 1)))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	h, err := c.Request(ctx, &wire.BinaryMessage{Target: wire.TargetNodePing})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	peer.mustRecv()

	peer.send(wire.Header{InResponseTo: h.MsgID()}, &wire.BinaryMessage{Payload: []byte("one")})
	peer.send(wire.Header{InResponseTo: h.MsgID()}, &wire.BinaryMessage{Payload: []byte("two")})
	peer.send(wire.Header{InResponseTo: 777}, &wire.BinaryMessage{Payload: []byte("never asked")})

	msg, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := string(msg.Body.(*wire.BinaryMessage).Payload); got != "one" {
		t.Errorf("payload = %q, want the first response", got)
	}

	// The connection keeps working.
	next, err := c.Request(ctx, &wire.BinaryMessage{Target: wire.TargetNodePing})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	peer.mustRecv()
	peer.send(wire.Header{InResponseTo: next.MsgID()}, &wire.BinaryMessage{Payload: []byte("three")})
	if _, err := next.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if c.Phase() != handshake.PhaseOpen {
		t.Errorf("Phase() = %s, want open", c.Phase())
	}
}

func TestConn_UnknownTargetKeepsOpen(t *testing.T) {
	var diagnostics atomic.Int32
	rt := newRouter(t, router.Config{OnDiagnostic: func(d router.Diagnostic) {
		if d.Kind == router.DiagnosticUnknownTarget {
			diagnostics.Add(1)
		}
	}})
	err := rt.Registry().Register(wire.TargetNodePing, router.HandlerFunc(func(ctx context.Context, env *router.Envelope) {
		_ = env.Reply(ctx, &wire.BinaryMessage{Target: wire.TargetNodePong})
	}))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	opts := baseOptions(nodeID(2, 1))
	opts.Router = rt
	c, peer := acceptorWithRawPeer(t, opts)

	peer.send(wire.Header{}, &wire.BinaryMessage{Target: wire.TargetIngress, Payload: []byte("lost")})
	pingID := peer.send(wire.Header{}, &wire.BinaryMessage{Target: wire.TargetNodePing})

	resp := peer.mustRecv()
	if resp.Header.InResponseTo != pingID {
		t.Errorf("in_response_to = %d, want %d", resp.Header.InResponseTo, pingID)
	}
	if got := diagnostics.Load(); got != 1 {
		t.Errorf("diagnostics = %d, want 1", got)
	}
	if c.Phase() != handshake.PhaseOpen {
		t.Errorf("Phase() = %s, want open", c.Phase())
	}
}

// corruptResponse encodes a header answering inResponseTo followed by a
// BinaryMessage whose target varint is truncated.
func corruptResponse(t *testing.T, msgID, inResponseTo uint64) []byte {
	t.Helper()
	valid, err := wire.Marshal(&wire.Message{
		Header: wire.Header{MsgID: msgID, InResponseTo: inResponseTo},
		Body:   &wire.ConnectionControl{Signal: wire.SignalUnknown},
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	b := protowire.AppendTag(valid, 1000, protowire.BytesType)
	return protowire.AppendBytes(b, []byte{0x08, 0xff})
}

func TestConn_DecodeFailure(t *testing.T) {
	c, peer := initiatorWithRawPeer(t, baseOptions(nodeID(1, 1)))

	answered, err := c.Request(context.Background(), &wire.BinaryMessage{Target: wire.TargetNodePing})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	other, err := c.Request(context.Background(), &wire.BinaryMessage{Target: wire.TargetNodePing})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	peer.mustRecv()
	peer.mustRecv()

	peer.sendRaw(corruptResponse(t, 50, answered.MsgID()))

	msg := peer.mustRecv()
	ctrl, ok := msg.Body.(*wire.ConnectionControl)
	if !ok || ctrl.Signal != wire.SignalCodecError {
		t.Fatalf("frame after corruption = %s, want CODEC_ERROR", msg.Kind())
	}

	waitHandle(t, answered.Done())
	if _, err := answered.Result(); !errors.Is(err, domain.ErrDecodeFailure) {
		t.Errorf("correlated request error = %v, want decode failure", err)
	}
	waitHandle(t, other.Done())
	if _, err := other.Result(); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Errorf("other request error = %v, want connection closed", err)
	}
	waitDone(t, c)
	if !errors.Is(c.Err(), domain.ErrDecodeFailure) {
		t.Errorf("Err() = %v, want decode failure", c.Err())
	}
}

func TestConn_PeerCodecErrorCloses(t *testing.T) {
	c, peer := initiatorWithRawPeer(t, baseOptions(nodeID(1, 1)))
	peer.send(wire.Header{}, &wire.ConnectionControl{Signal: wire.SignalCodecError, Message: "bad frame"})

	waitDone(t, c)
	if !errors.Is(c.Err(), domain.ErrDecodeFailure) {
		t.Errorf("Err() = %v, want decode failure", c.Err())
	}
}

func TestConn_UnknownSignalIgnored(t *testing.T) {
	c, peer := initiatorWithRawPeer(t, baseOptions(nodeID(1, 1)))
	peer.send(wire.Header{}, &wire.ConnectionControl{Signal: wire.Signal(42)})

	h, err := c.Request(context.Background(), &wire.BinaryMessage{Target: wire.TargetNodePing})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	peer.mustRecv()
	if c.Phase() != handshake.PhaseOpen {
		t.Errorf("Phase() = %s, want open", c.Phase())
	}
	if c.Pending() != 1 || h.MsgID() == 0 {
		t.Errorf("Pending() = %d, msg id %d", c.Pending(), h.MsgID())
	}
}

func TestConn_Drain(t *testing.T) {
	init, acc := mustOpenPair(t, baseOptions(nodeID(1, 1)), baseOptions(nodeID(2, 1)))
	ctx := context.Background()

	if err := init.Drain(ctx, "maintenance"); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if init.Phase() != handshake.PhaseDraining {
		t.Errorf("Phase() = %s, want draining", init.Phase())
	}
	if err := init.Drain(ctx, "again"); err != nil {
		t.Errorf("second Drain() error = %v", err)
	}
	if _, err := init.Request(ctx, &wire.BinaryMessage{}); !errors.Is(err, domain.ErrDraining) {
		t.Errorf("Request() while draining error = %v, want draining", err)
	}
	if _, err := init.Send(ctx, &wire.BinaryMessage{}); !errors.Is(err, domain.ErrDraining) {
		t.Errorf("Send() while draining error = %v, want draining", err)
	}
	if err := init.Reply(ctx, 1, &wire.BinaryMessage{}); err != nil {
		t.Errorf("Reply() while draining error = %v", err)
	}

	waitPhase(t, acc, handshake.PhaseDraining)
	if err := acc.Reply(ctx, 1, &wire.BinaryMessage{}); err != nil {
		t.Errorf("peer Reply() while draining error = %v", err)
	}
}

func TestConn_DrainGraceForcesClose(t *testing.T) {
	opts := baseOptions(nodeID(1, 1))
	opts.DrainGracePeriod = 50 * time.Millisecond
	init, acc := mustOpenPair(t, opts, baseOptions(nodeID(2, 1)))

	if err := init.Drain(context.Background(), "rolling restart"); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	waitDone(t, init)
	if !errors.Is(init.Err(), domain.ErrConnectionClosed) {
		t.Errorf("Err() = %v, want connection closed", init.Err())
	}
	waitDone(t, acc)
}

func TestConn_ShutdownNotifiesPeer(t *testing.T) {
	init, acc := mustOpenPair(t, baseOptions(nodeID(1, 1)), baseOptions(nodeID(2, 1)))

	// The initiator has no router, so this request is never answered.
	h, err := acc.Request(context.Background(), &wire.BinaryMessage{Target: wire.TargetLogServer})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := init.Shutdown(ctx, "stopping"); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	waitDone(t, acc)
	if !errors.Is(acc.Err(), domain.ErrPeerShutdown) {
		t.Errorf("peer Err() = %v, want peer shutdown", acc.Err())
	}
	waitHandle(t, h.Done())
	if _, err := h.Result(); !errors.Is(err, domain.ErrPeerShutdown) {
		t.Errorf("pending error = %v, want peer shutdown", err)
	}
	if init.Phase() != handshake.PhaseClosed {
		t.Errorf("Phase() = %s, want closed", init.Phase())
	}
}

func TestConn_OnCloseCalledOnce(t *testing.T) {
	var calls atomic.Int32
	opts := baseOptions(nodeID(1, 1))
	opts.OnClose = func(*Conn, error) { calls.Add(1) }
	init, _ := mustOpenPair(t, opts, baseOptions(nodeID(2, 1)))

	init.Close("first")
	init.Close("second")
	waitDone(t, init)
	if err := init.Wait(); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Errorf("Wait() = %v, want connection closed", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("OnClose calls = %d, want 1", got)
	}
}

func TestConn_VersionsNotified(t *testing.T) {
	updates := make(chan versions.Update, 4)
	notifier := versions.NewNotifier(versions.ObserverFunc(func(_ context.Context, u versions.Update) {
		updates <- u
	}), nil, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)

	local := versions.NewStore(domain.Versions{})
	local.Bump(domain.MetadataLogs)

	initOpts := baseOptions(nodeID(1, 1))
	initOpts.VersionSource = local
	accOpts := baseOptions(nodeID(2, 1))
	accOpts.Notifier = notifier
	_, acc := mustOpenPair(t, initOpts, accOpts)

	select {
	case u := <-updates:
		if u.ConnID != acc.ID() {
			t.Errorf("update conn = %s, want %s", u.ConnID, acc.ID())
		}
		if u.Versions.Logs != 1 {
			t.Errorf("logs version = %s, want v1", u.Versions.Logs)
		}
		if u.Peer == nil || *u.Peer != *nodeID(1, 1) {
			t.Errorf("update peer = %v, want N1:1", u.Peer)
		}
	case <-time.After(testTimeout):
		t.Fatal("no version update delivered")
	}
}

func TestConn_SpanContextPropagation(t *testing.T) {
	tests := []struct {
		name      string
		versions  wire.VersionRange
		wantTrace bool
	}{
		{"v2 carries span context", wire.VersionRange{Min: 1, Max: 2}, true},
		{"v1 drops span context", wire.VersionRange{Min: 1, Max: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			traces := make(chan string, 1)
			rt := newRouter(t, router.Config{})
			err := rt.Registry().Register(wire.TargetAttachRequest, router.HandlerFunc(func(ctx context.Context, env *router.Envelope) {
				traces <- tracer.TraceID(ctx)
			}))
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}

			initOpts := baseOptions(nodeID(1, 1))
			initOpts.Versions = tt.versions
			accOpts := baseOptions(nodeID(2, 1))
			accOpts.Router = rt
			init, _ := mustOpenPair(t, initOpts, accOpts)

			ctx, span := tracer.StartSpan(context.Background(), "attach")
			defer span.End()
			if _, err := init.Send(ctx, &wire.BinaryMessage{Target: wire.TargetAttachRequest}); err != nil {
				t.Fatalf("Send() error = %v", err)
			}

			select {
			case got := <-traces:
				want := ""
				if tt.wantTrace {
					want = tracer.TraceID(ctx)
				}
				if got != want {
					t.Errorf("handler trace id = %q, want %q", got, want)
				}
			case <-time.After(testTimeout):
				t.Fatal("handler not invoked")
			}
		})
	}
}

func TestConn_Stat(t *testing.T) {
	init, acc := mustOpenPair(t, baseOptions(nodeID(1, 1)), baseOptions(nodeID(2, 4)))

	s := init.Stat()
	if s.ConnID != init.ID() || s.Peer != "N2:4" || s.Role != "initiator" || s.Phase != "open" {
		t.Errorf("initiator Stat() = %+v", s)
	}
	if s := acc.Stat(); s.Peer != "N1:1" || s.Role != "acceptor" {
		t.Errorf("acceptor Stat() = %+v", s)
	}
}

func TestCloseReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{domain.ErrPeerShutdown, "peer_shutdown"},
		{domain.ErrHandshakeTimeout.WithCause(context.DeadlineExceeded), "handshake_timeout"},
		{&wire.VersionMismatchError{}, "version_mismatch"},
		{domain.ErrProtocolViolation.WithCause(domain.ErrClusterMismatch), "protocol_violation"},
		{&wire.DecodeError{Err: errors.New("bad")}, "decode_failure"},
		{domain.ErrConnectionClosed.WithDetails("x"), "closed"},
		{context.Canceled, "canceled"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := closeReason(tt.err); got != tt.want {
			t.Errorf("closeReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
