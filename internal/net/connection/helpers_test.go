package connection

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/handshake"
	"github.com/yndnr/nodelink-go/internal/net/router"
	"github.com/yndnr/nodelink-go/internal/net/transport"
	"github.com/yndnr/nodelink-go/internal/net/wire"
)

const testTimeout = 2 * time.Second

func nodeID(id, gen uint32) *domain.GenerationalNodeID {
	n := domain.PlainNodeID(id).WithGeneration(gen)
	return &n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseOptions(id *domain.GenerationalNodeID) Options {
	return Options{
		ClusterName: "test",
		MyNodeID:    id,
		Logger:      quietLogger(),
	}
}

func newRouter(t *testing.T, cfg router.Config) *router.Router {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	r := router.New(router.NewRegistry(), cfg)
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

type handshakeResult struct {
	conn *Conn
	err  error
}

// openPair connects an initiator and an acceptor over an in-memory pipe.
func openPair(t *testing.T, initOpts, accOpts Options) (init, acc *Conn, initErr, accErr error) {
	t.Helper()
	a, b := transport.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	accCh := make(chan handshakeResult, 1)
	go func() {
		c, err := Accept(ctx, b, accOpts)
		accCh <- handshakeResult{c, err}
	}()
	init, initErr = Initiate(ctx, a, initOpts)
	res := <-accCh
	acc, accErr = res.conn, res.err

	t.Cleanup(func() {
		for _, c := range []*Conn{init, acc} {
			if c != nil {
				c.Close("test done")
			}
		}
		_ = a.Close()
		_ = b.Close()
	})
	return init, acc, initErr, accErr
}

// mustOpenPair is openPair for tests that need both sides open.
func mustOpenPair(t *testing.T, initOpts, accOpts Options) (*Conn, *Conn) {
	t.Helper()
	init, acc, initErr, accErr := openPair(t, initOpts, accOpts)
	if initErr != nil || accErr != nil {
		t.Fatalf("handshake failed: initiator %v, acceptor %v", initErr, accErr)
	}
	return init, acc
}

// rawPeer drives the far end of a pipe frame by frame.
type rawPeer struct {
	t      *testing.T
	stream *transport.ConnStream
	nextID uint64
}

func newRawPeer(t *testing.T, s *transport.ConnStream) *rawPeer {
	t.Cleanup(func() { _ = s.Close() })
	return &rawPeer{t: t, stream: s}
}

func (p *rawPeer) send(h wire.Header, body wire.Body) uint64 {
	p.t.Helper()
	if h.MsgID == 0 {
		p.nextID++
		h.MsgID = p.nextID
	}
	frame, err := wire.Marshal(&wire.Message{Header: h, Body: body})
	if err != nil {
		p.t.Fatalf("Marshal() error = %v", err)
	}
	p.sendRaw(frame)
	return h.MsgID
}

func (p *rawPeer) sendRaw(frame []byte) {
	p.t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.stream.Send(frame) }()
	select {
	case err := <-done:
		if err != nil {
			p.t.Fatalf("raw send error = %v", err)
		}
	case <-time.After(testTimeout):
		p.t.Fatal("raw send timed out")
	}
}

// recv returns the next frame, or the read error.
func (p *rawPeer) recv() (*wire.Message, error) {
	p.t.Helper()
	type result struct {
		frame []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := p.stream.Recv()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		msg, err := wire.Unmarshal(r.frame)
		if err != nil {
			p.t.Fatalf("Unmarshal() error = %v", err)
		}
		return msg, nil
	case <-time.After(testTimeout):
		p.t.Fatal("raw recv timed out")
		return nil, nil
	}
}

func (p *rawPeer) mustRecv() *wire.Message {
	p.t.Helper()
	msg, err := p.recv()
	if err != nil {
		p.t.Fatalf("raw recv error = %v", err)
	}
	return msg
}

// acceptHandshake answers the Hello a Conn initiator sends.
func (p *rawPeer) acceptHandshake() {
	p.t.Helper()
	msg := p.mustRecv()
	if _, ok := msg.Body.(*wire.Hello); !ok {
		p.t.Fatalf("first frame = %s, want hello", msg.Kind())
	}
	p.send(wire.Header{}, &wire.Welcome{ProtocolVersion: wire.CurrentProtocolVersion, MyNodeID: *nodeID(9, 1)})
}

// initiateHandshake sends a Hello to a Conn acceptor and reads the Welcome.
func (p *rawPeer) initiateHandshake() {
	p.t.Helper()
	v := wire.LocalVersionRange()
	p.send(wire.Header{}, &wire.Hello{
		MinProtocolVersion: v.Min,
		MaxProtocolVersion: v.Max,
		ClusterName:        "test",
		MyNodeID:           nodeID(9, 1),
	})
	if msg := p.mustRecv(); msg.Kind() != wire.KindWelcome {
		p.t.Fatalf("reply = %s, want welcome", msg.Kind())
	}
}

// initiatorWithRawPeer returns an open initiator Conn talking to a rawPeer.
func initiatorWithRawPeer(t *testing.T, opts Options) (*Conn, *rawPeer) {
	t.Helper()
	a, b := transport.Pipe()
	peer := newRawPeer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	ch := make(chan handshakeResult, 1)
	go func() {
		c, err := Initiate(ctx, a, opts)
		ch <- handshakeResult{c, err}
	}()
	peer.acceptHandshake()
	res := <-ch
	if res.err != nil {
		t.Fatalf("Initiate() error = %v", res.err)
	}
	t.Cleanup(func() { res.conn.Close("test done") })
	return res.conn, peer
}

// acceptorWithRawPeer returns an open acceptor Conn talking to a rawPeer.
func acceptorWithRawPeer(t *testing.T, opts Options) (*Conn, *rawPeer) {
	t.Helper()
	a, b := transport.Pipe()
	peer := newRawPeer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	ch := make(chan handshakeResult, 1)
	go func() {
		c, err := Accept(ctx, a, opts)
		ch <- handshakeResult{c, err}
	}()
	peer.initiateHandshake()
	res := <-ch
	if res.err != nil {
		t.Fatalf("Accept() error = %v", res.err)
	}
	t.Cleanup(func() { res.conn.Close("test done") })
	return res.conn, peer
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatalf("connection %s did not close", c.ID())
	}
}

func waitPhase(t *testing.T, c *Conn, want handshake.Phase) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if c.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", c.Phase(), want)
}

func waitHandle(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("handle not completed")
	}
}
