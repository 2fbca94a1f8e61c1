// Package transport adapts byte-stream carriers to the frame-oriented
// Stream a connection runs on.
//
// Two carriers are provided: raw TCP with varint length framing, and a
// Connect bidirectional stream over cleartext HTTP/2. Each Stream message
// is one encoded wire.Message.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/yndnr/nodelink-go/internal/net/wire"
)

// Stream carries encoded messages in both directions.
//
// Send is called from a single goroutine and Recv from another; Close may
// be called concurrently with both and must unblock them or let them fail
// promptly.
type Stream interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
	RemoteAddr() string
}

// ConnStream frames messages over a net.Conn.
type ConnStream struct {
	conn         net.Conn
	reader       *wire.FrameReader
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// ConnOption configures a ConnStream.
type ConnOption func(*ConnStream)

// WithMaxFrameSize bounds inbound frames.
func WithMaxFrameSize(n int) ConnOption {
	return func(s *ConnStream) {
		s.reader = wire.NewFrameReader(s.conn, n)
	}
}

// WithWriteTimeout sets a deadline for every frame write.
func WithWriteTimeout(d time.Duration) ConnOption {
	return func(s *ConnStream) {
		s.writeTimeout = d
	}
}

// NewConnStream wraps conn.
func NewConnStream(conn net.Conn, opts ...ConnOption) *ConnStream {
	s := &ConnStream{conn: conn, reader: wire.NewFrameReader(conn, 0)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send writes one frame.
func (s *ConnStream) Send(frame []byte) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return wire.WriteFrame(s.conn, frame)
}

// Recv reads one frame.
func (s *ConnStream) Recv() ([]byte, error) {
	return s.reader.ReadFrame()
}

// Close closes the underlying connection once.
func (s *ConnStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// RemoteAddr returns the peer's network address.
func (s *ConnStream) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Dial opens a TCP ConnStream to addr.
func Dial(ctx context.Context, addr string, opts ...ConnOption) (*ConnStream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConnStream(conn, opts...), nil
}

// Pipe returns two connected in-memory streams.
func Pipe() (*ConnStream, *ConnStream) {
	a, b := net.Pipe()
	return NewConnStream(a), NewConnStream(b)
}
