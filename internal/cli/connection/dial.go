package connection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"connectrpc.com/connect"

	"github.com/yndnr/nodelink-go/internal/net/connection"
	"github.com/yndnr/nodelink-go/internal/net/transport"
	"github.com/yndnr/nodelink-go/internal/net/wire"
	"github.com/yndnr/nodelink-go/internal/server/clusterserver"
	"github.com/yndnr/nodelink-go/internal/telemetry/logger"
)

// DefaultTimeout bounds dial plus handshake.
const DefaultTimeout = 10 * time.Second

// Options configures Dial.
type Options struct {
	ClusterName  string
	Timeout      time.Duration
	MaxFrameSize int
	Logger       *slog.Logger
}

// Session is an open anonymous connection.
type Session struct {
	conn      *connection.Conn
	peer      clusterserver.Peer
	handshake time.Duration
	cancel    context.CancelFunc
}

// Dial connects to addr ("host:port", "tcp://host:port" or
// "http://host:port") and completes the handshake.
func Dial(ctx context.Context, addr string, opts Options) (*Session, error) {
	peer, err := clusterserver.ParsePeer(addr)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	// A Connect stream lives as long as the context it was opened with.
	streamCtx, cancel := context.WithCancel(context.Background())
	dialCtx, dialCancel := context.WithTimeout(ctx, opts.Timeout)
	defer dialCancel()

	start := time.Now()
	var stream transport.Stream
	switch peer.Transport {
	case clusterserver.PeerConnect:
		stream = transport.DialConnect(streamCtx, transport.NewH2CClient(), peer.Addr,
			connect.WithInterceptors(clusterserver.NewClusterInterceptor(opts.ClusterName, opts.Logger)),
			connect.WithReadMaxBytes(opts.MaxFrameSize),
		)
	default:
		cs, err := transport.Dial(dialCtx, peer.Addr, transport.WithMaxFrameSize(opts.MaxFrameSize))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("dial %s: %w", peer, err)
		}
		stream = cs
	}

	c, err := connection.Initiate(dialCtx, stream, connection.Options{
		ClusterName:      opts.ClusterName,
		HandshakeTimeout: opts.Timeout,
		DrainGracePeriod: -1,
		Logger:           opts.Logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("handshake with %s: %w", peer, err)
	}

	return &Session{
		conn:      c,
		peer:      peer,
		handshake: time.Since(start),
		cancel:    cancel,
	}, nil
}

// Conn returns the underlying connection.
func (s *Session) Conn() *connection.Conn { return s.conn }

// Transport names the transport in use.
func (s *Session) Transport() clusterserver.PeerTransport { return s.peer.Transport }

// HandshakeDuration is how long dial plus handshake took.
func (s *Session) HandshakeDuration() time.Duration { return s.handshake }

// Call sends msg and waits for the response.
func (s *Session) Call(ctx context.Context, msg *wire.BinaryMessage) (*wire.BinaryMessage, error) {
	resp, err := s.conn.Call(ctx, msg)
	if err != nil {
		return nil, err
	}
	body, ok := resp.Body.(*wire.BinaryMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected %s response", resp.Kind())
	}
	return body, nil
}

// Close shuts the connection down gracefully.
func (s *Session) Close(ctx context.Context) error {
	defer s.cancel()
	if s.conn.Err() != nil {
		return nil
	}
	return s.conn.Shutdown(ctx, "client done")
}
