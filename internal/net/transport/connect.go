package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
)

// StreamProcedure is the Connect procedure carrying node-to-node traffic.
const StreamProcedure = "/nodelink.v1.NodeLinkService/Stream"

// Frame is one encoded wire.Message as seen by Connect.
type Frame struct {
	Data []byte
}

// frameCodec passes Frame bytes through unchanged. The bytes are already
// protobuf-encoded messages, so the codec registers as "proto".
type frameCodec struct{}

func (frameCodec) Name() string { return "proto" }

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, errors.New("frame codec: unexpected type")
	}
	return f.Data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return errors.New("frame codec: unexpected type")
	}
	f.Data = append(f.Data[:0:0], data...)
	return nil
}

// ServeFunc runs one accepted stream and returns when it is finished.
type ServeFunc func(ctx context.Context, s Stream) error

// NewConnectHandler returns the path and handler serving StreamProcedure.
// Every incoming call is passed to serve as a Stream. The call ends when
// serve returns or the Stream is closed, whichever comes first.
func NewConnectHandler(serve ServeFunc, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(frameCodec{})}, opts...)
	handler := connect.NewBidiStreamHandler(StreamProcedure,
		func(ctx context.Context, bidi *connect.BidiStream[Frame, Frame]) error {
			s := &serverStream{bidi: bidi, done: make(chan struct{})}
			result := make(chan error, 1)
			go func() { result <- serve(ctx, s) }()

			// Returning ends the HTTP/2 stream, which is the only way to
			// fail a Receive that is still blocked.
			select {
			case err := <-result:
				return err
			case <-s.done:
				return nil
			}
		},
		opts...,
	)
	return StreamProcedure, handler
}

type serverStream struct {
	bidi      *connect.BidiStream[Frame, Frame]
	done      chan struct{}
	closeOnce sync.Once
}

func (s *serverStream) Send(frame []byte) error {
	select {
	case <-s.done:
		return net.ErrClosed
	default:
	}
	return s.bidi.Send(&Frame{Data: frame})
}

func (s *serverStream) Recv() ([]byte, error) {
	f, err := s.bidi.Receive()
	if err != nil {
		return nil, err
	}
	return f.Data, nil
}

// Close marks the stream finished and ends the call, failing any pending
// Recv.
func (s *serverStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *serverStream) RemoteAddr() string {
	return s.bidi.Peer().Addr
}

// NewH2CClient returns an HTTP client speaking cleartext HTTP/2, which
// Connect bidirectional streams require without TLS.
func NewH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// DialConnect opens a Connect stream to baseURL (e.g. "http://host:port").
func DialConnect(ctx context.Context, httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) Stream {
	opts = append([]connect.ClientOption{connect.WithCodec(frameCodec{})}, opts...)
	client := connect.NewClient[Frame, Frame](httpClient, strings.TrimRight(baseURL, "/")+StreamProcedure, opts...)

	ctx, cancel := context.WithCancel(ctx)
	return &clientStream{
		bidi:   client.CallBidiStream(ctx),
		cancel: cancel,
		addr:   baseURL,
	}
}

type clientStream struct {
	bidi      *connect.BidiStreamForClient[Frame, Frame]
	cancel    context.CancelFunc
	addr      string
	closeOnce sync.Once
}

func (s *clientStream) Send(frame []byte) error {
	return s.bidi.Send(&Frame{Data: frame})
}

func (s *clientStream) Recv() ([]byte, error) {
	f, err := s.bidi.Receive()
	if err != nil {
		return nil, err
	}
	return f.Data, nil
}

func (s *clientStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.bidi.CloseRequest()
		s.cancel()
		_ = s.bidi.CloseResponse()
	})
	return err
}

func (s *clientStream) RemoteAddr() string { return s.addr }
