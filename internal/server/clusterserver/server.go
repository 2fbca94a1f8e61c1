package clusterserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/connection"
	"github.com/yndnr/nodelink-go/internal/net/router"
	"github.com/yndnr/nodelink-go/internal/net/transport"
	"github.com/yndnr/nodelink-go/internal/net/versions"
	"github.com/yndnr/nodelink-go/internal/telemetry/metric"
)

// Server owns the listeners, the peer dialers and every connection of one
// node.
type Server struct {
	cfg      Config
	manager  *Manager
	router   *router.Router
	notifier *versions.Notifier
	peerVers *PeerVersions
	stats    *metric.Collector
	client   *http.Client
	logger   *slog.Logger

	drainGrace atomic.Int64

	// runCtx bounds goroutines and dialed Connect streams.
	runCtx context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	stopped    bool
	listener   net.Listener
	httpLn     net.Listener
	httpServer *http.Server
}

// New creates a server. Nothing listens until Start.
func New(cfg Config) (*Server, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.With("node", cfg.Self.String())
	s := &Server{
		cfg:     cfg,
		manager: NewManager(logger),
		client:  transport.NewH2CClient(),
		logger:  logger,
		quit:    make(chan struct{}),
	}
	s.drainGrace.Store(int64(cfg.DrainGracePeriod))
	s.runCtx, s.cancel = context.WithCancel(context.Background())

	registry := router.NewRegistry()
	if err := RegisterBuiltins(registry, cfg.Versions, logger); err != nil {
		return nil, err
	}
	s.router = router.New(registry, cfg.Router)

	s.peerVers = NewPeerVersions(cfg.Versions, logger)
	s.notifier = versions.NewNotifier(versions.ObserverFunc(s.observeVersions), cfg.Metrics, logger)

	s.manager.OnRemove(func(c *connection.Conn, _ error) {
		if p := c.Peer(); p != nil && len(s.manager.ByNode(p.ID)) == 0 {
			s.peerVers.Forget(*p)
		}
	})
	if cfg.Metrics != nil {
		s.stats = metric.NewCollector(s.manager)
	}
	return s, nil
}

// Self returns this node's identity.
func (s *Server) Self() domain.GenerationalNodeID { return s.cfg.Self }

// Manager returns the connection manager.
func (s *Server) Manager() *Manager { return s.manager }

// Registry returns the router's handler registry.
func (s *Server) Registry() *router.Registry { return s.router.Registry() }

// PeerVersions returns the metadata versions peers advertised.
func (s *Server) PeerVersions() *PeerVersions { return s.peerVers }

// Addr returns the bound TCP listener address, or "" when disabled.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HTTPAddr returns the bound HTTP listener address, or "" when disabled.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// SetDrainGrace changes the drain grace period for existing and future
// connections.
func (s *Server) SetDrainGrace(d time.Duration) {
	s.drainGrace.Store(int64(d))
	s.manager.SetDrainGrace(d)
}

// Start binds the listeners and starts dialing peers.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return domain.ErrInvalidArgument.WithDetails("server already started")
	}
	s.started = true

	var lc net.ListenConfig
	if s.cfg.ListenAddr != "" {
		ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
		}
		s.listener = ln
	}
	if s.cfg.HTTPAddr != "" {
		ln, err := lc.Listen(ctx, "tcp", s.cfg.HTTPAddr)
		if err != nil {
			if s.listener != nil {
				_ = s.listener.Close()
			}
			return fmt.Errorf("listen %s: %w", s.cfg.HTTPAddr, err)
		}
		s.httpLn = ln
		s.httpServer = &http.Server{
			Handler:           h2c.NewHandler(s.httpHandler(), &http2.Server{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if s.stats != nil {
		s.cfg.Metrics.MustRegister(s.stats)
	}
	s.router.Start()
	s.goRun(func() { s.notifier.Run(s.runCtx) })

	if s.listener != nil {
		s.goRun(s.acceptLoop)
		s.logger.Info("tcp listener started", "addr", s.listener.Addr().String())
	}
	if s.httpLn != nil {
		s.goRun(func() {
			if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server failed", "error", err)
			}
		})
		s.logger.Info("http listener started", "addr", s.httpLn.Addr().String())
	}

	for _, p := range s.cfg.Peers {
		peer, _ := ParsePeer(p)
		s.goRun(func() { s.maintainPeer(peer) })
	}
	return nil
}

func (s *Server) httpHandler() http.Handler {
	mux := http.NewServeMux()
	path, handler := transport.NewConnectHandler(s.serveStream,
		connect.WithInterceptors(DefaultInterceptors(s.cfg.ClusterName, s.logger)...),
		connect.WithReadMaxBytes(s.cfg.MaxFrameSize),
	)
	mux.Handle(path, handler)
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics.Handler())
	}
	return mux
}

func (s *Server) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// connOptions returns the options shared by every connection.
func (s *Server) connOptions() connection.Options {
	self := s.cfg.Self
	return connection.Options{
		ClusterName:      s.cfg.ClusterName,
		MyNodeID:         &self,
		Admit:            s.manager.Admit,
		Router:           s.router,
		VersionSource:    s.cfg.Versions,
		Notifier:         s.notifier,
		SendQueueSize:    s.cfg.SendQueueSize,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		DrainGracePeriod: time.Duration(s.drainGrace.Load()),
		Metrics:          s.cfg.Metrics,
		Logger:           s.logger,
		OnClose:          s.manager.Remove,
	}
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.goRun(func() { s.serveTCP(nc) })
	}
}

func (s *Server) serveTCP(nc net.Conn) {
	stream := transport.NewConnStream(nc, s.streamOptions()...)
	c, err := connection.Accept(s.runCtx, stream, s.connOptions())
	if err != nil {
		s.logger.Debug("inbound handshake failed", "remote_addr", nc.RemoteAddr().String(), "error", err)
		return
	}
	s.adopt(c)
}

func (s *Server) streamOptions() []transport.ConnOption {
	return []transport.ConnOption{
		transport.WithMaxFrameSize(s.cfg.MaxFrameSize),
		transport.WithWriteTimeout(s.cfg.WriteTimeout),
	}
}

// serveStream runs one inbound Connect stream for the life of its
// connection.
func (s *Server) serveStream(ctx context.Context, st transport.Stream) error {
	c, err := connection.Accept(ctx, st, s.connOptions())
	if err != nil {
		s.logger.Debug("inbound handshake failed", "remote_addr", st.RemoteAddr(), "error", err)
		return nil
	}
	s.adopt(c)

	select {
	case <-c.Done():
	case <-ctx.Done():
		c.Close("stream context ended")
	}
	return nil
}

// adopt hands an open connection to the manager, unless the server is
// already stopping.
func (s *Server) adopt(c *connection.Conn) {
	select {
	case <-s.quit:
		c.Close("server stopping")
		return
	default:
	}
	s.manager.Add(c)
}

// Dial connects to addr (see ParsePeer) and runs the handshake. ctx bounds
// the dial and the handshake only.
func (s *Server) Dial(ctx context.Context, addr string) (*connection.Conn, error) {
	peer, err := ParsePeer(addr)
	if err != nil {
		return nil, err
	}

	var stream transport.Stream
	switch peer.Transport {
	case PeerConnect:
		stream = transport.DialConnect(s.runCtx, s.client, peer.Addr,
			connect.WithInterceptors(NewClusterInterceptor(s.cfg.ClusterName, s.logger)),
			connect.WithReadMaxBytes(s.cfg.MaxFrameSize),
		)
	default:
		cs, err := transport.Dial(ctx, peer.Addr, s.streamOptions()...)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", peer, err)
		}
		stream = cs
	}

	c, err := connection.Initiate(ctx, stream, s.connOptions())
	if err != nil {
		return nil, fmt.Errorf("handshake with %s: %w", peer, err)
	}
	s.adopt(c)
	return c, nil
}

// maintainPeer keeps one outbound link to peer up until the server stops.
func (s *Server) maintainPeer(peer Peer) {
	logger := s.logger.With("peer_addr", peer.String())
	backoff := s.cfg.RedialMin

	for {
		c, err := s.Dial(s.runCtx, peer.String())
		if err != nil {
			logger.Warn("peer dial failed", "error", err, "retry_in", backoff.String())
		} else {
			backoff = s.cfg.RedialMin
			select {
			case <-c.Done():
				logger.Info("peer link lost", "error", c.Err())
			case <-s.quit:
				return
			}
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-s.quit:
			timer.Stop()
			return
		}
		backoff = min(backoff*2, s.cfg.RedialMax)
	}
}

func (s *Server) observeVersions(ctx context.Context, u versions.Update) {
	s.peerVers.ObserveVersions(ctx, u)
	if s.cfg.OnVersions != nil {
		s.cfg.OnVersions.ObserveVersions(ctx, u)
	}
}

// Shutdown stops accepting, drains every connection, waits briefly for
// in-flight requests, then shuts all connections down and stops the
// router.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.quit)
	listener, httpServer := s.listener, s.httpServer
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}

	const reason = "server shutting down"
	var errs []error
	if err := s.manager.DrainAll(ctx, reason); err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}

	idleCtx, cancel := context.WithTimeout(ctx, s.cfg.IdleTimeout)
	if err := s.manager.WaitIdle(idleCtx); err != nil {
		s.logger.Warn("shutting down with requests in flight", "error", err)
	}
	cancel()

	if err := s.manager.ShutdownAll(ctx, reason); err != nil {
		errs = append(errs, err)
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	s.cancel()
	s.wg.Wait()
	s.router.Stop()
	if s.stats != nil {
		s.cfg.Metrics.Unregister(s.stats)
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}
