package clusterserver

import (
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/router"
	"github.com/yndnr/nodelink-go/internal/net/versions"
	"github.com/yndnr/nodelink-go/internal/telemetry/metric"
)

// Default values applied by New.
const (
	DefaultRedialMin   = 500 * time.Millisecond
	DefaultRedialMax   = 30 * time.Second
	DefaultIdleTimeout = 2 * time.Second
)

// Config configures a Server.
type Config struct {
	// Self is this node's identity including the current generation.
	Self        domain.GenerationalNodeID
	ClusterName string

	// ListenAddr is the raw TCP listener. Empty disables it.
	ListenAddr string

	// HTTPAddr serves Connect streams and /metrics. Empty disables it.
	HTTPAddr string

	// Peers are dialed on Start and redialed when their link drops.
	Peers []string

	HandshakeTimeout time.Duration
	DrainGracePeriod time.Duration
	SendQueueSize    int
	MaxFrameSize     int

	// WriteTimeout bounds one frame write on TCP links. Zero disables it.
	WriteTimeout time.Duration

	// RedialMin and RedialMax bound the backoff between peer dials.
	RedialMin time.Duration
	RedialMax time.Duration

	// IdleTimeout bounds how long Shutdown waits for in-flight requests
	// after draining.
	IdleTimeout time.Duration

	Router router.Config

	// Versions stamps outbound headers. A zero store is used when nil.
	Versions *versions.Store

	// OnVersions is told about peer metadata advances, after the server's
	// own bookkeeping. May be nil.
	OnVersions versions.Observer

	Metrics *metric.Registry
	Logger  *slog.Logger
}

func (c *Config) setDefaults() {
	if c.RedialMin <= 0 {
		c.RedialMin = DefaultRedialMin
	}
	if c.RedialMax < c.RedialMin {
		c.RedialMax = max(DefaultRedialMax, c.RedialMin)
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Versions == nil {
		c.Versions = versions.NewStore(domain.Versions{})
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Router.Logger == nil {
		c.Router.Logger = c.Logger
	}
	if c.Router.Metrics == nil {
		c.Router.Metrics = c.Metrics
	}
}

func (c *Config) validate() error {
	if c.ClusterName == "" {
		return domain.ErrInvalidArgument.WithDetails("cluster name is required")
	}
	if c.Self.ID == 0 {
		return domain.ErrInvalidArgument.WithDetails("node id is required")
	}
	for _, p := range c.Peers {
		if _, err := ParsePeer(p); err != nil {
			return err
		}
	}
	return nil
}

// PeerTransport selects how a peer is dialed.
type PeerTransport string

const (
	PeerTCP     PeerTransport = "tcp"
	PeerConnect PeerTransport = "connect"
)

// Peer is a parsed peer address.
type Peer struct {
	Transport PeerTransport

	// Addr is "host:port" for TCP and the base URL for Connect.
	Addr string
}

func (p Peer) String() string {
	if p.Transport == PeerConnect {
		return p.Addr
	}
	return "tcp://" + p.Addr
}

// ParsePeer parses "host:port", "tcp://host:port" or "http://host:port".
func ParsePeer(s string) (Peer, error) {
	if !strings.Contains(s, "://") {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return Peer{}, domain.ErrInvalidArgument.WithDetailsf("peer %q: %v", s, err)
		}
		return Peer{Transport: PeerTCP, Addr: s}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return Peer{}, domain.ErrInvalidArgument.WithDetailsf("peer %q: %v", s, err)
	}
	if u.Host == "" {
		return Peer{}, domain.ErrInvalidArgument.WithDetailsf("peer %q: missing host", s)
	}
	switch u.Scheme {
	case "tcp":
		if u.Port() == "" {
			return Peer{}, domain.ErrInvalidArgument.WithDetailsf("peer %q: missing port", s)
		}
		return Peer{Transport: PeerTCP, Addr: u.Host}, nil
	case "http":
		return Peer{Transport: PeerConnect, Addr: strings.TrimRight(s, "/")}, nil
	default:
		return Peer{}, domain.ErrInvalidArgument.WithDetailsf("peer %q: unsupported scheme %q", s, u.Scheme)
	}
}
