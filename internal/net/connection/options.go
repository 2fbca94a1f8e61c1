package connection

import (
	"log/slog"
	"time"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/handshake"
	"github.com/yndnr/nodelink-go/internal/net/router"
	"github.com/yndnr/nodelink-go/internal/net/versions"
	"github.com/yndnr/nodelink-go/internal/net/wire"
	"github.com/yndnr/nodelink-go/internal/telemetry/metric"
)

const (
	DefaultSendQueueSize    = 256
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDrainGracePeriod = 30 * time.Second
)

// Options configures a Conn.
type Options struct {
	Role        handshake.Role
	ClusterName string

	// MyNodeID is required for acceptors. A nil id makes an initiator
	// anonymous.
	MyNodeID *domain.GenerationalNodeID

	// Versions is the advertised protocol range; zero means the local range.
	Versions wire.VersionRange

	// Admit vets the peer's identity during the handshake.
	Admit func(peer domain.GenerationalNodeID) error

	// Router receives inbound application messages. When nil they are
	// dropped.
	Router *router.Router

	// VersionSource stamps outbound headers with local metadata versions.
	VersionSource versions.Source

	// Notifier is told when the peer reports newer metadata versions.
	Notifier *versions.Notifier

	SendQueueSize    int
	HandshakeTimeout time.Duration

	// DrainGracePeriod bounds how long a draining connection stays up.
	// Negative disables the forced close.
	DrainGracePeriod time.Duration

	// RecentResponses sizes the duplicate response detector.
	RecentResponses int

	Metrics *metric.Registry
	Logger  *slog.Logger

	// OnClose is called once, after teardown, with the close cause.
	OnClose func(c *Conn, cause error)
}

func (o *Options) setDefaults() {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.DrainGracePeriod == 0 {
		o.DrainGracePeriod = DefaultDrainGracePeriod
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
