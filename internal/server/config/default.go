package config

import "time"

// Default configuration values.
const (
	DefaultClusterName = "nodelink"
	DefaultDataDir     = "/var/lib/nodelink-server/data"

	DefaultListenAddr       = "127.0.0.1:5122"
	DefaultHTTPAddr         = "127.0.0.1:5123"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDrainGracePeriod = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultSendQueueSize    = 256
	DefaultMaxFrameSize     = 16 << 20

	DefaultAdminAddr = "127.0.0.1:5124"

	DefaultRouterWorkers   = 8
	DefaultRouterQueueSize = 1024

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Node: NodeSection{
			ID:          1,
			ClusterName: DefaultClusterName,
			DataDir:     DefaultDataDir,
		},
		Network: NetworkSection{
			ListenAddr:       DefaultListenAddr,
			HTTPAddr:         DefaultHTTPAddr,
			HandshakeTimeout: DefaultHandshakeTimeout,
			DrainGracePeriod: DefaultDrainGracePeriod,
			WriteTimeout:     DefaultWriteTimeout,
			SendQueueSize:    DefaultSendQueueSize,
			MaxFrameSize:     DefaultMaxFrameSize,
		},
		Router: RouterSection{
			Workers:   DefaultRouterWorkers,
			QueueSize: DefaultRouterQueueSize,
		},
		Admin: AdminSection{
			Addr: DefaultAdminAddr,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
