package config

import "time"

// ServerConfig is the root configuration for nodelink-server.
type ServerConfig struct {
	Node    NodeSection    `koanf:"node"`
	Network NetworkSection `koanf:"network"`
	Router  RouterSection  `koanf:"router"`
	Admin   AdminSection   `koanf:"admin"`
	Log     LogSection     `koanf:"log"`
}

// NodeSection identifies this node.
type NodeSection struct {
	// ID is the plain node id. The generation is taken from the data
	// directory and bumped on every start.
	ID uint32 `koanf:"id"`

	// ClusterName must match on both ends of every connection.
	ClusterName string `koanf:"cluster_name"`

	// DataDir holds the generation store.
	DataDir string `koanf:"data_dir"`
}

// NetworkSection configures listeners and connection behavior.
type NetworkSection struct {
	// ListenAddr is the raw TCP frame listener. Empty disables it.
	ListenAddr string `koanf:"listen_addr"`

	// HTTPAddr serves Connect streams over h2c and /metrics. Empty disables it.
	HTTPAddr string `koanf:"http_addr"`

	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`

	// DrainGracePeriod bounds how long a draining connection stays up.
	// Negative disables the forced close. Reloadable.
	DrainGracePeriod time.Duration `koanf:"drain_grace_period"`

	// WriteTimeout bounds one frame write on a TCP link. A peer that stops
	// reading for longer loses the connection. Zero disables it.
	WriteTimeout time.Duration `koanf:"write_timeout"`

	SendQueueSize int `koanf:"send_queue_size"`
	MaxFrameSize  int `koanf:"max_frame_size"`

	// Peers are dialed at startup and redialed when the link drops.
	// Format: "host:port", "tcp://host:port" or "http://host:port".
	Peers []string `koanf:"peers"`
}

// RouterSection sizes the inbound dispatch pool.
type RouterSection struct {
	Workers   int `koanf:"workers"`
	QueueSize int `koanf:"queue_size"`
}

// AdminSection configures the admin HTTP endpoint.
type AdminSection struct {
	// Addr serves health, status, drain and /metrics on their own
	// listener. Empty disables it; /metrics stays on network.http_addr.
	Addr string `koanf:"addr"`

	// AllowList restricts the /v1 routes to these IPs or CIDRs.
	AllowList []string `koanf:"allow_list"`

	// RateLimit is requests per second per client on /v1 routes. Zero
	// uses the default; negative disables limiting.
	RateLimit int `koanf:"rate_limit"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
