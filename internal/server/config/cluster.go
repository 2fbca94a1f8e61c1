package config

import (
	"errors"
	"log/slog"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/router"
	"github.com/yndnr/nodelink-go/internal/net/versions"
	"github.com/yndnr/nodelink-go/internal/server/clusterserver"
	"github.com/yndnr/nodelink-go/internal/telemetry/metric"
)

// ToClusterConfig converts ServerConfig to clusterserver.Config for the
// node incarnation gen.
func ToClusterConfig(cfg *ServerConfig, gen uint32, store *versions.Store, metrics *metric.Registry, logger *slog.Logger) (clusterserver.Config, error) {
	if cfg == nil {
		return clusterserver.Config{}, errors.New("server config is nil")
	}
	if gen == 0 {
		return clusterserver.Config{}, errors.New("node generation must be greater than 0")
	}

	return clusterserver.Config{
		Self:             domain.PlainNodeID(cfg.Node.ID).WithGeneration(gen),
		ClusterName:      cfg.Node.ClusterName,
		ListenAddr:       cfg.Network.ListenAddr,
		HTTPAddr:         cfg.Network.HTTPAddr,
		Peers:            append([]string(nil), cfg.Network.Peers...),
		HandshakeTimeout: cfg.Network.HandshakeTimeout,
		DrainGracePeriod: cfg.Network.DrainGracePeriod,
		WriteTimeout:     cfg.Network.WriteTimeout,
		SendQueueSize:    cfg.Network.SendQueueSize,
		MaxFrameSize:     cfg.Network.MaxFrameSize,
		Router: router.Config{
			Workers:   cfg.Router.Workers,
			QueueSize: cfg.Router.QueueSize,
			Metrics:   metrics,
			Logger:    logger,
		},
		Versions: store,
		Metrics:  metrics,
		Logger:   logger,
	}, nil
}
