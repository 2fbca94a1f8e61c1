package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/yndnr/nodelink-go/internal/server/clusterserver"
	"github.com/yndnr/nodelink-go/internal/server/httpserver"
)

// Verify validates the configuration.
func Verify(cfg *ServerConfig) error {
	if err := verifyNode(&cfg.Node); err != nil {
		return err
	}
	if err := verifyNetwork(&cfg.Network); err != nil {
		return err
	}
	if err := verifyRouter(&cfg.Router); err != nil {
		return err
	}
	if err := verifyAdmin(&cfg.Admin); err != nil {
		return err
	}
	if a := cfg.Admin.Addr; a != "" && (a == cfg.Network.ListenAddr || a == cfg.Network.HTTPAddr) {
		return fmt.Errorf("admin.addr %s is already used by the network section", a)
	}
	return verifyLog(&cfg.Log)
}

func verifyAdmin(cfg *AdminSection) error {
	if cfg.Addr == "" {
		return nil
	}
	if err := verifyAddr("admin.addr", cfg.Addr); err != nil {
		return err
	}
	if _, err := httpserver.AllowList(cfg.AllowList); err != nil {
		return fmt.Errorf("admin.allow_list: %w", err)
	}
	return nil
}

func verifyNode(cfg *NodeSection) error {
	if cfg.ID == 0 {
		return errors.New("node.id must be greater than 0")
	}
	if cfg.ClusterName == "" {
		return errors.New("node.cluster_name is required")
	}
	if cfg.DataDir == "" {
		return errors.New("node.data_dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return errors.New("cannot create data directory: " + err.Error())
	}
	return nil
}

func verifyNetwork(cfg *NetworkSection) error {
	if cfg.ListenAddr == "" && cfg.HTTPAddr == "" {
		return errors.New("one of network.listen_addr or network.http_addr is required")
	}
	if cfg.ListenAddr != "" {
		if err := verifyAddr("network.listen_addr", cfg.ListenAddr); err != nil {
			return err
		}
	}
	if cfg.HTTPAddr != "" {
		if err := verifyAddr("network.http_addr", cfg.HTTPAddr); err != nil {
			return err
		}
	}
	if cfg.ListenAddr != "" && cfg.ListenAddr == cfg.HTTPAddr {
		return fmt.Errorf("network.listen_addr and network.http_addr both use %s", cfg.ListenAddr)
	}
	if cfg.HandshakeTimeout <= 0 {
		return errors.New("network.handshake_timeout must be positive")
	}
	if cfg.WriteTimeout < 0 {
		return errors.New("network.write_timeout must not be negative")
	}
	if cfg.SendQueueSize < 1 {
		return errors.New("network.send_queue_size must be at least 1")
	}
	if cfg.MaxFrameSize < 1024 {
		return errors.New("network.max_frame_size must be at least 1024")
	}
	for _, p := range cfg.Peers {
		if _, err := clusterserver.ParsePeer(p); err != nil {
			return fmt.Errorf("network.peers: %w", err)
		}
	}
	return nil
}

func verifyRouter(cfg *RouterSection) error {
	if cfg.Workers < 1 {
		return errors.New("router.workers must be at least 1")
	}
	if cfg.QueueSize < 1 {
		return errors.New("router.queue_size must be at least 1")
	}
	return nil
}

func verifyLog(cfg *LogSection) error {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Level)
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q is not json or text", cfg.Format)
	}
	return nil
}

func verifyAddr(key, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
