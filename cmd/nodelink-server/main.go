package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/infra/buildinfo"
	"github.com/yndnr/nodelink-go/internal/infra/confloader"
	"github.com/yndnr/nodelink-go/internal/infra/shutdown"
	"github.com/yndnr/nodelink-go/internal/net/versions"
	"github.com/yndnr/nodelink-go/internal/server/clusterserver"
	"github.com/yndnr/nodelink-go/internal/server/config"
	"github.com/yndnr/nodelink-go/internal/server/httpserver"
	"github.com/yndnr/nodelink-go/internal/storage"
	"github.com/yndnr/nodelink-go/internal/telemetry/logger"
	"github.com/yndnr/nodelink-go/internal/telemetry/metric"
)

const shutdownTimeout = 60 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("nodelink-server %s\n", buildinfo.String())
		return nil
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	info := buildinfo.Get()
	log.Info("starting nodelink-server",
		"version", info.Version,
		"commit", info.Commit,
		"protocol", info.ProtocolMin+".."+info.ProtocolMax,
		"config", *configFile)
	log.Debug("effective configuration", "config", config.Sanitize(cfg))

	ctx := context.Background()
	metrics := metric.NewRegistry()

	kv, err := storage.NewBadgerEngine(storage.DefaultKVConfig(cfg.Node.DataDir), log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	kv.RegisterMetrics(metrics)

	gens := storage.NewGenerationStore(kv)
	self, err := gens.Bump(ctx, domain.PlainNodeID(cfg.Node.ID))
	if err != nil {
		_ = kv.Close()
		return fmt.Errorf("bump generation: %w", err)
	}
	saved, err := gens.LoadVersions(ctx)
	if err != nil {
		_ = kv.Close()
		return fmt.Errorf("load versions: %w", err)
	}
	store := versions.NewStore(saved)

	clusterCfg, err := config.ToClusterConfig(cfg, self.Generation, store, metrics, log)
	if err != nil {
		_ = kv.Close()
		return err
	}
	srv, err := clusterserver.New(clusterCfg)
	if err != nil {
		_ = kv.Close()
		return fmt.Errorf("create server: %w", err)
	}

	sh := shutdown.NewHandler(shutdownTimeout, log)

	// Hooks run in reverse: the server drains before versions are saved and
	// storage closes last.
	sh.OnShutdown("storage", func(context.Context) error {
		return kv.Close()
	})
	sh.OnShutdown("versions", func(ctx context.Context) error {
		return gens.SaveVersions(ctx, store.CurrentVersions())
	})

	if err := srv.Start(ctx); err != nil {
		_ = kv.Close()
		return fmt.Errorf("start server: %w", err)
	}
	sh.OnShutdown("cluster server", srv.Shutdown)

	log.Info("node started",
		"self", srv.Self().String(),
		"cluster", cfg.Node.ClusterName,
		"listen_addr", srv.Addr(),
		"http_addr", srv.HTTPAddr(),
		"peers", len(cfg.Network.Peers))

	if cfg.Admin.Addr != "" {
		h, err := httpserver.NewRouter(httpserver.RouterConfig{
			Node:      srv,
			Metrics:   metrics.Handler(),
			AllowList: cfg.Admin.AllowList,
			RateLimit: cfg.Admin.RateLimit,
			Logger:    log,
		})
		if err != nil {
			return shutdownOnError(sh, fmt.Errorf("admin router: %w", err))
		}
		admin := httpserver.New(cfg.Admin.Addr, h, log)
		if err := admin.Start(ctx); err != nil {
			return shutdownOnError(sh, fmt.Errorf("start admin server: %w", err))
		}
		sh.OnShutdown("admin server", admin.Shutdown)
	}

	reload := func() { reloadConfig(*configFile, srv, log) }
	sh.OnReload(reload)

	if *configFile != "" {
		w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
		if err != nil {
			log.Warn("config watcher disabled", "error", err)
		} else if err := w.Watch(*configFile); err != nil {
			log.Warn("config watcher disabled", "error", err)
			_ = w.Stop()
		} else {
			w.OnChange(func(string) { reload() })
			w.StartAsync()
			sh.OnShutdown("config watcher", func(context.Context) error { return w.Stop() })
		}
	}

	if err := sh.Wait(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("node stopped gracefully", "self", srv.Self().String())
	return nil
}

// loadConfig loads configuration from defaults, file and environment.
func loadConfig(configFile string) (*config.ServerConfig, error) {
	cfg := config.Default()

	var opts []confloader.Option
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, err
	}

	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// reloadConfig applies the settings that can change at runtime: the log
// level and the drain grace period. Everything else needs a restart.
func reloadConfig(configFile string, srv *clusterserver.Server, log *slog.Logger) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Error("config reload failed", "error", err)
		return
	}
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		log.Error("config reload failed", "error", err)
		return
	}
	srv.SetDrainGrace(cfg.Network.DrainGracePeriod)
	log.Info("config reloaded",
		"log_level", logger.GetLevel(),
		"drain_grace_period", cfg.Network.DrainGracePeriod)
}

// shutdownOnError runs the hooks registered so far and returns err.
func shutdownOnError(sh *shutdown.Handler, err error) error {
	sh.Trigger()
	if herr := sh.Wait(context.Background()); herr != nil {
		return fmt.Errorf("%w (shutdown: %v)", err, herr)
	}
	return err
}
