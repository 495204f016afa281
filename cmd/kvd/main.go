package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rexliu/fgp/pkg/config"
	"github.com/rexliu/fgp/pkg/ipc"
	"github.com/rexliu/fgp/pkg/kv"
	"github.com/rexliu/fgp/pkg/lifecycle"
	"github.com/rexliu/fgp/pkg/logging"
	"github.com/rexliu/fgp/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to config.toml (default <services>/kv/config.toml when present)")
	socket := flag.String("socket", "", "Override IPC socket path (optional)")
	metricsAddr := flag.String("metrics", "", "Override metrics listen address, e.g. 127.0.0.1:9464 (optional)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *socket, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "kvd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.DaemonConfig, error) {
	if path == "" {
		candidate := filepath.Join(lifecycle.ServiceDir(kv.Name), "config.toml")
		if _, err := os.Stat(candidate); err != nil {
			return config.Default(kv.Name), nil
		}
		path = candidate
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Service.Name != kv.Name {
		return nil, fmt.Errorf("service.name must be %q, got %q", kv.Name, cfg.Service.Name)
	}
	return cfg, nil
}

func run(ctx context.Context, configPath, socketOverride, metricsOverride string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if socketOverride != "" {
		cfg.IPC.SocketPath = socketOverride
	}
	if metricsOverride != "" {
		cfg.Metrics.Listen = metricsOverride
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer closer.Close()

	pidPath := lifecycle.ServicePIDPath(cfg.Service.Name)
	if removed, err := lifecycle.CleanupStaleSocket(cfg.IPC.SocketPath, pidPath); err != nil {
		return err
	} else if removed {
		logger.Info("removed stale socket", "service", cfg.Service.Name, "socket", cfg.IPC.SocketPath)
	}
	socketPath, err := lifecycle.ExpandPath(cfg.IPC.SocketPath)
	if err != nil {
		return err
	}
	if lifecycle.Connectable(socketPath) {
		return fmt.Errorf("%s already running on %s", cfg.Service.Name, socketPath)
	}
	if err := lifecycle.WritePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer lifecycle.RemoveFiles(pidPath)

	ttl, err := cfg.Cache.TTLDuration()
	if err != nil {
		return err
	}
	svc := kv.New(kv.Options{
		Version:   cfg.Service.Version,
		DBPath:    cfg.Storage.DBPath,
		CacheSize: cfg.Cache.Size,
		CacheTTL:  ttl,
		Logger:    logger,
	})
	m := metrics.New(cfg.Service.Name)
	srv, err := ipc.NewServer(svc, cfg.IPC.SocketPath,
		ipc.WithLogger(logger),
		ipc.WithMetrics(m),
		ipc.WithSequential(cfg.IPC.Sequential),
		ipc.WithWriteTimeout(cfg.IPC.WriteTimeout()),
		ipc.WithMaxLineSize(cfg.IPC.MaxLineBytes),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	if cfg.Metrics.Listen != "" {
		serveMetrics(gctx, g, srv, m, cfg.Metrics, logger)
	}
	return g.Wait()
}

// serveMetrics exposes the registry over HTTP until the daemon stops,
// whether by signal or by a stop request.
func serveMetrics(ctx context.Context, g *errgroup.Group, srv *ipc.Server, m *metrics.Metrics, cfg config.MetricsConfig, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("metrics listening", "addr", cfg.Listen, "path", cfg.Path)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.Stop()
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-srv.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
}
