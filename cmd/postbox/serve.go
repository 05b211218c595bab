package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"postbox/pkg/config"
	"postbox/pkg/delivery"
	"postbox/pkg/directory"
	"postbox/pkg/dispatch"
	"postbox/pkg/federation"
	"postbox/pkg/health"
	"postbox/pkg/server"
	"postbox/pkg/transport"
	"postbox/pkg/utils"
)

const (
	healthCheckInterval = 30 * time.Second
	shutdownTimeout     = 15 * time.Second
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the receiver and the delivery workers",
		Long: `Accept envelopes on /receive/public and /receive/users/{guid}, and
deliver queued posts to remote servers until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(verbose, cfg.LogLevel)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().String("listen", "", "receiver listening address")
	cmd.Flags().String("metrics-addr", "", "metrics and health listening address")
	cmd.Flags().Int("workers", 0, "number of delivery workers")

	return cmd
}

func directoryPath(cfg *config.Config) string {
	if cfg.Directory.Path != "" {
		return cfg.Directory.Path
	}
	return filepath.Join(cfg.DataDir, "directory.json")
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	dir, err := directory.LoadFile(directoryPath(cfg), logger)
	if err != nil {
		return err
	}

	metrics := federation.NewMetrics(prometheus.DefaultRegisterer)
	tracker, err := health.NewTracker(st, cfg.Health.Policy(), logger, metrics)
	if err != nil {
		return err
	}
	if err := dir.DeclareServers(ctx, tracker); err != nil {
		return err
	}

	client, err := transport.NewClient(cfg.TLS.CAPath)
	if err != nil {
		return err
	}
	serverTLS, err := transport.ServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return err
	}

	queue, err := delivery.NewQueue(delivery.Options{
		Config:    cfg.Delivery.QueueConfig(),
		Store:     st,
		Tracker:   tracker,
		Payloads:  directory.NewOutbox(st),
		Directory: dir,
		Transport: transport.NewHTTP(client, cfg.Delivery.UserAgent, logger),
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	maxBody, err := cfg.Receiver.MaxBodyBytes()
	if err != nil {
		return err
	}
	dispatcher := dispatch.NewDispatcher(dir, directory.NewInbox(st, logger), logger, metrics)
	receiver := server.Start(cfg.Listen, server.NewReceiver(dispatcher, dir, maxBody, logger), serverTLS, logger)

	monitor := federation.NewHealthMonitor(metrics, snapshotFunc(queue, tracker), healthCheckInterval, logger)
	monitor.Start()
	defer monitor.Stop()
	metricsServer := federation.StartMetricsServer(cfg.MetricsAddr, monitor, logger)

	logger.Info("Node started",
		zap.String("identity", cfg.Node.Identity),
		zap.String("public_inbox", cfg.Node.BaseURL+server.PublicPath),
		zap.String("listen", cfg.Listen),
		zap.String("store", cfg.Store.Driver),
		zap.String("max_body", utils.FormatDataSize(maxBody)))

	runErr := delivery.NewPool(queue, cfg.Delivery.PoolConfig(), logger).Run(ctx)

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := receiver.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Receiver shutdown incomplete", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown incomplete", zap.Error(err))
	}

	if runErr != nil {
		return fmt.Errorf("delivery pool: %w", runErr)
	}
	return nil
}

func snapshotFunc(queue *delivery.Queue, tracker *health.Tracker) federation.SnapshotFunc {
	return func() (federation.Snapshot, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		depth, err := queue.Depth(ctx)
		if err != nil {
			return federation.Snapshot{}, err
		}
		total, failed, err := tracker.Unreachable(ctx)
		if err != nil {
			return federation.Snapshot{}, err
		}
		return federation.Snapshot{QueueDepth: depth, ServersTotal: total, ServersUnreachable: failed}, nil
	}
}

