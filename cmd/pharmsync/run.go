package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rxops/pharmsync"
	"github.com/rxops/pharmsync/config"
	"github.com/rxops/pharmsync/engine"
	"github.com/rxops/pharmsync/logging"
	"github.com/rxops/pharmsync/metrics"
)

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sync agent",
		Long: `Start the sync agent: open the durable queue, probe connectivity and
replay queued writes whenever the remote API is reachable.

Example:
  pharmsync run --config pharmsync.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config (defaults apply when omitted)")
	return cmd
}

func runAgent(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := logging.NewLogger(cfg.Logging)
	logging.Init(cfg.Logging)

	builder := pharmsync.NewClientBuilder().
		FromConfig(cfg).
		WithLogger(logger)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		builder = builder.WithMetrics(metrics.NewPrometheusCollector(reg))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", slog.String("addr", cfg.Metrics.Listen))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", slog.String("error", err.Error()))
			}
		}()
	}

	client, err := builder.Build()
	if err != nil {
		return err
	}
	defer client.Close()

	unsubscribe := client.Subscribe(func(ev engine.Event) {
		switch ev.Type {
		case engine.EventItemSynced:
			logger.Info("item synced",
				slog.String("collection", string(ev.Collection)),
				slog.String("local_id", ev.LocalID),
				slog.String("server_id", ev.ServerID),
			)
		case engine.EventItemFailed:
			logger.Warn("item failed",
				slog.String("collection", string(ev.Collection)),
				slog.String("local_id", ev.LocalID),
				slog.String("error", ev.Err),
			)
		case engine.EventSyncCompleted:
			if ev.Summary != nil {
				logger.Info("sync pass completed",
					slog.Int("synced", ev.Summary.Synced),
					slog.Int("failed", ev.Summary.Failed),
					slog.Int("remaining", ev.Summary.Remaining),
					slog.Duration("duration", ev.Summary.Duration),
				)
			}
		}
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		return err
	}
	logger.Info("sync agent started", slog.String("api", cfg.API.BaseURL))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	cancel()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}
