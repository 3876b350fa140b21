package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-defect-station/internal/config"
	"github.com/e7canasta/orion-defect-station/internal/control"
	"github.com/e7canasta/orion-defect-station/internal/health"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the station daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogger(os.Stdout, root.debug)
			return runDaemon(root.configPath)
		},
	}
}

func runDaemon(configPath string) error {
	slog.Info("starting defect station", "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStation(ctx, cfg, false)
	if err != nil {
		return fmt.Errorf("failed to build station: %w", err)
	}

	// A workflow that fails to start is logged; the others keep running.
	if err := st.orch.Apply(ctx, cfg.Workflows); err != nil {
		slog.Error("failed to start some workflows", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return health.NewServer(cfg.Health.Listen, st.registry).Run(gctx)
	})
	g.Go(func() error {
		return config.NewWatcher(configPath, config.DefaultDebounce, func(next *config.Config) {
			if err := st.orch.Apply(gctx, next.Workflows); err != nil {
				slog.Error("failed to apply reloaded workflows", "error", err)
			}
		}).Run(gctx)
	})
	g.Go(func() error {
		return st.orch.RunSync(gctx, cfg.SyncInterval())
	})
	if st.client != nil {
		mq := cfg.Shadow.MQTT
		handler := control.NewHandler(st.client, control.Config{
			Topic:         mq.ControlTopic,
			ResponseTopic: mq.ControlResponseTopic,
			QoS:           mq.QoS,
		}, st.orch, func(ctx context.Context) any {
			return st.registry.Report(ctx)
		})
		g.Go(func() error { return handler.Run(gctx) })
	}

	slog.Info("defect station running",
		"device_id", cfg.DeviceID,
		"workflows", st.orch.Workflows(),
		"health", cfg.Health.Listen,
	)

	runErr := g.Wait()
	if runErr != nil {
		slog.Error("service error", "error", runErr)
	} else {
		slog.Info("received shutdown signal")
	}

	slog.Info("shutting down gracefully", "timeout", cfg.ShutdownTimeout())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := st.close(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return err
	}
	slog.Info("defect station stopped successfully")
	return runErr
}
