package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MEKXH/picard/internal/bus"
	"github.com/MEKXH/picard/internal/config"
	"github.com/MEKXH/picard/internal/directory"
	"github.com/MEKXH/picard/internal/gateway"
	"github.com/MEKXH/picard/internal/orchestrator"
	"github.com/MEKXH/picard/internal/sweep"
	"github.com/spf13/cobra"
)

func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the Picard bot",
		RunE:  runServer,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	msgBus := bus.NewMessageBus(100)
	a, err := newApp(ctx, cfg, msgBus)
	if err != nil {
		return err
	}
	defer a.Close()

	inbox := orchestrator.NewInbox(a.orch, cfg.Session.MaxConcurrentEvents)
	inboxDone := make(chan struct{})
	go func() {
		defer close(inboxDone)
		if err := inbox.Run(ctx, msgBus.Inbound()); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("inbox stopped", "error", err)
		}
	}()
	go a.orch.RunExpiry(ctx, time.Duration(cfg.Session.SweepIntervalSeconds)*time.Second)

	errCh := make(chan error, 2)
	if a.slack.SocketMode() {
		if err := a.slack.Start(ctx); err != nil {
			return fmt.Errorf("start slack socket mode: %w", err)
		}
	}

	var sweepService *sweep.Service
	if cfg.Sweep.Enabled {
		sweepService, err = sweep.NewService(directory.FromConfig(cfg.Directory, nil), a.orch, sweep.Options{
			Schedule:    cfg.Sweep.Schedule,
			Concurrency: cfg.Sweep.Concurrency,
			StatePath:   cfg.StatePath(sweepStateFile),
		})
		if err != nil {
			return err
		}
		if err := sweepService.Start(); err != nil {
			slog.Warn("sweep service failed to start", "error", err)
			sweepService = nil
		} else if next := sweepService.State().NextRunAtMS; next != nil {
			fmt.Printf("Daily sweep: %s, next run %s\n", cfg.Sweep.Schedule, time.UnixMilli(*next).Format(time.RFC3339))
		}
	}

	gatewayServer := gateway.New(cfg.Gateway, cfg.Slack.SigningSecret, a.slack)
	go func() {
		if err := gatewayServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	fmt.Printf("Picard running. Slack webhooks: http://%s/slack/events\nPress Ctrl+C to stop.\n", gatewayServer.Addr())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("server component failed", "error", runErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down", "queued_events", inbox.Pending())
	if sweepService != nil {
		sweepService.Stop()
	}
	_ = a.slack.Stop(shutdownCtx)
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("gateway shutdown failed", "error", err)
	}
	msgBus.Close()
	<-inboxDone

	return runErr
}
