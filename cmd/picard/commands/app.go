package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/MEKXH/picard/internal/aggregator"
	"github.com/MEKXH/picard/internal/audit"
	"github.com/MEKXH/picard/internal/backend"
	"github.com/MEKXH/picard/internal/bus"
	"github.com/MEKXH/picard/internal/channel"
	slackchannel "github.com/MEKXH/picard/internal/channel/slack"
	"github.com/MEKXH/picard/internal/config"
	"github.com/MEKXH/picard/internal/dispatch"
	"github.com/MEKXH/picard/internal/metrics"
	"github.com/MEKXH/picard/internal/orchestrator"
	"github.com/MEKXH/picard/internal/session"
)

// app holds the wired components shared by run and sweep.
type app struct {
	metrics  *metrics.RuntimeMetrics
	registry *backend.Registry
	slack    *slackchannel.Channel
	orch     *orchestrator.Orchestrator

	closeAudit func()
}

func newApp(ctx context.Context, cfg *config.Config, msgBus *bus.MessageBus) (*app, error) {
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	runtimeMetrics := metrics.NewRuntimeMetrics(cfg.StateDir)

	registry, err := backend.FromConfig(cfg.Backends, &http.Client{})
	if err != nil {
		return nil, fmt.Errorf("build adapters: %w", err)
	}
	if registry.Len() == 0 {
		slog.Warn("no approval systems enabled; lists will be empty")
	}

	recorder, closeAudit, err := audit.Open(ctx, cfg.Audit, cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	slackCh := slackchannel.New(cfg.Slack, msgBus)
	if err := slackCh.Connect(ctx); err != nil {
		closeAudit()
		return nil, err
	}

	store := session.NewStore(session.Options{
		IdleTTL: time.Duration(cfg.Session.IdleTTLMinutes) * time.Minute,
	})
	orch := orchestrator.New(
		store,
		aggregator.New(registry.Adapters(), aggregator.Options{Metrics: runtimeMetrics}),
		dispatch.New(registry, recorder, dispatch.Options{
			Policy:     dispatch.PolicyFromConfig(cfg.Dispatch),
			MaxRetries: cfg.Dispatch.MaxRetries,
			Metrics:    runtimeMetrics,
		}),
		channel.NewMetered(slackCh, runtimeMetrics, 0),
		orchestrator.Options{
			ConfirmTimeout: time.Duration(cfg.Session.ConfirmTimeoutSeconds) * time.Second,
			CommentTimeout: time.Duration(cfg.Session.CommentTimeoutSeconds) * time.Second,
		},
	)

	slog.Info("picard wired", "systems", registry.Systems(), "state_dir", cfg.StateDir)
	return &app{
		metrics:    runtimeMetrics,
		registry:   registry,
		slack:      slackCh,
		orch:       orch,
		closeAudit: closeAudit,
	}, nil
}

func (a *app) Close() {
	if err := a.metrics.Close(); err != nil {
		slog.Warn("failed to persist runtime metrics", "error", err)
	}
	a.closeAudit()
}
