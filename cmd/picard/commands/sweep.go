package commands

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MEKXH/picard/internal/config"
	"github.com/MEKXH/picard/internal/directory"
	"github.com/MEKXH/picard/internal/sweep"
	"github.com/spf13/cobra"
)

const sweepStateFile = "sweep.json"

func NewSweepCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Send every active user their pending approvals once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(userID)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Only sweep this Slack user id")
	return cmd
}

func runSweep(userID string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	source := directory.FromConfig(cfg.Directory, nil)
	if strings.TrimSpace(userID) != "" {
		source = directory.NewStatic([]string{userID})
	}
	svc, err := sweep.NewService(source, a.orch, sweep.Options{
		Schedule:    cfg.Sweep.Schedule,
		Concurrency: cfg.Sweep.Concurrency,
	})
	if err != nil {
		return err
	}

	report, err := svc.RunOnce(ctx)
	fmt.Printf("Users: %d  Delivered: %d  Busy: %d  Failed: %d\n", report.Users, report.Delivered, report.Busy, report.Failed)
	return err
}
