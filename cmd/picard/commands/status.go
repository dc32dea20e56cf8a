package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MEKXH/picard/internal/config"
	"github.com/MEKXH/picard/internal/metrics"
	"github.com/MEKXH/picard/internal/sweep"
	"github.com/spf13/cobra"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show Picard configuration and runtime status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("=== Picard Status ===")
	fmt.Println()

	fmt.Printf("Config: %s\n", config.ConfigPath())
	if _, err := os.Stat(config.ConfigPath()); err == nil {
		fmt.Println("  Status: OK")
	} else {
		fmt.Println("  Status: Not found (run 'picard init')")
	}
	fmt.Printf("\nState: %s\n", cfg.StateDir)

	fmt.Println("\nSlack:")
	fmt.Printf("  Bot token: %s\n", configured(cfg.Slack.BotToken))
	fmt.Printf("  Signing secret: %s\n", configured(cfg.Slack.SigningSecret))
	if strings.TrimSpace(cfg.Slack.AppToken) != "" {
		fmt.Println("  Socket mode: enabled")
	}

	fmt.Println("\nApproval systems:")
	systems := []struct {
		name string
		cfg  config.BackendConfig
	}{
		{"coupa", cfg.Backends.Coupa},
		{"brex", cfg.Backends.Brex},
		{"jira", cfg.Backends.Jira.BackendConfig},
		{"servicenow", cfg.Backends.ServiceNow},
		{"workday", cfg.Backends.Workday},
	}
	for _, s := range systems {
		status := "disabled"
		if s.cfg.Enabled {
			status = "enabled (" + s.cfg.BaseURL + ")"
		}
		fmt.Printf("  %s: %s\n", s.name, status)
	}

	fmt.Println("\nAudit:")
	switch {
	case strings.TrimSpace(cfg.Audit.DatabaseURL) != "":
		fmt.Println("  Store: postgres")
	case strings.TrimSpace(cfg.Audit.File) != "":
		fmt.Printf("  Store: %s\n", cfg.Audit.File)
	default:
		fmt.Printf("  Store: %s\n", cfg.StatePath("audit.jsonl"))
	}

	fmt.Println("\nSweep:")
	if !cfg.Sweep.Enabled {
		fmt.Println("  disabled")
	} else {
		fmt.Printf("  Schedule: %s\n", cfg.Sweep.Schedule)
		st, err := sweep.ReadState(cfg.StatePath(sweepStateFile))
		if err != nil {
			fmt.Printf("  State: unreadable (%v)\n", err)
		} else {
			if st.LastStatus != "" {
				fmt.Printf("  Last run: %s\n", st.LastStatus)
				if st.LastReport != nil {
					fmt.Printf("  Last report: %d users, %d delivered, %d busy, %d failed\n",
						st.LastReport.Users, st.LastReport.Delivered, st.LastReport.Busy, st.LastReport.Failed)
				}
			}
			if st.NextRunAtMS != nil {
				fmt.Printf("  Next run: %s\n", time.UnixMilli(*st.NextRunAtMS).Format(time.RFC3339))
			}
		}
	}

	snapshot, err := metrics.ReadRuntimeSnapshot(cfg.StateDir)
	fmt.Println("\nRuntime:")
	if err != nil {
		fmt.Printf("  Metrics: unreadable (%v)\n", err)
		return nil
	}
	if !snapshot.HasData() {
		fmt.Println("  No runtime metrics yet")
		return nil
	}
	fmt.Printf("  Fetches: %d (error ratio %.2f, timeout ratio %.2f, avg %.0fms)\n",
		snapshot.Fetch.Total, snapshot.Fetch.ErrorRatio(), snapshot.Fetch.TimeoutRatio(), snapshot.Fetch.AvgLatencyMs())
	fmt.Printf("  Dispatches: %d (success ratio %.2f, retries %d, audit failures %d)\n",
		snapshot.Dispatch.Total, snapshot.Dispatch.SuccessRatio(), snapshot.Dispatch.Retries, snapshot.Dispatch.AuditFailures)
	fmt.Printf("  Slack sends: %d (failure ratio %.2f)\n", snapshot.Channel.SendAttempts, snapshot.Channel.FailureRatio())
	return nil
}

func configured(v string) string {
	if strings.TrimSpace(v) == "" {
		return "Not configured"
	}
	return "Configured"
}
