package commands

import (
	"github.com/MEKXH/picard/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "picard",
		Short: "Picard - approvals in Slack",
		Long:  `Picard collects pending approvals from Coupa, Brex, Jira, ServiceNow and Workday and lets you approve or reject them from a Slack conversation.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewRunCmd(),
		NewSweepCmd(),
		NewStatusCmd(),
		NewVersionCmd(),
	)

	return cmd
}
