package commands

import (
	"fmt"
	"os"

	"github.com/MEKXH/picard/internal/config"
	"github.com/spf13/cobra"
)

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Picard configuration",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.ConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists: %s\n", configPath)
		return nil
	}

	cfg := config.DefaultConfig()

	for _, dir := range []string{config.ConfigDir(), cfg.StateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Picard initialized!\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("State: %s\n", cfg.StateDir)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("1. Edit %s to enable your approval systems\n", configPath)
	fmt.Printf("2. Set PICARD_SLACK_BOT_TOKEN and PICARD_SLACK_SIGNING_SECRET\n")
	fmt.Printf("3. Run 'picard run' to start the bot\n")

	return nil
}
