package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/threadline-ai/threadline/internal/config"
)

// buildCheckConfigCmd creates the "check-config" command that loads and
// validates a configuration file without starting the server.
func buildCheckConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file",
		Example: `  threadline check-config --config /etc/threadline/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "OK: %s\n", configPath)
			fmt.Fprintf(out, "  server:   %s:%d\n", cfg.Server.Host, cfg.Server.HTTPPort)
			fmt.Fprintf(out, "  database: %s\n", cfg.Database.Driver)
			fmt.Fprintf(out, "  model:    %s\n", cfg.LLM.Model)
			fmt.Fprintf(out, "  quota:    enforce=%t tiers=%d\n", cfg.Quota.Enforce, len(cfg.Quota.Tiers))
			fmt.Fprintf(out, "  tools:    enabled=%t\n", cfg.Agent.ToolsEnabled)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"path to the YAML config file")
	return cmd
}
