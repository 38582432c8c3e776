package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/tether/internal/config"
)

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigCheckCmd())
	return cmd
}

func buildConfigCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK: %s\n", path)
			fmt.Fprintf(out, "  listen:     %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			fmt.Fprintf(out, "  provider:   %s\n", cfg.Providers.Default)
			fmt.Fprintf(out, "  workspace:  %s\n", cfg.Server.WorkspaceRoot)
			fmt.Fprintf(out, "  push:       %s\n", describePush(cfg))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (YAML or JSON5)")
	return cmd
}

func describePush(cfg *config.Config) string {
	if cfg.Push.Endpoint == "" {
		return "log only"
	}
	return cfg.Push.Endpoint
}
