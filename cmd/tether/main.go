// Package main provides the CLI entry point for the Tether agent backend.
//
// Tether is a single-host backend that pairs a mobile client with LLM
// providers (Anthropic, OpenAI) and runs agent turns against a local
// workspace: shell commands, file edits, web search and work plans.
//
// # Basic Usage
//
// Start the server:
//
//	tether serve --config tether.yaml
//
// Validate a configuration file without starting anything:
//
//	tether config check --config tether.yaml
//
// # Environment Variables
//
//   - TETHER_CONFIG: Path to configuration file (default: tether.yaml)
//   - ANTHROPIC_API_KEY: referenced from the config via ${ANTHROPIC_API_KEY}
//   - OPENAI_API_KEY: referenced from the config via ${OPENAI_API_KEY}
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tether",
		Short: "Tether - coding agent backend for paired mobile clients",
		Long: `Tether runs agent turns for a paired mobile client against a local workspace.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)
Available tools: bash, file editor, web search, work plans`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the TETHER_CONFIG fallback when the flag was not
// given.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("TETHER_CONFIG"); env != "" {
		return env
	}
	return "tether.yaml"
}
