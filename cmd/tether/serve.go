package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/tether/internal/agent"
	"github.com/haasonsaas/tether/internal/config"
	"github.com/haasonsaas/tether/internal/gateway"
	"github.com/haasonsaas/tether/internal/observability"
	"github.com/haasonsaas/tether/internal/projectctx"
	"github.com/haasonsaas/tether/internal/providers"
	"github.com/haasonsaas/tether/internal/push"
	"github.com/haasonsaas/tether/internal/store"
	"github.com/haasonsaas/tether/internal/tools"
	"github.com/haasonsaas/tether/pkg/models"
)

// buildServeCmd creates the "serve" command that starts the backend.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Tether backend",
		Long: `Start the Tether backend: the websocket channel for the paired device,
the session admin API, and the metrics endpoint, all on one listener.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  tether serve

  # Start with custom config
  tether serve --config /etc/tether/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (YAML or JSON5)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// loadConfig reads the config file, falling back to built-in defaults when
// the implicit default path does not exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config.Load(path)
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath, configPath != "tether.yaml")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := observability.NewMetrics()

	logger.Info(ctx, "starting tether",
		"version", version,
		"commit", commit,
		"config", configPath,
		"provider", cfg.Providers.Default,
	)

	dataRoot := cfg.Sessions.DataRoot
	if dataRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory for session data: %w", err)
		}
		dataRoot = filepath.Join(home, ".tether")
	}
	fs, err := store.NewFileStore(dataRoot, logger.Slog(), metrics)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	catalog, err := tools.NewCatalog(cfg.Tools.ExtraDenied)
	if err != nil {
		return fmt.Errorf("failed to build tool catalog: %w", err)
	}
	executor := tools.NewExecutor(catalog, fs, logger, metrics, tools.Options{
		BashTimeout:  cfg.Tools.BashTimeout,
		BashMaxBytes: cfg.Tools.BashMaxOutputBytes,
		TextMaxBytes: cfg.Tools.TextMaxOutputBytes,
	})

	adapters, err := buildAdapters(cfg, logger, metrics)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		logger.Warn(ctx, "no provider credentials configured; only per-message API keys will work")
	}

	var dispatcher push.Dispatcher
	if cfg.Push.Endpoint != "" {
		dispatcher = push.NewHTTPDispatcher(cfg.Push.Endpoint)
	} else {
		dispatcher = &push.LogDispatcher{Logger: logger}
	}

	engine := agent.NewEngine(agent.Deps{
		Store:           fs,
		Catalog:         catalog,
		Executor:        executor,
		Adapters:        adapters,
		DefaultProvider: cfg.Providers.Default,
		AdapterFactory:  adapterFactory(cfg, logger, metrics),
		Push:            dispatcher,
		Logger:          logger,
		Metrics:         metrics,
		LoadContext: func(workingDir string) *models.ProjectContext {
			return projectctx.Load(workingDir, "")
		},
	})

	server := gateway.NewServer(cfg.Server, fs, engine, logger, metrics)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Sessions.IdleEviction > 0 {
		fs.StartEvictor(ctx, time.Minute, cfg.Sessions.IdleEviction)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info(context.Background(), "shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info(context.Background(), "tether stopped")
	return nil
}

// buildAdapters constructs the configured provider adapters. A provider with
// no credentials is skipped rather than failing startup, so a box with only
// one key configured still serves.
func buildAdapters(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (map[string]providers.Adapter, error) {
	adapters := make(map[string]providers.Adapter)

	ac := cfg.Providers.Anthropic
	if ac.APIKey != "" || ac.OAuth.RefreshToken != "" || ac.OAuth.AccessToken != "" {
		adapter, err := providers.NewAnthropicAdapter(anthropicOptions(ac), logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("anthropic adapter: %w", err)
		}
		adapters["anthropic"] = adapter
	}

	oc := cfg.Providers.OpenAI
	if oc.APIKey != "" {
		adapter, err := providers.NewOpenAIAdapter(providers.OpenAIOptions{
			APIKey:  oc.APIKey,
			BaseURL: oc.BaseURL,
			Model:   oc.Model,
		}, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		adapters["openai"] = adapter
	}

	return adapters, nil
}

func anthropicOptions(ac config.AnthropicConfig) providers.AnthropicOptions {
	opts := providers.AnthropicOptions{
		APIKey:   ac.APIKey,
		BaseURL:  ac.BaseURL,
		Model:    ac.Model,
		AuthMode: providers.AuthMode(ac.AuthMode),
		OAuth: providers.OAuthOptions{
			ClientID:     ac.OAuth.ClientID,
			TokenURL:     ac.OAuth.TokenURL,
			RefreshToken: ac.OAuth.RefreshToken,
			AccessToken:  ac.OAuth.AccessToken,
		},
	}
	if ac.OAuth.ExpiresAt > 0 {
		opts.OAuth.Expiry = time.Unix(ac.OAuth.ExpiresAt, 0)
	}
	return opts
}

// adapterFactory builds one-off adapters for client-supplied API keys. The
// configured model and base URL still apply; only the credential changes.
func adapterFactory(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) agent.AdapterFactory {
	return func(provider, apiKey string) (providers.Adapter, error) {
		switch provider {
		case "", "anthropic":
			opts := anthropicOptions(cfg.Providers.Anthropic)
			opts.APIKey = apiKey
			opts.AuthMode = providers.AuthAPIKey
			opts.OAuth = providers.OAuthOptions{}
			return providers.NewAnthropicAdapter(opts, logger, metrics)
		case "openai":
			return providers.NewOpenAIAdapter(providers.OpenAIOptions{
				APIKey:  apiKey,
				BaseURL: cfg.Providers.OpenAI.BaseURL,
				Model:   cfg.Providers.OpenAI.Model,
			}, logger, metrics)
		default:
			return nil, errors.New("unknown provider: " + provider)
		}
	}
}
