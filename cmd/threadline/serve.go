package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/internal/agent/providers"
	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/config"
	"github.com/threadline-ai/threadline/internal/conversations"
	"github.com/threadline-ai/threadline/internal/gateway"
	"github.com/threadline-ai/threadline/internal/observability"
	"github.com/threadline-ai/threadline/internal/orchestrator"
	"github.com/threadline-ai/threadline/internal/quota"
	"github.com/threadline-ai/threadline/internal/tools"
	"github.com/threadline-ai/threadline/internal/usage"
)

// defaultConfigPath resolves the config file location: the THREADLINE_CONFIG
// environment variable when set, threadline.yaml otherwise.
func defaultConfigPath() string {
	if p := os.Getenv("THREADLINE_CONFIG"); p != "" {
		return p
	}
	return "threadline.yaml"
}

// buildServeCmd creates the "serve" command that starts the agent service.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Threadline agent service",
		Long: `Start the Threadline HTTP server.

The server will:
1. Load configuration from the specified file (or threadline.yaml)
2. Open the conversation store (postgres, sqlite, or in-memory)
3. Register the configured agent tools
4. Serve the agent endpoints, /healthz, and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals. Quota tier
changes in the config file are picked up without a restart.`,
		Example: `  # Start with default config
  threadline serve

  # Start with custom config
  threadline serve --config /etc/threadline/production.yaml

  # Start with debug logging
  threadline serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"path to the YAML config file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command: configuration loading, dependency
// assembly, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger.Info(ctx, "starting threadline",
		"version", version,
		"commit", commit,
		"config", configPath,
		"model", cfg.LLM.Model,
	)

	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "threadline",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracer(flushCtx); err != nil {
			logger.Warn(flushCtx, "tracer shutdown failed", "error", err)
		}
	}()

	metrics := observability.NewMetrics()

	store, err := buildStore(cfg, metrics, tracer)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	defer store.Close()
	logger.Info(ctx, "conversation store ready", "driver", cfg.Database.Driver)

	authSvc := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     cfg.Auth.APIKeys,
	}, logger)

	enforcer := quota.NewEnforcer(store, cfg.Quota.DefaultTier, cfg.Quota.Tiers, logger)

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}

	creds := make(providers.Credentials, len(cfg.LLM.Providers))
	for name, pc := range cfg.LLM.Providers {
		creds[providers.Provider(name)] = providers.Credential{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		Timeout:           cfg.LLM.Timeout,
		MaxIterations:     cfg.Agent.MaxIterations,
		ToolsEnabled:      cfg.Agent.ToolsEnabled,
		HistoryLimit:      cfg.Agent.HistoryLimit,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		EnforceQuota:      cfg.Quota.Enforce,
	}, orchestrator.Deps{
		Store:    store,
		Enforcer: enforcer,
		Registry: registry,
		NewProvider: providers.Factory(creds, providers.Options{
			MaxRetries: cfg.LLM.MaxRetries,
			RetryDelay: cfg.LLM.RetryDelay,
		}),
		Usage:   usage.NewTracker(usage.DefaultTrackerConfig(), metrics),
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	server, err := gateway.NewServer(cfg.Server, gateway.Deps{
		Auth:         authSvc,
		Orchestrator: orch,
		Store:        store,
		Enforcer:     enforcer,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	// Quota tiers are the only hot-reloadable section; everything else
	// requires a restart.
	watcher, err := config.Watch(configPath,
		func(next *config.Config) {
			enforcer.UpdateTiers(next.Quota.DefaultTier, next.Quota.Tiers)
			logger.Info(context.Background(), "quota tiers reloaded",
				"default_tier", next.Quota.DefaultTier,
				"tiers", len(next.Quota.Tiers))
		},
		func(err error) {
			logger.Warn(context.Background(), "config reload failed", "error", err)
		})
	if err != nil {
		logger.Warn(ctx, "config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received, draining")

	server.Shutdown(context.Background())
	return nil
}

// buildStore opens the configured conversation store and wraps it with the
// metrics/tracing decorator.
func buildStore(cfg *config.Config, metrics *observability.Metrics, tracer *observability.Tracer) (conversations.Store, error) {
	var (
		store conversations.Store
		err   error
	)
	switch cfg.Database.Driver {
	case "postgres":
		pgCfg := conversations.DefaultPostgresConfig()
		if cfg.Database.MaxConnections > 0 {
			pgCfg.MaxOpenConns = cfg.Database.MaxConnections
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			pgCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		store, err = conversations.NewPostgresStoreFromDSN(cfg.Database.URL, pgCfg)
	case "sqlite":
		store, err = conversations.NewSQLiteStore(cfg.Database.Path)
	case "memory":
		store = conversations.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, err
	}
	return conversations.NewInstrumented(store, metrics, tracer), nil
}

// buildRegistry registers the built-in tools enabled by configuration.
func buildRegistry(cfg *config.Config, logger *observability.Logger) (*agent.Registry, error) {
	registry := agent.NewRegistry()
	if !cfg.Agent.ToolsEnabled {
		return registry, nil
	}

	if cfg.Tools.Telegram.Enabled {
		alert, err := tools.NewAlertAdmin(tools.AlertAdminConfig{
			Token:  cfg.Tools.Telegram.BotToken,
			ChatID: cfg.Tools.Telegram.AdminChatID,
		}, logger)
		if err != nil {
			return nil, err
		}
		registry.Register(alert)
	}

	return registry, nil
}
