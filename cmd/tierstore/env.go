package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dverbeek/tierstore/internal/config"
	"github.com/dverbeek/tierstore/internal/observability"
	"github.com/dverbeek/tierstore/internal/store"

	// Register storage backends.
	_ "github.com/dverbeek/tierstore/internal/store/fs"
	_ "github.com/dverbeek/tierstore/internal/store/memory"
)

// env is the shared client-command environment: loaded config plus a
// constructed registry and router over the configured backends.
type env struct {
	cfg      config.Config
	registry *store.Registry
	router   *store.Router
	metrics  *observability.Metrics
}

func openEnv(ctx context.Context, cmd *cobra.Command, v *viper.Viper) (*env, error) {
	configFile, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Client commands log warnings and up; output stays parseable.
	observability.SetupLogger("warn", "text", os.Stderr)

	registry := store.NewRegistry()
	if err := registry.Load(ctx, cfg.Storage); err != nil {
		return nil, fmt.Errorf("load storage descriptor: %w", err)
	}

	metrics := observability.NewMetrics()
	router := store.NewRouter(registry, metrics)

	return &env{
		cfg:      cfg,
		registry: registry,
		router:   router,
		metrics:  metrics,
	}, nil
}

func (e *env) close(ctx context.Context) {
	if err := e.registry.Close(ctx); err != nil {
		slog.Warn("registry close", "error", err)
	}
}
