package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dverbeek/tierstore/internal/config"
	"github.com/dverbeek/tierstore/internal/hsm"
	"github.com/dverbeek/tierstore/internal/hsm/dispatch"
	"github.com/dverbeek/tierstore/internal/hsm/migrate"
	"github.com/dverbeek/tierstore/internal/observability"
	"github.com/dverbeek/tierstore/internal/order"
	"github.com/dverbeek/tierstore/internal/order/physical"
	"github.com/dverbeek/tierstore/internal/store"

	// Register storage backends.
	_ "github.com/dverbeek/tierstore/internal/store/fs"
	_ "github.com/dverbeek/tierstore/internal/store/memory"

	// Register HSM connectors.
	_ "github.com/dverbeek/tierstore/internal/hsm/command"
	_ "github.com/dverbeek/tierstore/internal/hsm/localfile"
	_ "github.com/dverbeek/tierstore/internal/hsm/objectstore"
	_ "github.com/dverbeek/tierstore/internal/hsm/remote"

	// Register order queue backends.
	_ "github.com/dverbeek/tierstore/internal/order/physical/badger"
	_ "github.com/dverbeek/tierstore/internal/order/physical/memory"
	_ "github.com/dverbeek/tierstore/internal/order/physical/redis"
	_ "github.com/dverbeek/tierstore/internal/order/physical/sqlite"
)

const availabilityRefreshInterval = 30 * time.Second

func newStartCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the tierstore engine",
		Long: `Start the tierstore engine.

Loads the storage descriptor, constructs every configured backend and
HSM connector, opens the durable order queue, and runs the retry
scheduler and metrics endpoint until interrupted.

Examples:
  tierstore start
  tierstore start --config /etc/tierstore/tierstore.yaml
  tierstore start --log-level debug --workers 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			obs, err := observability.New(ctx, observability.ObsConfig{
				LogLevel:       cfg.Observability.LogLevel,
				LogFormat:      cfg.Observability.LogFormat,
				OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
				OTLPProtocol:   cfg.Observability.OTLPProtocol,
				ServiceName:    cfg.Observability.ServiceName,
				ServiceVersion: cfg.Observability.ServiceVersion,
			}, os.Stderr)
			if err != nil {
				return fmt.Errorf("init observability: %w", err)
			}
			logger := obs.Logger

			// Storage tier.
			registry := store.NewRegistry()
			if err := registry.Load(ctx, cfg.Storage); err != nil {
				return fmt.Errorf("load storage descriptor: %w", err)
			}
			obs.Shutdown.Register("storage-registry", registry.Close)
			router := store.NewRouter(registry, obs.Metrics)
			logger.Info("storage tier loaded",
				"domains", len(cfg.Storage.Domains),
				"backends", len(registry.Instances()))

			// Order queue and scheduler.
			queueCfg := cfg.Order.Config
			if queueCfg == nil {
				queueCfg = make(map[string]string)
			}
			if cfg.Order.Backend == "badger" && queueCfg["path"] == "" {
				queueCfg["path"] = filepath.Join(cfg.DataDir, "orders")
			}
			if cfg.Order.Backend == "sqlite" && queueCfg["path"] == "" {
				queueCfg["path"] = filepath.Join(cfg.DataDir, "orders.db")
			}
			queue, err := physical.New(ctx, cfg.Order.Backend, queueCfg)
			if err != nil {
				return fmt.Errorf("open order queue: %w", err)
			}
			obs.Shutdown.Register("order-queue", func(context.Context) error {
				return queue.Close()
			})

			table, err := order.ParseRetryTable(cfg.Order.RetryTable)
			if err != nil {
				return fmt.Errorf("parse retry table: %w", err)
			}
			scheduler := order.NewScheduler(queue, table,
				order.WithWorkers(cfg.Order.Workers),
				order.WithPollInterval(cfg.Order.PollInterval),
				order.WithLease(cfg.Order.Lease),
				order.WithMetrics(obs.Metrics))

			// HSM connectors and dispatch routing.
			connector, err := buildHSM(ctx, cfg.HSM)
			if err != nil {
				return fmt.Errorf("build hsm connectors: %w", err)
			}
			if connector != nil {
				obs.Shutdown.Register("hsm", func(context.Context) error {
					return connector.Close()
				})
				// Registers the verify executor so queued verification
				// orders resume after a restart.
				migrate.NewDriver(connector, scheduler)
				logger.Info("hsm dispatch ready")
			}

			scheduler.Start(ctx)
			obs.Shutdown.Register("scheduler", func(context.Context) error {
				scheduler.Stop()
				return nil
			})

			obs.ServeMetrics(ctx, cfg.Observability.MetricsAddr)

			go refreshAvailability(ctx, router)
			go logEvents(ctx, router, logger)

			logger.Info("tierstore started",
				"data_dir", cfg.DataDir,
				"order_backend", cfg.Order.Backend,
				"workers", cfg.Order.Workers)

			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return obs.Close(shutdownCtx)
		},
	}

	config.BindStartFlags(cmd, v)
	return cmd
}

// buildHSM constructs the configured connectors and wraps them in a
// dispatch connector routing filesystem ids per the dispatch table.
// Returns nil when no connectors are configured.
func buildHSM(ctx context.Context, cfg config.HSMConfig) (hsm.Connector, error) {
	if len(cfg.Connectors) == 0 {
		return nil, nil
	}

	byName := make(map[string]hsm.Connector, len(cfg.Connectors))
	for _, cc := range cfg.Connectors {
		if _, dup := byName[cc.Name]; dup {
			return nil, fmt.Errorf("duplicate connector name %q", cc.Name)
		}
		c, err := hsm.New(ctx, cc.Type, cc.Config)
		if err != nil {
			return nil, fmt.Errorf("connector %q: %w", cc.Name, err)
		}
		byName[cc.Name] = c
	}

	routes := make(map[string]hsm.Connector, len(cfg.Dispatch))
	for fsID, name := range cfg.Dispatch {
		c, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("dispatch entry %q references unknown connector %q", fsID, name)
		}
		routes[fsID] = c
	}

	if len(routes) == 0 {
		// Single connector, no dispatch table: use it directly.
		if len(byName) == 1 {
			for _, c := range byName {
				return c, nil
			}
		}
		return nil, fmt.Errorf("multiple connectors configured but dispatch table is empty")
	}
	return dispatch.New(routes), nil
}

func refreshAvailability(ctx context.Context, router *store.Router) {
	ticker := time.NewTicker(availabilityRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			router.RefreshAvailability(ctx)
		}
	}
}

func logEvents(ctx context.Context, router *store.Router, logger *slog.Logger) {
	events, cancel := router.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			logger.Debug("store event",
				"kind", ev.Kind.String(),
				"backend", ev.Backend,
				"uid", ev.UID,
				"availability", ev.Availability.String())
		}
	}
}
