// Package app assembles the monitoring engine from configuration. The API and
// worker binaries share it so both host the same components.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/delaywatch/delaywatch/internal/check"
	"github.com/delaywatch/delaywatch/internal/config"
	"github.com/delaywatch/delaywatch/internal/database"
	"github.com/delaywatch/delaywatch/internal/delivery"
	"github.com/delaywatch/delaywatch/internal/featureflags"
	"github.com/delaywatch/delaywatch/internal/monitor"
	"github.com/delaywatch/delaywatch/internal/notify"
	"github.com/delaywatch/delaywatch/internal/provider/resilience"
	"github.com/delaywatch/delaywatch/internal/traffic"
	"github.com/delaywatch/delaywatch/internal/traffic/googlemaps"
	"github.com/delaywatch/delaywatch/internal/traffic/mapbox"
	"github.com/delaywatch/delaywatch/internal/traffic/synthetic"
	"github.com/delaywatch/delaywatch/internal/workflow"
)

// Provider priorities in the traffic chain. Lower is tried first.
const (
	PriorityGoogleMaps = 10
	PriorityMapbox     = 20
	PrioritySynthetic  = 100
)

// App holds the assembled engine.
type App struct {
	Deliveries delivery.Repository
	Executions workflow.Repository
	Flags      *featureflags.Service
	Registry   *resilience.Registry
	Traffic    *traffic.Chain
	Reconciler *workflow.Reconciler
	Scheduler  *workflow.Scheduler
	Monitor    *monitor.Service

	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Options overrides parts of the assembly (tests).
type Options struct {
	// Clock replaces the real clock in the scheduler and service.
	Clock workflow.Clock

	// Dispatcher replaces the configured notification dispatcher.
	Dispatcher notify.Dispatcher
}

// New connects storage and builds every component. It does not resume runs;
// call Resume once the process is ready to host them.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	a := &App{logger: logger}

	if err := a.openStorage(ctx, cfg); err != nil {
		return nil, err
	}

	a.Registry = resilience.NewRegistry()
	a.Traffic = newTrafficChain(cfg.Providers, a.Registry, a.Flags, logger)

	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = newDispatcher(cfg.Notify, a.Deliveries, logger)
	}

	checker := check.New(check.Config{
		Fetcher:             a.Traffic,
		Deliveries:          a.Deliveries,
		Dispatcher:          dispatcher,
		NotificationsPaused: a.Flags.NotificationsPaused,
		Logger:              logger.With().Str("component", "checker").Logger(),
	})

	a.Reconciler = workflow.NewReconciler(workflow.ReconcilerConfig{
		Repository: a.Executions,
		Logger:     logger.With().Str("component", "reconciler").Logger(),
	})
	a.Reconciler.Start()

	if cfg.Monitor.HostRuns {
		a.Scheduler = workflow.NewScheduler(workflow.Config{
			Deliveries:       a.Deliveries,
			Checker:          checker,
			Reconciler:       a.Reconciler,
			Clock:            opts.Clock,
			DeliveryGrace:    cfg.Monitor.DeliveryGrace,
			ExecutionTimeout: cfg.Monitor.ExecutionTimeout,
			Logger:           logger.With().Str("component", "scheduler").Logger(),
		})
	}

	a.Monitor = monitor.NewService(monitor.Config{
		Deliveries: a.Deliveries,
		Checker:    checker,
		Scheduler:  a.Scheduler,
		Reconciler: a.Reconciler,
		Registry:   a.Registry,
		Clock:      opts.Clock,
		Sweep: monitor.SweepConfig{
			Concurrency:   cfg.Sweep.Concurrency,
			DeliveryGrace: cfg.Monitor.DeliveryGrace,
		},
		Logger: logger.With().Str("component", "monitor").Logger(),
	})

	return a, nil
}

func (a *App) openStorage(ctx context.Context, cfg config.Config) error {
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		a.logger.Warn().Msg("using in-memory storage, state is lost on restart")
		a.Deliveries = delivery.NewInMemoryRepository()
		a.Executions = workflow.NewInMemoryRepository()
		a.Flags = newFlags(featureflags.NewInMemoryRepository(), a.logger)
		return nil
	case config.StoragePostgres, "":
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.Storage.AutoMigrate {
		if err := database.NewMigrator(cfg.Database, a.logger).Up(ctx); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
	}

	pool, err := database.Connect(ctx, cfg.Database, a.logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	a.logger.Info().
		Str("host", cfg.Database.Host).
		Int("port", cfg.Database.Port).
		Str("database", cfg.Database.Database).
		Msg("database connected")

	a.pool = pool
	a.Deliveries = delivery.NewPostgresRepository(pool)
	a.Executions = workflow.NewPostgresRepository(pool)
	a.Flags = newFlags(featureflags.NewPostgresRepository(pool), a.logger)
	return nil
}

func newFlags(repo featureflags.Repository, logger zerolog.Logger) *featureflags.Service {
	return featureflags.NewService(featureflags.ServiceConfig{
		Repository: repo,
		Logger:     logger.With().Str("component", "featureflags").Logger(),
	})
}

func newTrafficChain(cfg config.ProvidersConfig, registry *resilience.Registry, flags *featureflags.Service, logger zerolog.Logger) *traffic.Chain {
	chain := traffic.NewChain(traffic.ChainConfig{
		Logger:   logger.With().Str("component", "traffic").Logger(),
		Registry: registry,
		Disabled: flags.ProviderDisabled,
	})

	if cfg.GoogleMapsAPIKey != "" {
		chain.Register(googlemaps.NewClient(googlemaps.ClientConfig{
			APIKey:   cfg.GoogleMapsAPIKey,
			Timeout:  cfg.RequestTimeout,
			Registry: registry,
			Logger:   logger.With().Str("provider", "googlemaps").Logger(),
		}), PriorityGoogleMaps)
	}
	if cfg.MapboxAccessToken != "" {
		chain.Register(mapbox.NewClient(mapbox.ClientConfig{
			AccessToken: cfg.MapboxAccessToken,
			Timeout:     cfg.RequestTimeout,
			Registry:    registry,
			Logger:      logger.With().Str("provider", "mapbox").Logger(),
		}), PriorityMapbox)
	}
	chain.Register(synthetic.New(), PrioritySynthetic)

	logger.Info().Strs("providers", chain.Providers()).Msg("traffic providers registered")
	return chain
}

func newDispatcher(cfg config.NotifyConfig, deliveries delivery.Repository, logger zerolog.Logger) notify.Dispatcher {
	dl := logger.With().Str("component", "notify").Logger()
	if !cfg.Enabled() {
		dl.Warn().Msg("no notification channels configured, notifications are logged only")
		return notify.LogDispatcher{Logger: dl}
	}
	return notify.NewShoutrrrDispatcher(notify.ShoutrrrConfig{
		Deliveries:    deliveries,
		EmailURL:      cfg.EmailURL,
		SMSURL:        cfg.SMSURL,
		RatePerSecond: cfg.RatePerSecond,
		Logger:        dl,
	})
}

// Resume re-hosts runs left active by a previous process. It is a no-op on an
// instance that does not host runs.
func (a *App) Resume(ctx context.Context) error {
	if a.Scheduler == nil {
		return nil
	}
	n, err := a.Scheduler.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resuming monitoring runs: %w", err)
	}
	a.logger.Info().Int("runs", n).Msg("monitoring runs resumed")
	return nil
}

// Close stops hosted runs, flushes pending execution records, and closes storage.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Scheduler != nil {
		if err := a.Scheduler.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping scheduler: %w", err))
		}
	}
	if err := a.Reconciler.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing execution records: %w", err))
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}
