// Package main provides the entrypoint for the DelayWatch worker, which runs
// scheduled sweeps and queued monitoring jobs.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/delaywatch/delaywatch/internal/api/middleware"
	"github.com/delaywatch/delaywatch/internal/api/models"
	"github.com/delaywatch/delaywatch/internal/api/response"
	"github.com/delaywatch/delaywatch/internal/app"
	"github.com/delaywatch/delaywatch/internal/config"
	"github.com/delaywatch/delaywatch/internal/telemetry"
	"github.com/delaywatch/delaywatch/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "delaywatch-worker"

	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting DelayWatch worker")

	cfg := config.FromEnv()
	// The API hosts recurring runs unless the worker is told to.
	cfg.Monitor.HostRuns = os.Getenv("MONITOR_HOST_RUNS") == "true"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		Role:           "worker",
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		MetricInterval: cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	engine, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize monitoring engine")
	}
	if err := engine.Resume(ctx); err != nil {
		log.Warn().Err(err).Msg("some monitoring runs could not be resumed")
	}

	sweepJob := worker.NewSweepJob(worker.SweepJobConfig{
		Sweeper: engine.Monitor,
		Timeout: cfg.Sweep.Timeout,
		Paused:  engine.Flags.SweepsPaused,
		Logger:  log.With().Str("component", "sweep").Logger(),
	})
	sweeps, err := worker.NewSweepScheduler(worker.SweepConfig{
		Schedule: cfg.Sweep.Schedule,
		Timeout:  cfg.Sweep.Timeout,
	}, sweepJob, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create sweep scheduler")
	}
	sweeps.Start()

	var jobs *worker.PubSubHandler
	if cfg.PubSub.ProjectID != "" {
		jobs, err = worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        cfg.PubSub.ProjectID,
			SubscriptionName: cfg.PubSub.Subscription,
			Processor:        worker.NewJobProcessor(engine.Monitor, sweepJob, log.With().Str("component", "jobs").Logger()),
			Logger:           log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create pubsub handler")
		}
		go func() {
			if err := jobs.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("pubsub handler stopped")
			}
		}()
	} else {
		log.Info().Msg("PUBSUB_PROJECT_ID not set, queued jobs disabled")
	}

	// The worker exposes a health endpoint for Cloud Run.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		details := sweepJob.MetricsSnapshot()
		details["version"] = Version
		details["next_sweep_at"] = sweeps.Next().UTC().Format(time.RFC3339)
		details["queued_jobs"] = jobs != nil

		response.JSON(w, r, http.StatusOK, models.Health{
			Status:  models.HealthStatusOK,
			Time:    models.Timestamp(time.Now()),
			Details: details,
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sweeps.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("sweep did not stop in time")
	}
	if jobs != nil {
		if err := jobs.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close pubsub client")
		}
	}
	if err := engine.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("monitoring engine did not stop cleanly")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("worker stopped")
}
