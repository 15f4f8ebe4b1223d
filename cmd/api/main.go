// Package main provides the entrypoint for the DelayWatch API server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/delaywatch/delaywatch/internal/api"
	"github.com/delaywatch/delaywatch/internal/api/middleware"
	"github.com/delaywatch/delaywatch/internal/app"
	"github.com/delaywatch/delaywatch/internal/auth"
	"github.com/delaywatch/delaywatch/internal/config"
	"github.com/delaywatch/delaywatch/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "delaywatch-api"

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting DelayWatch API")

	cfg := config.FromEnv()
	ctx := context.Background()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		Role:           "api",
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		MetricInterval: cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if cfg.Telemetry.Enabled {
		log.Info().
			Str("otlp_endpoint", cfg.Telemetry.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	metrics, err := middleware.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	signingKey := cfg.Auth.SigningKey
	if signingKey == "" {
		if cfg.IsProduction() {
			log.Fatal().Msg("JWT_SIGNING_KEY is required in production")
		}
		signingKey = "local-dev-signing-key-change-in-production"
		log.Warn().Msg("using default JWT signing key - not secure for production")
	}
	jwtService := auth.NewJWTService(auth.JWTConfig{
		SigningKey: signingKey,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	})

	engine, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize monitoring engine")
	}

	// Runs that cannot be reproduced are marked failed; the rest keep going.
	if err := engine.Resume(ctx); err != nil {
		log.Warn().Err(err).Msg("some monitoring runs could not be resumed")
	}

	router := api.NewRouter(api.RouterConfig{
		Version:    Version,
		BuildTime:  BuildTime,
		Logger:     log,
		Metrics:    metrics,
		Tokens:     jwtService,
		Monitor:    engine.Monitor,
		Flags:      engine.Flags,
		RequireTLS: cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Hosted runs are interrupted, not cancelled; the next process resumes them.
	if err := engine.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("monitoring engine did not stop cleanly")
	}

	log.Info().Msg("server stopped")
}
