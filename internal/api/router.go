// Package api provides the operational HTTP API of the delay-monitoring engine.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/delaywatch/delaywatch/internal/api/handler"
	"github.com/delaywatch/delaywatch/internal/api/middleware"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version   string
	BuildTime string
	Logger    zerolog.Logger

	// Metrics records HTTP instruments (optional).
	Metrics *middleware.Metrics

	// Tokens validates operator bearer tokens (required).
	Tokens middleware.TokenValidator

	// Monitor serves the monitoring operations (required).
	Monitor handler.Monitor

	// Flags serves the operator switches (optional).
	Flags handler.Flags

	// RequireTLS rejects requests forwarded over plain HTTP.
	RequireTLS bool
}

// NewRouter creates a chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Order matters: the request ID must exist before tracing and logging read it.
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))
	r.Use(middleware.ContentTypeJSON)

	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.Monitor, cfg.Logger)
	monitoringHandler := handler.NewMonitoringHandler(cfg.Monitor, cfg.Logger)

	authMiddleware := middleware.Auth(cfg.Tokens)
	standardRateLimit := middleware.RateLimitByOperator(middleware.StandardRateLimit)
	checkRateLimit := middleware.RateLimitByOperator(middleware.CheckRateLimit)
	sweepRateLimit := middleware.RateLimitByOperator(middleware.SweepRateLimit)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware)
				r.With(standardRateLimit).Get("/providers", opsHandler.ProviderStatus)
				r.With(sweepRateLimit).Post("/sweep", opsHandler.Sweep)

				if cfg.Flags != nil {
					flagsHandler := handler.NewFlagsHandler(cfg.Flags, cfg.Logger)
					r.With(standardRateLimit).Get("/flags", flagsHandler.ListFlags)
					r.With(standardRateLimit).Put("/flags/{key}", flagsHandler.SetFlag)
				}
			})
		})

		r.Route("/deliveries/{deliveryId}", func(r chi.Router) {
			r.Use(authMiddleware)

			r.Route("/monitoring", func(r chi.Router) {
				r.Use(standardRateLimit)
				r.Post("/", monitoringHandler.StartMonitoring)
				r.Get("/", monitoringHandler.GetMonitoring)
				r.Delete("/", monitoringHandler.CancelMonitoring)
				r.Get("/history", monitoringHandler.GetHistory)
			})

			// Check-now calls traffic providers synchronously.
			r.With(checkRateLimit).Post("/checks", monitoringHandler.CheckNow)
		})
	})

	return r
}
