package handler

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/delaywatch/delaywatch/internal/api/middleware"
	"github.com/delaywatch/delaywatch/internal/api/models"
	"github.com/delaywatch/delaywatch/internal/api/response"
	"github.com/delaywatch/delaywatch/internal/provider/resilience"
)

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	monitor   Monitor
	logger    zerolog.Logger
	now       func() time.Time
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(version, buildTime string, m Monitor, logger zerolog.Logger) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		monitor:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(h.now()),
		Details: map[string]any{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	})
}

// ProviderStatus handles GET /v1/ops/providers. The overall status is FAIL only when
// every provider is unhealthy, since the chain falls through to the next one.
func (h *OpsHandler) ProviderStatus(w http.ResponseWriter, r *http.Request) {
	health := h.monitor.ProviderHealth()

	providers := make([]models.ProviderStatus, 0, len(health))
	healthy, failing := 0, 0
	for _, ph := range health {
		ps := toProviderStatus(ph)
		switch ps.Status {
		case models.HealthStatusOK:
			healthy++
		case models.HealthStatusFail:
			failing++
		}
		providers = append(providers, ps)
	}

	overall := models.HealthStatusOK
	switch {
	case len(providers) > 0 && failing == len(providers):
		overall = models.HealthStatusFail
	case healthy < len(providers):
		overall = models.HealthStatusDegraded
	}

	response.JSON(w, r, http.StatusOK, models.ProvidersStatus{
		Status:    overall,
		Time:      models.Timestamp(h.now()),
		Providers: providers,
	})
}

// Sweep handles POST /v1/ops/sweep - checks every monitored delivery once.
func (h *OpsHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	h.logger.Info().
		Str("operator", middleware.GetOperator(r.Context())).
		Msg("manual sweep requested")

	res, err := h.monitor.Sweep(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	summary := models.SweepSummary{
		StartedAt:  models.Timestamp(res.StartTime),
		DurationMs: res.Duration.Milliseconds(),
		Total:      res.Total,
		Checked:    res.Checked,
		Notified:   res.Notified,
		Throttled:  res.Throttled,
		Skipped:    res.Skipped,
		Failed:     res.Failed,
	}
	for _, e := range res.Errors {
		summary.Errors = append(summary.Errors, models.SweepDeliveryError{DeliveryID: e.DeliveryID, Error: e.Error})
	}
	response.JSON(w, r, http.StatusOK, summary)
}

func toProviderStatus(ph *resilience.ProviderHealth) models.ProviderStatus {
	status := models.HealthStatusOK
	switch {
	case ph.IsUnhealthy():
		status = models.HealthStatusFail
	case ph.IsDegraded():
		status = models.HealthStatusDegraded
	}

	return models.ProviderStatus{
		Provider:            ph.Name,
		Status:              status,
		CircuitState:        circuitState(ph.CircuitState),
		Successes:           ph.Successes,
		Failures:            ph.Failures,
		ConsecutiveFailures: ph.ConsecutiveFailures,
		LastSuccessAt:       models.TimestampPtr(ph.LastSuccessAt),
		LastFailureAt:       models.TimestampPtr(ph.LastFailureAt),
		LastError:           ph.LastError,
	}
}

func circuitState(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
