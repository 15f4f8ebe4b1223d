// Package handler provides HTTP handlers for the monitoring API.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/delaywatch/delaywatch/internal/api/middleware"
	"github.com/delaywatch/delaywatch/internal/api/models"
	"github.com/delaywatch/delaywatch/internal/api/response"
	"github.com/delaywatch/delaywatch/internal/delivery"
	"github.com/delaywatch/delaywatch/internal/monitor"
	"github.com/delaywatch/delaywatch/internal/provider/resilience"
	"github.com/delaywatch/delaywatch/internal/traffic"
	"github.com/delaywatch/delaywatch/internal/workflow"
)

// Monitor is the set of monitoring operations the API exposes.
type Monitor interface {
	StartMonitoring(ctx context.Context, deliveryID string) (*workflow.ExecutionState, error)
	QueryStatus(ctx context.Context, deliveryID string) (*workflow.ExecutionState, error)
	Cancel(ctx context.Context, deliveryID string, force bool) error
	History(ctx context.Context, deliveryID string) ([]workflow.ExecutionState, error)
	CheckOnce(ctx context.Context, deliveryID string) (*monitor.CheckResult, error)
	Sweep(ctx context.Context) (*monitor.SweepResult, error)
	ProviderHealth() []*resilience.ProviderHealth
}

var _ Monitor = (*monitor.Service)(nil)

// MonitoringHandler handles the per-delivery monitoring endpoints.
type MonitoringHandler struct {
	monitor Monitor
	logger  zerolog.Logger
}

// NewMonitoringHandler creates a new MonitoringHandler.
func NewMonitoringHandler(m Monitor, logger zerolog.Logger) *MonitoringHandler {
	return &MonitoringHandler{monitor: m, logger: logger}
}

// StartMonitoring handles POST /v1/deliveries/{deliveryId}/monitoring.
// Starting an already monitored delivery returns the active run.
func (h *MonitoringHandler) StartMonitoring(w http.ResponseWriter, r *http.Request) {
	deliveryID := chi.URLParam(r, "deliveryId")

	st, err := h.monitor.StartMonitoring(r.Context(), deliveryID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info().
		Str("delivery_id", deliveryID).
		Str("workflow_id", st.WorkflowID).
		Str("operator", middleware.GetOperator(r.Context())).
		Msg("monitoring requested")

	response.Accepted(w, r, monitoringPath(deliveryID), toExecution(st))
}

// GetMonitoring handles GET /v1/deliveries/{deliveryId}/monitoring.
func (h *MonitoringHandler) GetMonitoring(w http.ResponseWriter, r *http.Request) {
	st, err := h.monitor.QueryStatus(r.Context(), chi.URLParam(r, "deliveryId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, toExecution(st))
}

// GetHistory handles GET /v1/deliveries/{deliveryId}/monitoring/history.
func (h *MonitoringHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	deliveryID := chi.URLParam(r, "deliveryId")

	states, err := h.monitor.History(r.Context(), deliveryID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]models.Execution, 0, len(states))
	for i := range states {
		items = append(items, toExecution(&states[i]))
	}
	response.JSON(w, r, http.StatusOK, models.ExecutionHistory{DeliveryID: deliveryID, Items: items})
}

// CancelMonitoring handles DELETE /v1/deliveries/{deliveryId}/monitoring?force=bool.
// Cancelling a delivery without an active run succeeds.
func (h *MonitoringHandler) CancelMonitoring(w http.ResponseWriter, r *http.Request) {
	deliveryID := chi.URLParam(r, "deliveryId")

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			response.BadRequest(w, r, "invalid query parameter", []models.FieldError{
				{Field: "force", Message: "must be true or false", Code: "INVALID_BOOLEAN"},
			})
			return
		}
		force = v
	}

	if err := h.monitor.Cancel(r.Context(), deliveryID, force); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info().
		Str("delivery_id", deliveryID).
		Bool("force", force).
		Str("operator", middleware.GetOperator(r.Context())).
		Msg("monitoring cancel requested")

	response.NoContent(w, r)
}

// CheckNow handles POST /v1/deliveries/{deliveryId}/checks. The check is not counted
// and sends no notification.
func (h *MonitoringHandler) CheckNow(w http.ResponseWriter, r *http.Request) {
	res, err := h.monitor.CheckOnce(r.Context(), chi.URLParam(r, "deliveryId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, toCheckResult(res))
}

func monitoringPath(deliveryID string) string {
	return fmt.Sprintf("/v1/deliveries/%s/monitoring", deliveryID)
}

// writeError maps service errors onto problem responses.
func (h *MonitoringHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, h.logger, err)
}

func writeServiceError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	var validation *delivery.ValidationError
	switch {
	case errors.As(err, &validation):
		fields := make([]models.FieldError, 0, len(validation.Fields))
		for _, f := range validation.Fields {
			fields = append(fields, models.FieldError{Field: f.Field, Message: f.Message})
		}
		response.BadRequest(w, r, "invalid monitoring settings", fields)
	case errors.Is(err, traffic.ErrInvalidQuery):
		response.BadRequest(w, r, err.Error(), nil)
	case errors.Is(err, delivery.ErrDeliveryNotFound):
		response.NotFound(w, r, "delivery not found")
	case errors.Is(err, workflow.ErrNotFound):
		response.NotFound(w, r, "no monitoring run for delivery")
	case errors.Is(err, workflow.ErrReplayMismatch):
		response.ReplayMismatch(w, r, err.Error())
	case errors.Is(err, traffic.ErrAllProvidersExhausted):
		response.ProvidersExhausted(w, r, err.Error())
	case errors.Is(err, workflow.ErrSchedulerClosed):
		response.ServiceUnavailable(w, r, "monitoring is not available on this instance")
	case errors.Is(err, context.DeadlineExceeded):
		response.ServiceUnavailable(w, r, "request timed out")
	default:
		logger.Error().
			Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("monitoring request failed")
		response.InternalError(w, r, "an unexpected error occurred")
	}
}

func toExecution(st *workflow.ExecutionState) models.Execution {
	return models.Execution{
		WorkflowID:      st.WorkflowID,
		RunID:           st.RunID,
		DeliveryID:      st.DeliveryID,
		Kind:            string(st.Kind),
		Status:          string(st.Status),
		StartedAt:       models.Timestamp(st.StartedAt),
		CompletedAt:     models.TimestampPtr(st.CompletedAt),
		ChecksPerformed: st.ChecksPerformed,
		IntervalMinutes: st.IntervalMinutes,
		NextCheckAt:     models.TimestampPtr(st.NextCheckAt),
		StopReason:      st.StopReason,
		LastError:       st.LastError,
		UpdatedAt:       models.Timestamp(st.UpdatedAt),
	}
}

func toCheckResult(res *monitor.CheckResult) models.CheckResult {
	out := models.CheckResult{
		ID:         res.ID,
		DeliveryID: res.DeliveryID,
		CheckedAt:  models.Timestamp(res.CheckedAt),
	}
	if rd := res.Reading; rd != nil {
		out.Reading = models.TrafficReading{
			Provider:                 rd.Provider,
			DelayMinutes:             rd.DelayMinutes,
			Condition:                string(rd.Condition),
			EstimatedDurationSeconds: rd.EstimatedDurationSeconds,
			NormalDurationSeconds:    rd.NormalDurationSeconds,
			DistanceValue:            rd.Distance.Value,
			DistanceUnit:             rd.Distance.Unit,
			FetchedAt:                models.Timestamp(rd.FetchedAt),
		}
	}
	if a := res.Assessment; a != nil {
		out.Assessment = models.DelayAssessment{
			DelayMinutes:      a.DelayMinutes,
			ThresholdMinutes:  a.ThresholdMinutes,
			ExceedsThreshold:  a.ExceedsThreshold,
			Severity:          string(a.Severity),
			DelayPercentage:   a.DelayPercentage,
			RecommendedAction: a.RecommendedAction,
		}
	}
	return out
}
