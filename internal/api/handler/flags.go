package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/delaywatch/delaywatch/internal/api/middleware"
	"github.com/delaywatch/delaywatch/internal/api/models"
	"github.com/delaywatch/delaywatch/internal/api/response"
	"github.com/delaywatch/delaywatch/internal/featureflags"
)

// Flags reads and flips operator switches.
type Flags interface {
	All(ctx context.Context) []featureflags.Flag
	Set(ctx context.Context, key string, enabled bool, operator string) (*featureflags.Flag, error)
}

var _ Flags = (*featureflags.Service)(nil)

// FlagsHandler handles the operator switch endpoints.
type FlagsHandler struct {
	flags  Flags
	logger zerolog.Logger
}

// NewFlagsHandler creates a new FlagsHandler.
func NewFlagsHandler(flags Flags, logger zerolog.Logger) *FlagsHandler {
	return &FlagsHandler{flags: flags, logger: logger}
}

// ListFlags handles GET /v1/ops/flags.
func (h *FlagsHandler) ListFlags(w http.ResponseWriter, r *http.Request) {
	flags := h.flags.All(r.Context())

	items := make([]models.Flag, 0, len(flags))
	for _, f := range flags {
		items = append(items, toFlag(f))
	}
	response.JSON(w, r, http.StatusOK, models.FlagList{Items: items})
}

// SetFlag handles PUT /v1/ops/flags/{key}.
func (h *FlagsHandler) SetFlag(w http.ResponseWriter, r *http.Request) {
	var input models.FlagUpdate
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}
	if input.Enabled == nil {
		response.BadRequest(w, r, "invalid flag update", []models.FieldError{
			{Field: "enabled", Message: "is required", Code: "REQUIRED"},
		})
		return
	}

	key := chi.URLParam(r, "key")
	flag, err := h.flags.Set(r.Context(), key, *input.Enabled, middleware.GetOperator(r.Context()))
	if err != nil {
		if errors.Is(err, featureflags.ErrUnknownFlag) {
			response.NotFound(w, r, "unknown flag "+key)
			return
		}
		h.logger.Error().Err(err).Str("flag", key).Msg("failed to update flag")
		response.InternalError(w, r, "failed to update flag")
		return
	}
	response.JSON(w, r, http.StatusOK, toFlag(*flag))
}

func toFlag(f featureflags.Flag) models.Flag {
	out := models.Flag{Key: f.Key, Enabled: f.Enabled, UpdatedBy: f.UpdatedBy}
	if !f.UpdatedAt.IsZero() {
		ts := models.Timestamp(f.UpdatedAt)
		out.UpdatedAt = &ts
	}
	return out
}
