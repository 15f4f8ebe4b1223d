// Package response writes JSON and problem responses for the monitoring API.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/delaywatch/delaywatch/internal/api/middleware"
	"github.com/delaywatch/delaywatch/internal/api/models"
)

// JSON writes data with the given status code and the request's X-Request-Id.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, r, status, "", data)
}

// Accepted writes a 202 response pointing at the resource that tracks the work.
func Accepted(w http.ResponseWriter, r *http.Request, location string, data any) {
	writeJSON(w, r, http.StatusAccepted, location, data)
}

// NoContent writes a 204 response.
func NoContent(w http.ResponseWriter, r *http.Request) {
	setRequestID(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, location string, data any) {
	setRequestID(w, r)
	w.Header().Set("Content-Type", "application/json")
	if location != "" {
		w.Header().Set("Location", location)
	}
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func setRequestID(w http.ResponseWriter, r *http.Request) {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		w.Header().Set("X-Request-Id", id)
	}
}

// Error writes problem with the request path as its instance.
func Error(w http.ResponseWriter, r *http.Request, problem *models.Problem) {
	problem.Instance = r.URL.Path
	problem.Write(w)
}

type problemFunc func(traceID, detail string) *models.Problem

func writeProblem(w http.ResponseWriter, r *http.Request, newProblem problemFunc, detail string) {
	Error(w, r, newProblem(middleware.GetRequestID(r.Context()), detail))
}

// BadRequest writes a 400 problem with optional field errors.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string, errors []models.FieldError) {
	Error(w, r, models.NewBadRequest(middleware.GetRequestID(r.Context()), detail, errors))
}

// Unauthorized writes a 401 problem.
func Unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, models.NewUnauthorized, detail)
}

// NotFound writes a 404 problem.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, models.NewNotFound, detail)
}

// Conflict writes a 409 problem.
func Conflict(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, models.NewConflict, detail)
}

// ReplayMismatch writes a 409 replay-mismatch problem.
func ReplayMismatch(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, models.NewReplayMismatch, detail)
}

// InternalError writes a 500 problem.
func InternalError(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, models.NewInternalError, detail)
}

// ServiceUnavailable writes a 503 problem.
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, models.NewServiceUnavailable, detail)
}

// ProvidersExhausted writes a 503 problem for a check no provider could serve.
func ProvidersExhausted(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, models.NewProvidersExhausted, detail)
}
