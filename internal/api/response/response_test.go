package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delaywatch/delaywatch/internal/api/middleware"
	"github.com/delaywatch/delaywatch/internal/api/models"
	"github.com/delaywatch/delaywatch/internal/api/response"
)

// serve runs fn behind the RequestID middleware and returns the recorded response.
func serve(t *testing.T, path string, fn http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req.Header.Set("X-Request-Id", "req_test123")
	rec := httptest.NewRecorder()
	middleware.RequestID(fn).ServeHTTP(rec, req)
	return rec
}

func TestJSON(t *testing.T) {
	rec := serve(t, "/v1/ops/health", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "OK"})
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req_test123", rec.Header().Get("X-Request-Id"))
	assert.JSONEq(t, `{"status":"OK"}`, rec.Body.String())
}

func TestJSON_NilData(t *testing.T) {
	rec := serve(t, "/", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, nil)
	})
	assert.Empty(t, rec.Body.String())
}

func TestAccepted(t *testing.T) {
	rec := serve(t, "/v1/deliveries/del-1/monitoring", func(w http.ResponseWriter, r *http.Request) {
		response.Accepted(w, r, "/v1/deliveries/del-1/monitoring", map[string]string{"status": "running"})
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/v1/deliveries/del-1/monitoring", rec.Header().Get("Location"))
	assert.Equal(t, "req_test123", rec.Header().Get("X-Request-Id"))
}

func TestNoContent(t *testing.T) {
	rec := serve(t, "/", func(w http.ResponseWriter, r *http.Request) {
		response.NoContent(w, r)
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "req_test123", rec.Header().Get("X-Request-Id"))
	assert.Empty(t, rec.Body.String())
}

func TestProblems(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter, *http.Request)
		status int
		typ    string
	}{
		{"bad request", func(w http.ResponseWriter, r *http.Request) {
			response.BadRequest(w, r, "detail", []models.FieldError{{Field: "force", Message: "must be a boolean"}})
		}, http.StatusBadRequest, models.ProblemTypeValidation},
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) { response.Unauthorized(w, r, "detail") }, http.StatusUnauthorized, models.ProblemTypeUnauthorized},
		{"not found", func(w http.ResponseWriter, r *http.Request) { response.NotFound(w, r, "detail") }, http.StatusNotFound, models.ProblemTypeNotFound},
		{"conflict", func(w http.ResponseWriter, r *http.Request) { response.Conflict(w, r, "detail") }, http.StatusConflict, models.ProblemTypeConflict},
		{"replay mismatch", func(w http.ResponseWriter, r *http.Request) { response.ReplayMismatch(w, r, "detail") }, http.StatusConflict, models.ProblemTypeReplayMismatch},
		{"internal", func(w http.ResponseWriter, r *http.Request) { response.InternalError(w, r, "detail") }, http.StatusInternalServerError, models.ProblemTypeInternal},
		{"unavailable", func(w http.ResponseWriter, r *http.Request) { response.ServiceUnavailable(w, r, "detail") }, http.StatusServiceUnavailable, models.ProblemTypeUnavailable},
		{"providers exhausted", func(w http.ResponseWriter, r *http.Request) { response.ProvidersExhausted(w, r, "detail") }, http.StatusServiceUnavailable, models.ProblemTypeProvidersExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, "/v1/deliveries/del-1/checks", tt.write)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

			var problem models.Problem
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
			assert.Equal(t, tt.typ, problem.Type)
			assert.Equal(t, tt.status, problem.Status)
			assert.Equal(t, "detail", problem.Detail)
			assert.Equal(t, "/v1/deliveries/del-1/checks", problem.Instance)
			assert.Equal(t, "req_test123", problem.TraceID)
		})
	}
}
