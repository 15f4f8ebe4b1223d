package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delaywatch/delaywatch/internal/api"
	"github.com/delaywatch/delaywatch/internal/api/models"
	"github.com/delaywatch/delaywatch/internal/auth"
	"github.com/delaywatch/delaywatch/internal/check"
	"github.com/delaywatch/delaywatch/internal/delivery"
	"github.com/delaywatch/delaywatch/internal/featureflags"
	"github.com/delaywatch/delaywatch/internal/monitor"
	"github.com/delaywatch/delaywatch/internal/provider/resilience"
	"github.com/delaywatch/delaywatch/internal/traffic"
	"github.com/delaywatch/delaywatch/internal/workflow"
)

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type stubFetcher struct {
	delays map[string]int
}

func (f *stubFetcher) Fetch(_ context.Context, q traffic.RouteQuery) (*traffic.Reading, error) {
	d, ok := f.delays[q.Origin.Address]
	if !ok {
		return nil, &traffic.ExhaustedError{Attempts: []traffic.Attempt{{Provider: "synthetic", Err: errors.New("no data")}}}
	}
	return &traffic.Reading{DelayMinutes: d, Condition: traffic.ConditionHeavy, Provider: "stub", FetchedAt: now}, nil
}

type testServer struct {
	router     http.Handler
	deliveries *delivery.InMemoryRepository
	clock      *workflow.ManualClock
	token      string
}

func testJWTService() *auth.JWTService {
	return auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Issuer:     "delaywatch",
		Audience:   "delaywatch-ops",
		Now:        time.Now,
	})
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		deliveries: delivery.NewInMemoryRepository(),
		clock:      workflow.NewManualClock(now),
	}

	checker := check.New(check.Config{
		Fetcher:    &stubFetcher{delays: map[string]int{"Rotterdam": 45, "Den Haag": 5}},
		Deliveries: ts.deliveries,
		Dispatcher: &notifyNop{},
		Logger:     zerolog.Nop(),
	})
	reconciler := workflow.NewReconciler(workflow.ReconcilerConfig{
		Repository: workflow.NewInMemoryRepository(),
		Logger:     zerolog.Nop(),
	})
	reconciler.Start()
	scheduler := workflow.NewScheduler(workflow.Config{
		Deliveries: ts.deliveries,
		Checker:    checker,
		Reconciler: reconciler,
		Clock:      ts.clock,
		Logger:     zerolog.Nop(),
	})

	registry := resilience.NewRegistry()
	registry.Track("googlemaps")
	registry.Track("synthetic")
	registry.RecordSuccess("synthetic")
	for range 3 {
		registry.RecordFailure("googlemaps", errors.New("OVER_QUERY_LIMIT"))
	}

	svc := monitor.NewService(monitor.Config{
		Deliveries: ts.deliveries,
		Checker:    checker,
		Scheduler:  scheduler,
		Reconciler: reconciler,
		Registry:   registry,
		Clock:      ts.clock,
		Sweep:      monitor.SweepConfig{Concurrency: 2},
		Logger:     zerolog.Nop(),
	})

	jwtService := testJWTService()
	token, _, err := jwtService.GenerateAccessToken("ops@example.com")
	require.NoError(t, err)
	ts.token = token

	ts.router = api.NewRouter(api.RouterConfig{
		Version:   "1.0.0-test",
		BuildTime: "2026-03-10T00:00:00Z",
		Logger:    zerolog.Nop(),
		Tokens:    jwtService,
		Monitor:   svc,
		Flags: featureflags.NewService(featureflags.ServiceConfig{
			Repository: featureflags.NewInMemoryRepository(),
			Logger:     zerolog.Nop(),
			Now:        ts.clock.Now,
		}),
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = scheduler.Shutdown(ctx)
		_ = reconciler.Close(ctx)
	})
	return ts
}

type notifyNop struct{}

func (notifyNop) Send(context.Context, string, delivery.Channel, string) error { return nil }

func (ts *testServer) saveDelivery(t *testing.T, id, origin string) {
	t.Helper()
	require.NoError(t, ts.deliveries.Save(context.Background(), &delivery.Delivery{
		ID:            id,
		CustomerEmail: id + "@example.com",
		Origin:        traffic.Location{Address: origin},
		Destination:   traffic.Location{Address: "Utrecht"},
		Status:        delivery.StatusInTransit,
		Monitoring: delivery.MonitoringSettings{
			Enabled:                      true,
			CheckIntervalMinutes:         30,
			MaxChecks:                    3,
			DelayThresholdMinutes:        30,
			MinDelayChangeMinutes:        15,
			MinHoursBetweenNotifications: 1,
			ScheduledDelivery:            now.Add(3 * time.Hour),
		},
	}))
}

func (ts *testServer) do(t *testing.T, method, path string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doBody(t, method, path, "", authed)
}

func (ts *testServer) doBody(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/ops/health", false)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	health := decode[models.Health](t, w)
	assert.Equal(t, models.HealthStatusOK, health.Status)
	assert.Equal(t, "1.0.0-test", health.Details["version"])
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	ts := newTestServer(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/ops/providers"},
		{http.MethodPost, "/v1/ops/sweep"},
		{http.MethodPost, "/v1/deliveries/del-1/monitoring"},
		{http.MethodGet, "/v1/deliveries/del-1/monitoring"},
		{http.MethodDelete, "/v1/deliveries/del-1/monitoring"},
		{http.MethodGet, "/v1/deliveries/del-1/monitoring/history"},
		{http.MethodPost, "/v1/deliveries/del-1/checks"},
		{http.MethodGet, "/v1/ops/flags"},
		{http.MethodPut, "/v1/ops/flags/pause_sweeps"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := ts.do(t, ep.method, ep.path, false)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
			problem := decode[models.Problem](t, w)
			assert.Equal(t, models.ProblemTypeUnauthorized, problem.Type)
		})
	}
}

func TestMonitoringLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.saveDelivery(t, "del-1", "Den Haag")

	w := ts.do(t, http.MethodGet, "/v1/deliveries/del-1/monitoring", true)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/deliveries/del-1/monitoring", true)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "/v1/deliveries/del-1/monitoring", w.Header().Get("Location"))
	started := decode[models.Execution](t, w)
	assert.Equal(t, "del-1", started.DeliveryID)
	assert.Equal(t, string(workflow.KindRecurringCheck), started.Kind)
	require.True(t, ts.clock.WaitForSleepers(1, 2*time.Second))

	w = ts.do(t, http.MethodGet, "/v1/deliveries/del-1/monitoring", true)
	require.Equal(t, http.StatusOK, w.Code)
	current := decode[models.Execution](t, w)
	assert.Equal(t, started.WorkflowID, current.WorkflowID)
	assert.Equal(t, string(workflow.StatusRunning), current.Status)
	assert.Equal(t, 1, current.ChecksPerformed)

	// Starting again joins the active run.
	w = ts.do(t, http.MethodPost, "/v1/deliveries/del-1/monitoring", true)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, started.WorkflowID, decode[models.Execution](t, w).WorkflowID)

	w = ts.do(t, http.MethodDelete, "/v1/deliveries/del-1/monitoring?force=true", true)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/deliveries/del-1/monitoring/history", true)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[models.ExecutionHistory](t, w)
	assert.Equal(t, "del-1", history.DeliveryID)
	require.Len(t, history.Items, 1)
	assert.Equal(t, started.WorkflowID, history.Items[0].WorkflowID)
}

func TestMonitoringErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.saveDelivery(t, "del-1", "Den Haag")

	tests := []struct {
		name        string
		method      string
		path        string
		wantStatus  int
		wantProblem string
	}{
		{"unknown delivery", http.MethodPost, "/v1/deliveries/missing/monitoring", http.StatusNotFound, models.ProblemTypeNotFound},
		{"bad force flag", http.MethodDelete, "/v1/deliveries/del-1/monitoring?force=maybe", http.StatusBadRequest, models.ProblemTypeValidation},
		{"check unknown delivery", http.MethodPost, "/v1/deliveries/missing/checks", http.StatusNotFound, models.ProblemTypeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, tt.method, tt.path, true)

			assert.Equal(t, tt.wantStatus, w.Code)
			problem := decode[models.Problem](t, w)
			assert.Equal(t, tt.wantProblem, problem.Type)
			assert.NotEmpty(t, problem.TraceID)
		})
	}
}

func TestCancelWithoutRunSucceeds(t *testing.T) {
	ts := newTestServer(t)
	ts.saveDelivery(t, "del-1", "Den Haag")

	w := ts.do(t, http.MethodDelete, "/v1/deliveries/del-1/monitoring", true)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCheckNow(t *testing.T) {
	ts := newTestServer(t)
	ts.saveDelivery(t, "del-1", "Rotterdam")
	ts.saveDelivery(t, "del-2", "Nowhere")

	w := ts.do(t, http.MethodPost, "/v1/deliveries/del-1/checks", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[models.CheckResult](t, w)
	assert.Equal(t, "del-1", res.DeliveryID)
	assert.Equal(t, "stub", res.Reading.Provider)
	assert.Equal(t, 45, res.Assessment.DelayMinutes)
	assert.True(t, res.Assessment.ExceedsThreshold)

	w = ts.do(t, http.MethodPost, "/v1/deliveries/del-2/checks", true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, models.ProblemTypeProvidersExhausted, decode[models.Problem](t, w).Type)
}

func TestProviderStatus(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/ops/providers", true)
	require.Equal(t, http.StatusOK, w.Code)

	status := decode[models.ProvidersStatus](t, w)
	require.Len(t, status.Providers, 2)
	byName := map[string]models.ProviderStatus{}
	for _, p := range status.Providers {
		byName[p.Provider] = p
	}
	assert.Equal(t, "closed", byName["synthetic"].CircuitState)
	assert.Equal(t, models.HealthStatusOK, byName["synthetic"].Status)
	assert.NotNil(t, byName["synthetic"].LastSuccessAt)
	assert.EqualValues(t, 1, byName["synthetic"].Successes)

	assert.Equal(t, models.HealthStatusDegraded, byName["googlemaps"].Status)
	assert.EqualValues(t, 3, byName["googlemaps"].ConsecutiveFailures)
	assert.Equal(t, "OVER_QUERY_LIMIT", byName["googlemaps"].LastError)
	assert.Equal(t, models.HealthStatusDegraded, status.Status)
}

func TestSweepEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.saveDelivery(t, "del-1", "Rotterdam")
	ts.saveDelivery(t, "del-2", "Den Haag")
	ts.saveDelivery(t, "del-3", "Nowhere")

	w := ts.do(t, http.MethodPost, "/v1/ops/sweep", true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	summary := decode[models.SweepSummary](t, w)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 1, summary.Notified)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "del-3", summary.Errors[0].DeliveryID)
}

func TestNotFoundRoute(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/unknown", false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFlags(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/ops/flags", true)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[models.FlagList](t, w)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "pause_notifications", list.Items[0].Key)
	assert.False(t, list.Items[0].Enabled)
	assert.Nil(t, list.Items[0].UpdatedAt)

	w = ts.doBody(t, http.MethodPut, "/v1/ops/flags/pause_notifications", `{"enabled":true}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	flag := decode[models.Flag](t, w)
	assert.True(t, flag.Enabled)
	assert.Equal(t, "ops@example.com", flag.UpdatedBy)
	require.NotNil(t, flag.UpdatedAt)
	assert.Equal(t, now, flag.UpdatedAt.Time())

	w = ts.doBody(t, http.MethodPut, "/v1/ops/flags/disable_provider_googlemaps", `{"enabled":true}`, true)
	require.Equal(t, http.StatusOK, w.Code)

	list = decode[models.FlagList](t, ts.do(t, http.MethodGet, "/v1/ops/flags", true))
	assert.Len(t, list.Items, 3)
}

func TestFlags_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown flag", "/v1/ops/flags/routing_disabled", `{"enabled":true}`, http.StatusNotFound},
		{"malformed body", "/v1/ops/flags/pause_sweeps", `{"enabled":`, http.StatusBadRequest},
		{"missing enabled", "/v1/ops/flags/pause_sweeps", `{}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.doBody(t, http.MethodPut, tt.path, tt.body, true)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
		})
	}
}
