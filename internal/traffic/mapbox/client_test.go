package mapbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/delaywatch/delaywatch/internal/traffic"
)

func coordQuery() traffic.RouteQuery {
	return traffic.RouteQuery{
		Origin:      traffic.Location{Address: "Amsterdam", Coordinate: &traffic.Coordinate{Lat: 52.3676, Lon: 4.9041}},
		Destination: traffic.Location{Address: "Utrecht", Coordinate: &traffic.Coordinate{Lat: 52.0907, Lon: 5.1214}},
	}
}

func TestClient_Fetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expectedPath := "/directions/v5/mapbox/driving-traffic/4.904100,52.367600;5.121400,52.090700"
		if r.URL.Path != expectedPath {
			t.Errorf("expected path %s, got %s", expectedPath, r.URL.Path)
		}
		if r.URL.Query().Get("access_token") != "pk.test" {
			t.Errorf("expected access_token 'pk.test', got '%s'", r.URL.Query().Get("access_token"))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":"Ok","routes":[{"distance":45249.7,"duration":2950.4,"duration_typical":2700.0}]}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{
		AccessToken: "pk.test",
		BaseURL:     server.URL,
		HTTPClient:  server.Client(),
		Logger:      zerolog.Nop(),
	})

	reading, err := client.Fetch(context.Background(), coordQuery())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reading.Provider != ProviderName {
		t.Errorf("expected provider %s, got %s", ProviderName, reading.Provider)
	}
	if reading.EstimatedDurationSeconds != 2950 {
		t.Errorf("expected estimated 2950, got %d", reading.EstimatedDurationSeconds)
	}
	if reading.NormalDurationSeconds != 2700 {
		t.Errorf("expected normal 2700, got %d", reading.NormalDurationSeconds)
	}
	if reading.DelayMinutes != 4 {
		t.Errorf("expected delay 4, got %d", reading.DelayMinutes)
	}
	if reading.Distance.Value != 45.2 || reading.Distance.Unit != "km" {
		t.Errorf("expected 45.2 km, got %v %s", reading.Distance.Value, reading.Distance.Unit)
	}
}

func TestClient_Fetch_RequiresCoordinates(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewClient(ClientConfig{AccessToken: "pk.test", BaseURL: server.URL, HTTPClient: server.Client(), Logger: zerolog.Nop()})

	query := coordQuery()
	query.Destination.Coordinate = nil

	_, err := client.Fetch(context.Background(), query)
	if !errors.Is(err, traffic.ErrProviderRequestFailed) {
		t.Fatalf("expected ErrProviderRequestFailed, got %v", err)
	}
	if called {
		t.Error("provider must not be called without coordinates")
	}
}

func TestClient_Fetch_InvalidCoordinates(t *testing.T) {
	client := NewClient(ClientConfig{AccessToken: "pk.test", Logger: zerolog.Nop()})

	query := coordQuery()
	query.Origin.Coordinate = &traffic.Coordinate{Lat: 91, Lon: 4.9}

	_, err := client.Fetch(context.Background(), query)
	var trafficErr *traffic.Error
	if !errors.As(err, &trafficErr) {
		t.Fatalf("expected traffic.Error, got %T", err)
	}
	if trafficErr.Code != "INVALID_COORDINATES" {
		t.Errorf("expected INVALID_COORDINATES, got %s", trafficErr.Code)
	}
}

func TestClient_Fetch_ErrorResponses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantErr  error
	}{
		{"no route", http.StatusOK, `{"code":"NoRoute","routes":[]}`, "NO_ROUTE", traffic.ErrProviderRequestFailed},
		{"no segment", http.StatusUnprocessableEntity, `{"code":"NoSegment","message":"No road segment"}`, "NO_ROUTE", traffic.ErrProviderRequestFailed},
		{"invalid input", http.StatusUnprocessableEntity, `{"code":"InvalidInput","message":"bad coordinates"}`, "BAD_REQUEST", traffic.ErrProviderRequestFailed},
		{"unauthorized", http.StatusUnauthorized, `{"message":"Not Authorized - Invalid Token"}`, "FORBIDDEN", traffic.ErrProviderUnavailable},
		{"rate limited", http.StatusTooManyRequests, `{"message":"Too Many Requests"}`, "RATE_LIMIT", traffic.ErrProviderUnavailable},
		{"server error", http.StatusBadGateway, ``, "SERVER_502", traffic.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(ClientConfig{AccessToken: "pk.test", BaseURL: server.URL, HTTPClient: server.Client(), Logger: zerolog.Nop()})

			_, err := client.Fetch(context.Background(), coordQuery())
			var trafficErr *traffic.Error
			if !errors.As(err, &trafficErr) {
				t.Fatalf("expected traffic.Error, got %T (%v)", err, err)
			}
			if trafficErr.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, trafficErr.Code)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, trafficErr.Err)
			}
		})
	}
}

func TestClient_IsAvailable(t *testing.T) {
	if NewClient(ClientConfig{}).IsAvailable() {
		t.Error("expected unavailable without access token")
	}
	if !NewClient(ClientConfig{AccessToken: "pk.test"}).IsAvailable() {
		t.Error("expected available with access token and closed breaker")
	}
}
