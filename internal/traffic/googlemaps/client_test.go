package googlemaps

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delaywatch/delaywatch/internal/traffic"
)

var fixedNow = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

const okResponse = `{
  "status": "OK",
  "origin_addresses": ["Amsterdam, Netherlands"],
  "destination_addresses": ["Utrecht, Netherlands"],
  "rows": [{
    "elements": [{
      "status": "OK",
      "distance": {"text": "45.6 km", "value": 45612},
      "duration": {"text": "40 mins", "value": 2400},
      "duration_in_traffic": {"text": "55 mins", "value": 3300}
    }]
  }]
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(ClientConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return fixedNow },
	})
}

func testQuery() traffic.RouteQuery {
	return traffic.RouteQuery{
		Origin:      traffic.Location{Address: "Amsterdam"},
		Destination: traffic.Location{Address: "Utrecht"},
	}
}

func TestClient_Fetch_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/maps/api/distancematrix/json", r.URL.Path)

		q := r.URL.Query()
		assert.Equal(t, "test-key", q.Get("key"))
		assert.Equal(t, "Amsterdam", q.Get("origins"))
		assert.Equal(t, "Utrecht", q.Get("destinations"))
		assert.Equal(t, "now", q.Get("departure_time"))
		assert.Equal(t, "best_guess", q.Get("traffic_model"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okResponse))
	})

	reading, err := client.Fetch(context.Background(), testQuery())
	require.NoError(t, err)

	assert.Equal(t, ProviderName, reading.Provider)
	assert.Equal(t, 3300, reading.EstimatedDurationSeconds)
	assert.Equal(t, 2400, reading.NormalDurationSeconds)
	assert.Equal(t, 15, reading.DelayMinutes)
	assert.Equal(t, traffic.ConditionHeavy, reading.Condition)
	assert.Equal(t, traffic.Distance{Value: 45.6, Unit: "km"}, reading.Distance)
	assert.Equal(t, fixedNow, reading.FetchedAt)
}

func TestClient_Fetch_UsesCoordinatesAndFutureDeparture(t *testing.T) {
	departure := fixedNow.Add(2 * time.Hour)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "52.367600,4.904100", q.Get("origins"))
		assert.Equal(t, "Utrecht", q.Get("destinations"))
		assert.Equal(t, "1773136800", q.Get("departure_time"))
		_, _ = w.Write([]byte(okResponse))
	})

	query := testQuery()
	query.Origin.Coordinate = &traffic.Coordinate{Lat: 52.3676, Lon: 4.9041}
	query.DepartureTime = &departure

	_, err := client.Fetch(context.Background(), query)
	require.NoError(t, err)
}

func TestClient_Fetch_NoTrafficDuration(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK","rows":[{"elements":[{"status":"OK","duration":{"value":1200}}]}]}`))
	})

	reading, err := client.Fetch(context.Background(), testQuery())
	require.NoError(t, err)
	assert.Equal(t, 0, reading.DelayMinutes)
	assert.Equal(t, traffic.ConditionLight, reading.Condition)
}

func TestClient_Fetch_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantCode   string
		wantTarget error
	}{
		{
			name:       "over query limit",
			status:     http.StatusOK,
			body:       `{"status":"OVER_QUERY_LIMIT","error_message":"quota exceeded","rows":[]}`,
			wantCode:   "QUOTA",
			wantTarget: traffic.ErrProviderUnavailable,
		},
		{
			name:       "request denied",
			status:     http.StatusOK,
			body:       `{"status":"REQUEST_DENIED","rows":[]}`,
			wantCode:   "DENIED",
			wantTarget: traffic.ErrProviderUnavailable,
		},
		{
			name:       "element not found",
			status:     http.StatusOK,
			body:       `{"status":"OK","rows":[{"elements":[{"status":"NOT_FOUND"}]}]}`,
			wantCode:   "NO_ROUTE",
			wantTarget: traffic.ErrProviderRequestFailed,
		},
		{
			name:       "empty rows",
			status:     http.StatusOK,
			body:       `{"status":"OK","rows":[]}`,
			wantCode:   "EMPTY",
			wantTarget: traffic.ErrProviderRequestFailed,
		},
		{
			name:       "malformed body",
			status:     http.StatusOK,
			body:       `not json`,
			wantCode:   "DECODE",
			wantTarget: traffic.ErrProviderRequestFailed,
		},
		{
			name:       "forbidden",
			status:     http.StatusForbidden,
			wantCode:   "FORBIDDEN",
			wantTarget: traffic.ErrProviderUnavailable,
		},
		{
			name:       "server error",
			status:     http.StatusServiceUnavailable,
			wantCode:   "SERVER_503",
			wantTarget: traffic.ErrProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Fetch(context.Background(), testQuery())
			require.Error(t, err)

			var trafficErr *traffic.Error
			require.True(t, errors.As(err, &trafficErr))
			assert.Equal(t, ProviderName, trafficErr.Provider)
			assert.Equal(t, tt.wantCode, trafficErr.Code)
			assert.ErrorIs(t, err, tt.wantTarget)
		})
	}
}

type failingDoer struct{}

func (failingDoer) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestClient_Fetch_NetworkError(t *testing.T) {
	client := NewClient(ClientConfig{
		APIKey:     "test-key",
		HTTPClient: failingDoer{},
		Logger:     zerolog.Nop(),
	})

	_, err := client.Fetch(context.Background(), testQuery())
	require.Error(t, err)
	assert.ErrorIs(t, err, traffic.ErrProviderRequestFailed)
}

func TestClient_Fetch_InvalidQuery(t *testing.T) {
	client := NewClient(ClientConfig{APIKey: "test-key", HTTPClient: failingDoer{}, Logger: zerolog.Nop()})

	_, err := client.Fetch(context.Background(), traffic.RouteQuery{Destination: traffic.Location{Address: "Utrecht"}})
	assert.ErrorIs(t, err, traffic.ErrInvalidQuery)
}

type openBreaker struct{ failingDoer }

func (openBreaker) CircuitOpen() bool { return true }

func TestClient_IsAvailable(t *testing.T) {
	assert.False(t, NewClient(ClientConfig{HTTPClient: failingDoer{}}).IsAvailable(), "no key")
	assert.True(t, NewClient(ClientConfig{APIKey: "k", HTTPClient: failingDoer{}}).IsAvailable())
	assert.False(t, NewClient(ClientConfig{APIKey: "k", HTTPClient: openBreaker{}}).IsAvailable(), "breaker open")
}

func TestClient_Name(t *testing.T) {
	assert.Equal(t, "googlemaps", NewClient(ClientConfig{}).Name())
}
