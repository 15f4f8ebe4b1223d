// Package googlemaps provides a traffic provider backed by the Google Maps Distance Matrix API.
package googlemaps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/delaywatch/delaywatch/internal/provider/resilience"
	"github.com/delaywatch/delaywatch/internal/traffic"
)

const (
	// ProviderName identifies this traffic provider.
	ProviderName = "googlemaps"

	// DefaultBaseURL is the Google Maps API base URL.
	DefaultBaseURL = "https://maps.googleapis.com"

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 10 * time.Second

	// Priority is the chain priority this provider is registered with.
	Priority = 1
)

// HTTPDoer is an interface for executing HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// breaker is implemented by resilience.Client.
type breaker interface {
	CircuitOpen() bool
}

// ClientConfig holds configuration for the Google Maps client.
type ClientConfig struct {
	// APIKey is the Google Maps API key. The provider is unavailable without it.
	APIKey string

	// BaseURL is the API base URL (optional).
	BaseURL string

	// HTTPClient is the HTTP client to use (optional).
	// If nil, uses a resilient client with defaults.
	HTTPClient HTTPDoer

	// Timeout is the request timeout (optional, defaults to 10s).
	Timeout time.Duration

	// Registry is the provider registry for health tracking (optional).
	Registry *resilience.Registry

	// Logger for client operations.
	Logger zerolog.Logger

	// Now overrides the clock used for FetchedAt (tests).
	Now func() time.Time
}

// Client is a Google Maps Distance Matrix client implementing traffic.Provider.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient HTTPDoer
	logger     zerolog.Logger
	now        func() time.Time
}

var _ traffic.Provider = (*Client)(nil)

// NewClient creates a new Google Maps client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		clientCfg := resilience.DefaultClientConfig(ProviderName)
		clientCfg.Timeout = timeout
		clientCfg.Registry = cfg.Registry
		clientCfg.Logger = cfg.Logger
		httpClient = resilience.NewClient(clientCfg)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     cfg.Logger,
		now:        now,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// IsAvailable reports whether an API key is configured and the circuit breaker is not open.
func (c *Client) IsAvailable() bool {
	if c.apiKey == "" {
		return false
	}
	if b, ok := c.httpClient.(breaker); ok && b.CircuitOpen() {
		return false
	}
	return true
}

// Fetch retrieves the traffic-aware duration for the route.
func (c *Client) Fetch(ctx context.Context, query traffic.RouteQuery) (*traffic.Reading, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("origins", endpoint(query.Origin))
	params.Set("destinations", endpoint(query.Destination))
	params.Set("mode", "driving")
	params.Set("traffic_model", "best_guess")
	params.Set("departure_time", departureTime(query.DepartureTime, c.now()))
	params.Set("key", c.apiKey)

	reqURL := c.baseURL + "/maps/api/distancematrix/json?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("origin", query.Origin.String()).
		Str("destination", query.Destination.String()).
		Msg("requesting distance matrix")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &traffic.Error{
			Provider: ProviderName,
			Code:     "REQUEST_FAILED",
			Message:  "failed to reach traffic provider",
			Err:      fmt.Errorf("%w: %w", traffic.ErrProviderRequestFailed, err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp.StatusCode)
	}

	var matrix matrixResponse
	if err := json.Unmarshal(body, &matrix); err != nil {
		return nil, &traffic.Error{
			Provider: ProviderName,
			Code:     "DECODE",
			Message:  "malformed distance matrix response",
			Err:      fmt.Errorf("%w: %w", traffic.ErrProviderRequestFailed, err),
		}
	}

	if matrix.Status != statusOK {
		return nil, statusError(matrix.Status, matrix.ErrorMessage)
	}
	if len(matrix.Rows) == 0 || len(matrix.Rows[0].Elements) == 0 {
		return nil, &traffic.Error{
			Provider: ProviderName,
			Code:     "EMPTY",
			Message:  "distance matrix returned no elements",
			Err:      traffic.ErrProviderRequestFailed,
		}
	}

	return c.toReading(matrix.Rows[0].Elements[0])
}

func (c *Client) toReading(el matrixElement) (*traffic.Reading, error) {
	if el.Status != statusOK {
		return nil, &traffic.Error{
			Provider: ProviderName,
			Code:     "NO_ROUTE",
			Message:  "no route found: " + el.Status,
			Err:      traffic.ErrProviderRequestFailed,
		}
	}
	if el.Duration == nil {
		return nil, &traffic.Error{
			Provider: ProviderName,
			Code:     "NO_DURATION",
			Message:  "element has no duration",
			Err:      traffic.ErrProviderRequestFailed,
		}
	}

	normal := el.Duration.Value
	estimated := normal
	if el.DurationInTraffic != nil {
		estimated = el.DurationInTraffic.Value
	}

	var distance traffic.Distance
	if el.Distance != nil {
		distance = traffic.Distance{Value: math.Round(float64(el.Distance.Value)/100) / 10, Unit: "km"}
	}

	reading := traffic.NewReading(ProviderName, estimated, normal, distance, c.now())

	c.logger.Debug().
		Int("estimated_seconds", estimated).
		Int("normal_seconds", normal).
		Int("delay_minutes", reading.DelayMinutes).
		Msg("received distance matrix")

	return reading, nil
}

// httpError maps non-200 HTTP responses to provider errors.
func httpError(statusCode int) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &traffic.Error{Provider: ProviderName, Code: "RATE_LIMIT", Message: "API rate limit exceeded", Err: traffic.ErrProviderUnavailable}
	case statusCode == http.StatusForbidden || statusCode == http.StatusUnauthorized:
		return &traffic.Error{Provider: ProviderName, Code: "FORBIDDEN", Message: "API access denied - check API key configuration", Err: traffic.ErrProviderUnavailable}
	case statusCode >= 500:
		return &traffic.Error{Provider: ProviderName, Code: fmt.Sprintf("SERVER_%d", statusCode), Message: "traffic provider is temporarily unavailable", Err: traffic.ErrProviderUnavailable}
	default:
		return &traffic.Error{Provider: ProviderName, Code: fmt.Sprintf("HTTP_%d", statusCode), Message: fmt.Sprintf("traffic provider returned status %d", statusCode), Err: traffic.ErrProviderRequestFailed}
	}
}

// statusError maps a top-level Distance Matrix status to a provider error.
func statusError(status, message string) error {
	if message == "" {
		message = "distance matrix status " + status
	}
	switch status {
	case statusOverQueryLimit, statusOverDailyLimit:
		return &traffic.Error{Provider: ProviderName, Code: "QUOTA", Message: message, Err: traffic.ErrProviderUnavailable}
	case statusRequestDenied:
		return &traffic.Error{Provider: ProviderName, Code: "DENIED", Message: message, Err: traffic.ErrProviderUnavailable}
	case statusUnknownError:
		return &traffic.Error{Provider: ProviderName, Code: "UNKNOWN", Message: message, Err: traffic.ErrProviderUnavailable}
	case statusInvalidRequest, statusMaxElements, statusNotFound, statusZeroResults:
		return &traffic.Error{Provider: ProviderName, Code: "BAD_REQUEST", Message: message, Err: traffic.ErrProviderRequestFailed}
	default:
		return &traffic.Error{Provider: ProviderName, Code: status, Message: message, Err: traffic.ErrProviderRequestFailed}
	}
}

// endpoint prefers pre-resolved coordinates over the free-form address.
func endpoint(l traffic.Location) string {
	if l.Coordinate != nil {
		return strconv.FormatFloat(l.Coordinate.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(l.Coordinate.Lon, 'f', 6, 64)
	}
	return l.Address
}

// departureTime returns "now" unless a future departure is requested; the API rejects past times.
func departureTime(t *time.Time, now time.Time) string {
	if t == nil || !t.After(now) {
		return "now"
	}
	return strconv.FormatInt(t.Unix(), 10)
}
