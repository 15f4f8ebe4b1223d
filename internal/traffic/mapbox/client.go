// Package mapbox provides a traffic provider backed by the Mapbox Directions API (driving-traffic profile).
package mapbox

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
	ProviderName = "mapbox"

	// DefaultBaseURL is the Mapbox API base URL.
	DefaultBaseURL = "https://api.mapbox.com"

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 10 * time.Second

	// Priority is the chain priority this provider is registered with.
	Priority = 2

	profile = "mapbox/driving-traffic"
)

// HTTPDoer is an interface for executing HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type breaker interface {
	CircuitOpen() bool
}

// ClientConfig holds configuration for the Mapbox client.
type ClientConfig struct {
	// AccessToken is the Mapbox access token. The provider is unavailable without it.
	AccessToken string

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
}

// Client is a Mapbox Directions client implementing traffic.Provider.
type Client struct {
	accessToken string
	baseURL     string
	httpClient  HTTPDoer
	logger      zerolog.Logger
}

var _ traffic.Provider = (*Client)(nil)

// NewClient creates a new Mapbox client.
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

	return &Client{
		accessToken: cfg.AccessToken,
		baseURL:     baseURL,
		httpClient:  httpClient,
		logger:      cfg.Logger,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// IsAvailable reports whether an access token is configured and the circuit breaker is not open.
func (c *Client) IsAvailable() bool {
	if c.accessToken == "" {
		return false
	}
	if b, ok := c.httpClient.(breaker); ok && b.CircuitOpen() {
		return false
	}
	return true
}

// Fetch retrieves the live and typical driving duration for the route.
// Mapbox does not geocode here, so both endpoints must carry coordinates.
func (c *Client) Fetch(ctx context.Context, query traffic.RouteQuery) (*traffic.Reading, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if query.Origin.Coordinate == nil || query.Destination.Coordinate == nil {
		return nil, &traffic.Error{
			Provider: ProviderName,
			Code:     "COORDINATES_REQUIRED",
			Message:  "route endpoints have no coordinates",
			Err:      traffic.ErrProviderRequestFailed,
		}
	}
	for _, coord := range []traffic.Coordinate{*query.Origin.Coordinate, *query.Destination.Coordinate} {
		if err := traffic.ValidateCoordinate(coord); err != nil {
			return nil, &traffic.Error{
				Provider: ProviderName,
				Code:     "INVALID_COORDINATES",
				Message:  err.Error(),
				Err:      traffic.ErrProviderRequestFailed,
			}
		}
	}

	params := url.Values{}
	params.Set("access_token", c.accessToken)
	params.Set("overview", "false")
	params.Set("alternatives", "false")

	// Mapbox uses lon,lat order.
	coords := lonLat(*query.Origin.Coordinate) + ";" + lonLat(*query.Destination.Coordinate)
	reqURL := fmt.Sprintf("%s/directions/v5/%s/%s?%s", c.baseURL, profile, coords, params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Float64("origin_lat", query.Origin.Coordinate.Lat).
		Float64("origin_lon", query.Origin.Coordinate.Lon).
		Float64("dest_lat", query.Destination.Coordinate.Lat).
		Float64("dest_lon", query.Destination.Coordinate.Lon).
		Msg("requesting directions from mapbox")

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
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}

	var directions directionsResponse
	if err := json.Unmarshal(body, &directions); err != nil {
		return nil, &traffic.Error{
			Provider: ProviderName,
			Code:     "DECODE",
			Message:  "malformed directions response",
			Err:      fmt.Errorf("%w: %w", traffic.ErrProviderRequestFailed, err),
		}
	}
	if directions.Code != codeOK || len(directions.Routes) == 0 {
		return nil, &traffic.Error{
			Provider: ProviderName,
			Code:     "NO_ROUTE",
			Message:  "no route found between the given points",
			Err:      traffic.ErrProviderRequestFailed,
		}
	}

	r := directions.Routes[0]
	estimated := int(math.Round(r.Duration))
	normal := estimated
	if r.DurationTypical != nil {
		normal = int(math.Round(*r.DurationTypical))
	}
	distance := traffic.Distance{Value: math.Round(r.Distance/100) / 10, Unit: "km"}

	return traffic.NewReading(ProviderName, estimated, normal, distance, time.Now()), nil
}

// handleErrorResponse maps Mapbox error responses to provider errors.
func (c *Client) handleErrorResponse(statusCode int, body []byte) error {
	var mbErr errorResponse
	_ = json.Unmarshal(body, &mbErr)

	message := mbErr.Message
	if message == "" {
		message = fmt.Sprintf("traffic provider returned status %d", statusCode)
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &traffic.Error{Provider: ProviderName, Code: "FORBIDDEN", Message: "API access denied - check access token", Err: traffic.ErrProviderUnavailable}
	case statusCode == http.StatusTooManyRequests:
		return &traffic.Error{Provider: ProviderName, Code: "RATE_LIMIT", Message: "API rate limit exceeded", Err: traffic.ErrProviderUnavailable}
	case mbErr.Code == codeNoRoute || mbErr.Code == codeNoSegment:
		return &traffic.Error{Provider: ProviderName, Code: "NO_ROUTE", Message: message, Err: traffic.ErrProviderRequestFailed}
	case mbErr.Code == codeInvalidInput || statusCode == http.StatusUnprocessableEntity:
		return &traffic.Error{Provider: ProviderName, Code: "BAD_REQUEST", Message: message, Err: traffic.ErrProviderRequestFailed}
	case statusCode >= 500:
		return &traffic.Error{Provider: ProviderName, Code: fmt.Sprintf("SERVER_%d", statusCode), Message: "traffic provider is temporarily unavailable", Err: traffic.ErrProviderUnavailable}
	default:
		return &traffic.Error{Provider: ProviderName, Code: fmt.Sprintf("HTTP_%d", statusCode), Message: message, Err: traffic.ErrProviderRequestFailed}
	}
}

func lonLat(c traffic.Coordinate) string {
	return strconv.FormatFloat(c.Lon, 'f', 6, 64) + "," + strconv.FormatFloat(c.Lat, 'f', 6, 64)
}
