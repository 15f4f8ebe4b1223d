// Package traffic provides real-time traffic readings through a prioritized chain of providers.
package traffic

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

// Sentinel errors for traffic operations.
var (
	// ErrProviderUnavailable indicates the provider is not configured, out of quota, or its circuit breaker is open.
	ErrProviderUnavailable = errors.New("traffic provider unavailable")
	// ErrProviderRequestFailed indicates a single provider call failed (network, no route, bad request).
	ErrProviderRequestFailed = errors.New("traffic provider request failed")
	// ErrAllProvidersExhausted indicates every registered provider failed for one check.
	ErrAllProvidersExhausted = errors.New("all traffic providers exhausted")
	// ErrInvalidQuery indicates the route query is missing an origin or destination.
	ErrInvalidQuery = errors.New("invalid route query")
)

// Provider is a single source of traffic data.
type Provider interface {
	// Name returns the provider identifier for logging and metrics.
	Name() string
	// IsAvailable reports whether the provider can be called at all.
	// It must not perform network I/O.
	IsAvailable() bool
	// Fetch retrieves the current traffic reading for a route.
	Fetch(ctx context.Context, query RouteQuery) (*Reading, error)
}

// Condition is a coarse traffic classification.
type Condition string

const (
	ConditionLight    Condition = "light"
	ConditionModerate Condition = "moderate"
	ConditionHeavy    Condition = "heavy"
	ConditionSevere   Condition = "severe"
)

// Coordinate represents a geographic point.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Location is a route endpoint. Coordinate is optional and used when pre-resolved.
type Location struct {
	Address    string
	Coordinate *Coordinate
}

// IsZero reports whether the location carries neither an address nor coordinates.
func (l Location) IsZero() bool {
	return strings.TrimSpace(l.Address) == "" && l.Coordinate == nil
}

// String returns the address, or "lat,lon" when only coordinates are known.
func (l Location) String() string {
	if a := strings.TrimSpace(l.Address); a != "" {
		return a
	}
	if l.Coordinate != nil {
		return formatCoordinate(*l.Coordinate)
	}
	return ""
}

// RouteQuery describes the route to check. It is built once per check.
type RouteQuery struct {
	Origin        Location
	Destination   Location
	DepartureTime *time.Time
}

// Validate checks that both endpoints are present.
func (q RouteQuery) Validate() error {
	if q.Origin.IsZero() {
		return &Error{Code: "INVALID_ORIGIN", Message: "route query has no origin", Err: ErrInvalidQuery}
	}
	if q.Destination.IsZero() {
		return &Error{Code: "INVALID_DESTINATION", Message: "route query has no destination", Err: ErrInvalidQuery}
	}
	return nil
}

// Distance is a route length with its unit.
type Distance struct {
	Value float64
	Unit  string
}

// Reading is the result of one successful provider call. Never mutated after creation.
type Reading struct {
	DelayMinutes             int
	Condition                Condition
	EstimatedDurationSeconds int
	NormalDurationSeconds    int // 0 when the provider has no baseline
	Distance                 Distance
	Provider                 string
	FetchedAt                time.Time
}

// NewReading builds a reading from estimated and normal durations, deriving the delay and condition.
func NewReading(provider string, estimatedSeconds, normalSeconds int, distance Distance, fetchedAt time.Time) *Reading {
	return &Reading{
		DelayMinutes:             DelayMinutes(estimatedSeconds, normalSeconds),
		Condition:                ClassifyCondition(estimatedSeconds, normalSeconds),
		EstimatedDurationSeconds: estimatedSeconds,
		NormalDurationSeconds:    normalSeconds,
		Distance:                 distance,
		Provider:                 provider,
		FetchedAt:                fetchedAt,
	}
}

// DelayMinutes returns the rounded, non-negative difference between estimated and normal durations.
func DelayMinutes(estimatedSeconds, normalSeconds int) int {
	if normalSeconds <= 0 || estimatedSeconds <= normalSeconds {
		return 0
	}
	return int(math.Round(float64(estimatedSeconds-normalSeconds) / 60))
}

// ClassifyCondition maps the ratio of estimated to normal duration to a Condition.
func ClassifyCondition(estimatedSeconds, normalSeconds int) Condition {
	if normalSeconds <= 0 {
		return ConditionLight
	}
	ratio := float64(estimatedSeconds) / float64(normalSeconds)
	switch {
	case ratio < 1.10:
		return ConditionLight
	case ratio < 1.30:
		return ConditionModerate
	case ratio < 1.60:
		return ConditionHeavy
	default:
		return ConditionSevere
	}
}

// Error provides detailed error information from a traffic provider.
type Error struct {
	Provider string // Provider that generated the error
	Code     string // Error code from the provider
	Message  string // Human-readable error message
	Err      error  // Underlying error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is transient and the request can be retried later.
func (e *Error) IsRetryable() bool {
	return errors.Is(e.Err, ErrProviderUnavailable)
}
