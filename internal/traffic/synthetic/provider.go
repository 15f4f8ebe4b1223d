// Package synthetic provides a deterministic, always-available traffic provider.
// It is the last entry in the provider chain so that a check always yields a reading.
package synthetic

import (
	"context"
	"hash/fnv"
	"math"
	"time"

	"github.com/delaywatch/delaywatch/internal/traffic"
)

const (
	// ProviderName identifies this traffic provider.
	ProviderName = "synthetic"

	// Priority is the chain priority this provider is registered with.
	Priority = 100

	roadFactor        = 1.3  // road distance over great-circle distance
	averageSpeedKmh   = 50.0 // free-flow speed used for the baseline
	minDistanceKm     = 2.0
	hashedDistanceMin = 5.0
	hashedDistanceMax = 80.0
)

// Provider generates readings as a pure function of origin, destination and departure hour.
type Provider struct {
	now func() time.Time
}

var _ traffic.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithClock sets the clock used when the query has no departure time.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// New creates a synthetic provider.
func New(opts ...Option) *Provider {
	p := &Provider{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return ProviderName
}

// IsAvailable always returns true.
func (p *Provider) IsAvailable() bool {
	return true
}

// Fetch returns a deterministic reading for the route.
func (p *Provider) Fetch(ctx context.Context, query traffic.RouteQuery) (*traffic.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, &traffic.Error{Provider: ProviderName, Code: "CANCELLED", Message: "check cancelled", Err: err}
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}

	now := p.now()
	departure := now
	if query.DepartureTime != nil {
		departure = *query.DepartureTime
	}
	hour := departure.Hour()

	distanceKm := routeDistanceKm(query.Origin, query.Destination)
	normal := int(math.Round(distanceKm / averageSpeedKmh * 3600))
	estimated := int(math.Round(float64(normal) * congestionFactor(query, hour)))

	distance := traffic.Distance{Value: math.Round(distanceKm*10) / 10, Unit: "km"}
	return traffic.NewReading(ProviderName, estimated, normal, distance, now), nil
}

// routeDistanceKm estimates the road distance, using coordinates when both are known.
func routeDistanceKm(origin, destination traffic.Location) float64 {
	if origin.Coordinate != nil && destination.Coordinate != nil {
		km := traffic.HaversineMeters(*origin.Coordinate, *destination.Coordinate) / 1000 * roadFactor
		return math.Max(km, minDistanceKm)
	}
	h := hash(origin.String(), destination.String())
	return hashedDistanceMin + float64(h%1000)/1000*(hashedDistanceMax-hashedDistanceMin)
}

// congestionFactor is 1.25 to 1.65 in rush hours (07-09, 16-18) and 1.00 to 1.15 otherwise.
func congestionFactor(query traffic.RouteQuery, hour int) float64 {
	jitter := float64(hash(query.Origin.String(), query.Destination.String(), string(rune('a'+hour)))%1000) / 1000
	if isRushHour(hour) {
		return 1.25 + jitter*0.40
	}
	return 1.0 + jitter*0.15
}

func isRushHour(hour int) bool {
	return (hour >= 7 && hour < 9) || (hour >= 16 && hour < 18)
}

func hash(parts ...string) uint64 {
	h := fnv.New64a()
	for _, part := range parts {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
