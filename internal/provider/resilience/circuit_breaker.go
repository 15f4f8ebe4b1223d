// Package resilience guards calls to external traffic providers with a circuit
// breaker and bounded retries, and keeps a health ledger per provider.
package resilience

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the circuit breaker in front of one provider.
type BreakerConfig struct {
	// TripAfter opens the breaker after this many consecutive failures. Default: 5
	TripAfter uint32

	// TripRatio opens the breaker when at least this share of MinRequests or more
	// requests failed within the current window. Default: 0.5
	TripRatio float64

	// MinRequests is the sample size TripRatio needs. Default: 10
	MinRequests uint32

	// Window clears the counts periodically while closed. Default: 0 (never)
	Window time.Duration

	// OpenTimeout is how long the breaker rejects calls before letting probes
	// through. Default: 60 seconds
	OpenTimeout time.Duration

	// HalfOpenProbes is the number of probe requests allowed while half-open. Default: 1
	HalfOpenProbes uint32
}

// DefaultBreakerConfig returns the breaker settings used for traffic providers.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		TripAfter:      5,
		TripRatio:      0.5,
		MinRequests:    10,
		OpenTimeout:    60 * time.Second,
		HalfOpenProbes: 1,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.TripAfter == 0 {
		c.TripAfter = d.TripAfter
	}
	if c.TripRatio <= 0 {
		c.TripRatio = d.TripRatio
	}
	if c.MinRequests == 0 {
		c.MinRequests = d.MinRequests
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenProbes == 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	return c
}

// ShouldTrip reports whether counts warrant opening the breaker.
func (c BreakerConfig) ShouldTrip(counts gobreaker.Counts) bool {
	if counts.ConsecutiveFailures >= c.TripAfter {
		return true
	}
	if counts.Requests < c.MinRequests {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= c.TripRatio
}

func newBreaker(name string, cfg BreakerConfig, logger zerolog.Logger) *gobreaker.CircuitBreaker[*http.Response] {
	cfg = cfg.withDefaults()
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    cfg.Window,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: cfg.ShouldTrip,
		OnStateChange: func(name string, from, to gobreaker.State) {
			ev := logger.Info()
			if to == gobreaker.StateOpen {
				ev = logger.Warn()
			}
			ev.Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("provider circuit breaker changed state")
		},
	})
}
