package traffic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/delaywatch/delaywatch/internal/provider/resilience"
)

const meterName = "github.com/delaywatch/delaywatch/internal/traffic"

// Attempt records the outcome of trying one provider during a chain fetch.
type Attempt struct {
	Provider string
	Skipped  bool // provider reported itself unavailable and was not called
	Err      error
}

// ExhaustedError is returned when no provider produced a reading.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrAllProvidersExhausted.Error() + ": no providers registered"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return ErrAllProvidersExhausted.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersExhausted
}

// ChainConfig holds configuration for the provider chain.
type ChainConfig struct {
	// Logger for chain operations.
	Logger zerolog.Logger

	// Registry receives per-provider success and failure records (optional).
	Registry *resilience.Registry

	// Meter is used for attempt counters. Defaults to the global meter.
	Meter metric.Meter

	// Disabled, if set, reports providers switched off by an operator.
	// They are skipped without being called.
	Disabled func(ctx context.Context, provider string) bool
}

type registration struct {
	provider Provider
	priority int
	seq      int
}

// Chain tries providers in ascending priority until one succeeds.
type Chain struct {
	logger   zerolog.Logger
	registry *resilience.Registry
	attempts metric.Int64Counter
	disabled func(ctx context.Context, provider string) bool

	mu            sync.RWMutex
	registrations []registration
	seq           int
}

// NewChain creates an empty provider chain.
func NewChain(cfg ChainConfig) *Chain {
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	attempts, err := meter.Int64Counter(
		"traffic.provider.attempts",
		metric.WithDescription("Provider attempts made by the traffic chain"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		cfg.Logger.Warn().Err(err).Msg("failed to create provider attempt counter")
	}

	return &Chain{
		logger:   cfg.Logger,
		registry: cfg.Registry,
		attempts: attempts,
		disabled: cfg.Disabled,
	}
}

// Register adds a provider with the given priority. Lower priorities are tried first;
// equal priorities keep registration order.
func (c *Chain) Register(p Provider, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registrations = append(c.registrations, registration{provider: p, priority: priority, seq: c.seq})
	c.seq++
	sort.SliceStable(c.registrations, func(i, j int) bool {
		if c.registrations[i].priority != c.registrations[j].priority {
			return c.registrations[i].priority < c.registrations[j].priority
		}
		return c.registrations[i].seq < c.registrations[j].seq
	})

	if c.registry != nil {
		c.registry.Track(p.Name())
	}
}

// Providers returns the registered provider names in the order they are tried.
func (c *Chain) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.registrations))
	for _, r := range c.registrations {
		names = append(names, r.provider.Name())
	}
	return names
}

// Fetch returns the first successful reading. Provider failures are non-fatal;
// only total exhaustion is returned, as an *ExhaustedError.
func (c *Chain) Fetch(ctx context.Context, query RouteQuery) (*Reading, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	regs := make([]registration, len(c.registrations))
	copy(regs, c.registrations)
	c.mu.RUnlock()

	var attempts []Attempt
	for _, r := range regs {
		name := r.provider.Name()

		if c.disabled != nil && c.disabled(ctx, name) {
			attempts = append(attempts, Attempt{
				Provider: name,
				Skipped:  true,
				Err:      &Error{Provider: name, Code: "DISABLED", Message: "provider disabled by operator", Err: ErrProviderUnavailable},
			})
			c.record(ctx, name, "disabled")
			continue
		}
		if !r.provider.IsAvailable() {
			attempts = append(attempts, Attempt{
				Provider: name,
				Skipped:  true,
				Err:      &Error{Provider: name, Code: "UNAVAILABLE", Message: "provider not available", Err: ErrProviderUnavailable},
			})
			c.record(ctx, name, "skipped")
			continue
		}

		start := time.Now()
		reading, err := r.provider.Fetch(ctx, query)
		if err == nil && reading == nil {
			err = &Error{Provider: name, Code: "EMPTY", Message: "provider returned no reading", Err: ErrProviderRequestFailed}
		}
		if err != nil {
			attempts = append(attempts, Attempt{Provider: name, Err: err})
			c.record(ctx, name, "failure")
			if c.registry != nil {
				c.registry.RecordFailure(name, err)
			}
			c.logger.Warn().Err(err).
				Str("provider", name).
				Dur("duration", time.Since(start)).
				Msg("traffic provider failed, falling back")

			// A cancelled check should not keep calling fallbacks.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, errors.Join(&ExhaustedError{Attempts: attempts}, ctxErr)
			}
			continue
		}

		c.record(ctx, name, "success")
		if c.registry != nil {
			c.registry.RecordSuccess(name)
		}
		c.logger.Debug().
			Str("provider", name).
			Int("delay_minutes", reading.DelayMinutes).
			Str("condition", string(reading.Condition)).
			Int("fallbacks", len(attempts)).
			Dur("duration", time.Since(start)).
			Msg("traffic reading fetched")
		return reading, nil
	}

	return nil, &ExhaustedError{Attempts: attempts}
}

func (c *Chain) record(ctx context.Context, provider, result string) {
	if c.attempts == nil {
		return
	}
	c.attempts.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("provider.name", provider),
		attribute.String("result", result),
	))
}
