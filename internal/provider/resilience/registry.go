package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// DegradedAfter is the number of consecutive failures after which a provider
// without an open breaker is reported degraded.
const DegradedAfter = 3

// Breaker exposes the state of a provider's circuit breaker. *Client implements it.
type Breaker interface {
	State() gobreaker.State
	Counts() gobreaker.Counts
}

var _ Breaker = (*Client)(nil)

// ProviderHealth is a point-in-time view of one provider.
type ProviderHealth struct {
	Name string

	// CircuitState is closed for providers without a breaker (e.g. synthetic).
	CircuitState gobreaker.State

	// Successes and Failures count chain fetches since the process started.
	Successes           uint64
	Failures            uint64
	ConsecutiveFailures uint64

	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	LastError     string
}

// IsUnhealthy reports whether the provider's breaker is open.
func (h *ProviderHealth) IsUnhealthy() bool {
	return h.CircuitState == gobreaker.StateOpen
}

// IsDegraded reports whether the provider is probing after an outage or has
// failed several fetches in a row.
func (h *ProviderHealth) IsDegraded() bool {
	if h.IsUnhealthy() {
		return false
	}
	return h.CircuitState == gobreaker.StateHalfOpen || h.ConsecutiveFailures >= DegradedAfter
}

// IsHealthy reports whether the provider is neither unhealthy nor degraded.
func (h *ProviderHealth) IsHealthy() bool {
	return !h.IsUnhealthy() && !h.IsDegraded()
}

// Registry is the health ledger of the traffic providers. The chain records
// every fetch outcome; HTTP providers attach their breaker.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*entry
	now       func() time.Time
}

type entry struct {
	breaker       Breaker
	successes     uint64
	failures      uint64
	consecutive   uint64
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*entry),
		now:       time.Now,
	}
}

// Track adds a provider. Tracking a known provider keeps its history.
func (r *Registry) Track(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(name)
}

// Attach tracks a provider and reports its breaker state from now on.
func (r *Registry) Attach(name string, b Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(name).breaker = b
}

// RecordSuccess records a successful fetch. Unknown providers are ignored.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.providers[name]; ok {
		now := r.now()
		e.successes++
		e.consecutive = 0
		e.lastSuccessAt = &now
	}
}

// RecordFailure records a failed fetch. Unknown providers are ignored.
func (r *Registry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.providers[name]; ok {
		now := r.now()
		e.failures++
		e.consecutive++
		e.lastFailureAt = &now
		if err != nil {
			e.lastError = err.Error()
		}
	}
}

// Health returns the health of one provider, or nil if it is not tracked.
func (r *Registry) Health(name string) *ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.providers[name]
	if !ok {
		return nil
	}
	return e.health(name)
}

// All returns the health of every tracked provider sorted by name.
func (r *Registry) All() []*ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ProviderHealth, 0, len(r.providers))
	for name, e := range r.providers {
		out = append(out, e.health(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// entry returns the entry for name, creating it. The caller holds the write lock.
func (r *Registry) entry(name string) *entry {
	e, ok := r.providers[name]
	if !ok {
		e = &entry{}
		r.providers[name] = e
	}
	return e
}

func (e *entry) health(name string) *ProviderHealth {
	h := &ProviderHealth{
		Name:                name,
		CircuitState:        gobreaker.StateClosed,
		Successes:           e.successes,
		Failures:            e.failures,
		ConsecutiveFailures: e.consecutive,
		LastSuccessAt:       e.lastSuccessAt,
		LastFailureAt:       e.lastFailureAt,
		LastError:           e.lastError,
	}
	if e.breaker != nil {
		h.CircuitState = e.breaker.State()
	}
	return h
}
