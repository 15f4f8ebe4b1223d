package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBreaker struct {
	state gobreaker.State
}

func (b fakeBreaker) State() gobreaker.State   { return b.state }
func (b fakeBreaker) Counts() gobreaker.Counts { return gobreaker.Counts{} }

func newTestRegistry() (*Registry, *time.Time) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	r := NewRegistry()
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegistry_RecordsOutcomes(t *testing.T) {
	r, now := newTestRegistry()
	r.Track("googlemaps")

	r.RecordFailure("googlemaps", errors.New("OVER_QUERY_LIMIT"))
	r.RecordFailure("googlemaps", errors.New("OVER_QUERY_LIMIT"))
	*now = now.Add(time.Minute)
	r.RecordSuccess("googlemaps")

	h := r.Health("googlemaps")
	require.NotNil(t, h)
	assert.EqualValues(t, 1, h.Successes)
	assert.EqualValues(t, 2, h.Failures)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Equal(t, *now, *h.LastSuccessAt)
	assert.Equal(t, now.Add(-time.Minute), *h.LastFailureAt)
	assert.Equal(t, "OVER_QUERY_LIMIT", h.LastError)
	assert.True(t, h.IsHealthy())
}

func TestRegistry_UnknownProvidersAreIgnored(t *testing.T) {
	r, _ := newTestRegistry()

	r.RecordSuccess("mapbox")
	r.RecordFailure("mapbox", errors.New("boom"))

	assert.Nil(t, r.Health("mapbox"))
	assert.Empty(t, r.All())
}

func TestRegistry_TrackKeepsHistoryAndBreaker(t *testing.T) {
	r, _ := newTestRegistry()
	r.Attach("googlemaps", fakeBreaker{state: gobreaker.StateHalfOpen})
	r.RecordSuccess("googlemaps")

	r.Track("googlemaps")

	h := r.Health("googlemaps")
	assert.EqualValues(t, 1, h.Successes)
	assert.Equal(t, gobreaker.StateHalfOpen, h.CircuitState)
}

func TestRegistry_AllSortedByName(t *testing.T) {
	r, _ := newTestRegistry()
	r.Track("synthetic")
	r.Track("googlemaps")
	r.Track("mapbox")

	var names []string
	for _, h := range r.All() {
		names = append(names, h.Name)
	}
	assert.Equal(t, []string{"googlemaps", "mapbox", "synthetic"}, names)
}

func TestProviderHealth_Status(t *testing.T) {
	tests := []struct {
		name      string
		health    ProviderHealth
		healthy   bool
		degraded  bool
		unhealthy bool
	}{
		{"closed", ProviderHealth{CircuitState: gobreaker.StateClosed}, true, false, false},
		{"half open", ProviderHealth{CircuitState: gobreaker.StateHalfOpen}, false, true, false},
		{"open", ProviderHealth{CircuitState: gobreaker.StateOpen, ConsecutiveFailures: 9}, false, false, true},
		{"failing without breaker", ProviderHealth{ConsecutiveFailures: DegradedAfter}, false, true, false},
		{"one failure", ProviderHealth{ConsecutiveFailures: 1}, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.healthy, tt.health.IsHealthy())
			assert.Equal(t, tt.degraded, tt.health.IsDegraded())
			assert.Equal(t, tt.unhealthy, tt.health.IsUnhealthy())
		})
	}
}
