package synthetic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delaywatch/delaywatch/internal/traffic"
	"github.com/delaywatch/delaywatch/internal/traffic/synthetic"
)

func at(hour int) func() time.Time {
	return func() time.Time { return time.Date(2026, 3, 10, hour, 30, 0, 0, time.UTC) }
}

func addressQuery() traffic.RouteQuery {
	return traffic.RouteQuery{
		Origin:      traffic.Location{Address: "Warehouse 7, Rotterdam"},
		Destination: traffic.Location{Address: "Stationsplein 1, Utrecht"},
	}
}

func TestProvider_Deterministic(t *testing.T) {
	p := synthetic.New(synthetic.WithClock(at(11)))

	first, err := p.Fetch(context.Background(), addressQuery())
	require.NoError(t, err)
	second, err := p.Fetch(context.Background(), addressQuery())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, synthetic.ProviderName, first.Provider)
	assert.Positive(t, first.NormalDurationSeconds)
	assert.GreaterOrEqual(t, first.EstimatedDurationSeconds, first.NormalDurationSeconds)
}

func TestProvider_RushHourIsSlower(t *testing.T) {
	offPeak, err := synthetic.New(synthetic.WithClock(at(11))).Fetch(context.Background(), addressQuery())
	require.NoError(t, err)
	rush, err := synthetic.New(synthetic.WithClock(at(8))).Fetch(context.Background(), addressQuery())
	require.NoError(t, err)

	assert.Equal(t, offPeak.NormalDurationSeconds, rush.NormalDurationSeconds, "baseline depends only on the route")
	assert.Greater(t, rush.EstimatedDurationSeconds, offPeak.EstimatedDurationSeconds)
	assert.NotEqual(t, traffic.ConditionLight, rush.Condition)
}

func TestProvider_DepartureTimeOverridesClock(t *testing.T) {
	departure := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	query := addressQuery()
	query.DepartureTime = &departure

	fromQuery, err := synthetic.New(synthetic.WithClock(at(3))).Fetch(context.Background(), query)
	require.NoError(t, err)
	fromClock, err := synthetic.New(synthetic.WithClock(at(17))).Fetch(context.Background(), addressQuery())
	require.NoError(t, err)

	assert.Equal(t, fromClock.EstimatedDurationSeconds, fromQuery.EstimatedDurationSeconds)
}

func TestProvider_UsesCoordinates(t *testing.T) {
	query := traffic.RouteQuery{
		Origin:      traffic.Location{Coordinate: &traffic.Coordinate{Lat: 52.3676, Lon: 4.9041}},
		Destination: traffic.Location{Coordinate: &traffic.Coordinate{Lat: 52.0907, Lon: 5.1214}},
	}

	reading, err := synthetic.New(synthetic.WithClock(at(11))).Fetch(context.Background(), query)
	require.NoError(t, err)

	// ~34 km great-circle times the road factor.
	assert.InDelta(t, 44.3, reading.Distance.Value, 1.0)
	assert.Equal(t, "km", reading.Distance.Unit)
}

func TestProvider_AlwaysAvailable(t *testing.T) {
	assert.True(t, synthetic.New().IsAvailable())
}

func TestProvider_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := synthetic.New().Fetch(ctx, addressQuery())
	assert.ErrorIs(t, err, context.Canceled)
}
