package delivery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delaywatch/delaywatch/internal/delivery"
)

func validSettings() delivery.MonitoringSettings {
	return delivery.MonitoringSettings{
		Enabled:                      true,
		CheckIntervalMinutes:         30,
		MaxChecks:                    5,
		DelayThresholdMinutes:        15,
		MinDelayChangeMinutes:        10,
		MinHoursBetweenNotifications: 1.5,
		ScheduledDelivery:            time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
	}
}

func TestMonitoringSettings_Validate(t *testing.T) {
	require.NoError(t, validSettings().Validate())

	unlimited := validSettings()
	unlimited.MaxChecks = delivery.UnlimitedChecks
	require.NoError(t, unlimited.Validate())

	bad := delivery.MonitoringSettings{
		CheckIntervalMinutes:         0,
		MaxChecks:                    0,
		DelayThresholdMinutes:        -1,
		MinDelayChangeMinutes:        -5,
		MinHoursBetweenNotifications: -0.5,
	}
	err := bad.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, delivery.ErrInvalidSettings)

	var verr *delivery.ValidationError
	require.ErrorAs(t, err, &verr)

	fields := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		fields = append(fields, f.Field)
	}
	assert.ElementsMatch(t, []string{
		"check_interval_minutes",
		"max_checks",
		"delay_threshold_minutes",
		"min_delay_change_minutes",
		"min_hours_between_notifications",
		"scheduled_delivery",
	}, fields)
}

func TestMonitoringSettings_Durations(t *testing.T) {
	s := validSettings()
	assert.Equal(t, 30*time.Minute, s.Interval())
	assert.Equal(t, 90*time.Minute, s.Cooldown())

	assert.False(t, s.MaxChecksReached(4))
	assert.True(t, s.MaxChecksReached(5))

	s.MaxChecks = delivery.UnlimitedChecks
	assert.False(t, s.MaxChecksReached(10_000))
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, delivery.StatusDelivered.IsTerminal())
	assert.True(t, delivery.StatusCancelled.IsTerminal())
	assert.False(t, delivery.StatusInTransit.IsTerminal())
	assert.False(t, delivery.StatusDelayed.IsTerminal())
	assert.False(t, delivery.StatusPending.IsTerminal())
}

func TestInMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := delivery.NewInMemoryRepository()

	d := &delivery.Delivery{
		ID:            "del-1",
		CustomerEmail: "jan@example.com",
		Status:        delivery.StatusInTransit,
		Channels:      []delivery.Channel{delivery.ChannelEmail},
		Monitoring:    validSettings(),
	}
	require.NoError(t, repo.Save(ctx, d))

	t.Run("get returns a copy", func(t *testing.T) {
		got, err := repo.Get(ctx, "del-1")
		require.NoError(t, err)
		got.Channels[0] = delivery.ChannelSMS

		again, err := repo.Get(ctx, "del-1")
		require.NoError(t, err)
		assert.Equal(t, delivery.ChannelEmail, again.Channels[0])
	})

	t.Run("not found", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, delivery.ErrDeliveryNotFound)
		_, err = repo.GetMonitoringSettings(ctx, "missing")
		assert.ErrorIs(t, err, delivery.ErrDeliveryNotFound)
		assert.ErrorIs(t, repo.UpdateCheckCount(ctx, "missing", 1), delivery.ErrDeliveryNotFound)
	})

	t.Run("check count is monotonic", func(t *testing.T) {
		require.NoError(t, repo.UpdateCheckCount(ctx, "del-1", 3))
		require.NoError(t, repo.UpdateCheckCount(ctx, "del-1", 2))

		settings, err := repo.GetMonitoringSettings(ctx, "del-1")
		require.NoError(t, err)
		assert.Equal(t, 3, settings.ChecksPerformed)
	})

	t.Run("notifications most recent first", func(t *testing.T) {
		base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
		for i, offset := range []time.Duration{time.Hour, 0, 2 * time.Hour} {
			require.NoError(t, repo.AppendNotification(ctx, &delivery.NotificationRecord{
				ID:           string(rune('a' + i)),
				DeliveryID:   "del-1",
				SentAt:       base.Add(offset),
				DelayMinutes: i,
			}))
		}

		records, err := repo.ListRecentNotifications(ctx, "del-1", 2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "c", records[0].ID)
		assert.Equal(t, "a", records[1].ID)
	})

	t.Run("duplicate notification ids are ignored", func(t *testing.T) {
		rec := &delivery.NotificationRecord{ID: "a", DeliveryID: "del-1", DelayMinutes: 99}
		require.NoError(t, repo.AppendNotification(ctx, rec))

		records, err := repo.ListRecentNotifications(ctx, "del-1", 10)
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})

	t.Run("list monitored skips terminal and disabled", func(t *testing.T) {
		disabled := validSettings()
		disabled.Enabled = false
		require.NoError(t, repo.Save(ctx, &delivery.Delivery{ID: "del-2", Status: delivery.StatusInTransit, Monitoring: disabled}))
		require.NoError(t, repo.Save(ctx, &delivery.Delivery{ID: "del-3", Status: delivery.StatusDelivered, Monitoring: validSettings()}))
		require.NoError(t, repo.Save(ctx, &delivery.Delivery{ID: "del-0", Status: delivery.StatusPending, Monitoring: validSettings()}))

		monitored, err := repo.ListMonitored(ctx)
		require.NoError(t, err)
		require.Len(t, monitored, 2)
		assert.Equal(t, "del-0", monitored[0].ID)
		assert.Equal(t, "del-1", monitored[1].ID)
	})
}

func TestDelivery_Recipient(t *testing.T) {
	d := &delivery.Delivery{CustomerEmail: "a@example.com", CustomerPhone: "+31600000000"}
	assert.Equal(t, "a@example.com", d.Recipient(delivery.ChannelEmail))
	assert.Equal(t, "+31600000000", d.Recipient(delivery.ChannelSMS))
	assert.Empty(t, d.Recipient("pigeon"))
}
