package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"APP_PORT", "APP_ENV", "PROVIDER_TIMEOUT", "NOTIFY_EMAIL_URL", "NOTIFY_SMS_URL",
		"MONITOR_EXECUTION_TIMEOUT", "MONITOR_DELIVERY_GRACE", "SWEEP_SCHEDULE",
		"SWEEP_CONCURRENCY", "SWEEP_TIMEOUT", "PUBSUB_PROJECT_ID", "JWT_AUDIENCE",
		"STORAGE_BACKEND", "DB_AUTO_MIGRATE", "MONITOR_HOST_RUNS",
		"OTEL_TRACES_SAMPLE_RATIO", "OTEL_METRIC_EXPORT_INTERVAL",
	} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, 10*time.Second, cfg.Providers.RequestTimeout)
	assert.False(t, cfg.Notify.Enabled())
	assert.Equal(t, 5, cfg.Notify.RatePerSecond)
	assert.True(t, cfg.Monitor.HostRuns)
	assert.Zero(t, cfg.Monitor.ExecutionTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Monitor.DeliveryGrace)
	assert.Equal(t, "*/15 * * * *", cfg.Sweep.Schedule)
	assert.Equal(t, 4, cfg.Sweep.Concurrency)
	assert.Equal(t, 10*time.Minute, cfg.Sweep.Timeout)
	assert.Equal(t, StoragePostgres, cfg.Storage.Backend)
	assert.True(t, cfg.Storage.AutoMigrate)
	assert.Equal(t, "delaywatch-ops", cfg.Auth.Audience)
	assert.Empty(t, cfg.PubSub.ProjectID)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRatio)
	assert.Equal(t, 15*time.Second, cfg.Telemetry.MetricInterval)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("PROVIDER_TIMEOUT", "3s")
	t.Setenv("NOTIFY_SMS_URL", "generic://sms.example.com/send")
	t.Setenv("MONITOR_EXECUTION_TIMEOUT", "48h")
	t.Setenv("SWEEP_CONCURRENCY", "8")
	t.Setenv("PUBSUB_PROJECT_ID", "delaywatch-prod")
	t.Setenv("STORAGE_BACKEND", StorageMemory)
	t.Setenv("DB_AUTO_MIGRATE", "false")
	t.Setenv("MONITOR_HOST_RUNS", "false")

	cfg := FromEnv()
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 3*time.Second, cfg.Providers.RequestTimeout)
	assert.True(t, cfg.Notify.Enabled())
	assert.Equal(t, 48*time.Hour, cfg.Monitor.ExecutionTimeout)
	assert.Equal(t, 8, cfg.Sweep.Concurrency)
	assert.Equal(t, "delaywatch-prod", cfg.PubSub.ProjectID)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.False(t, cfg.Storage.AutoMigrate)
	assert.False(t, cfg.Monitor.HostRuns)
}

func TestFromEnv_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("SWEEP_CONCURRENCY", "many")
	t.Setenv("MONITOR_DELIVERY_GRACE", "two hours")

	cfg := FromEnv()
	assert.Equal(t, 4, cfg.Sweep.Concurrency)
	assert.Equal(t, 2*time.Hour, cfg.Monitor.DeliveryGrace)
}
