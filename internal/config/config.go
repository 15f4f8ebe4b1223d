// Package config reads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/delaywatch/delaywatch/internal/database"
)

// Config is the configuration shared by the API and worker binaries.
type Config struct {
	Port        string
	Environment string

	Telemetry TelemetryConfig
	Storage   StorageConfig
	Database  database.Config
	Providers ProvidersConfig
	Notify    NotifyConfig
	Monitor   MonitorConfig
	Auth      AuthConfig
	Sweep     SweepConfig
	PubSub    PubSubConfig
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool
	OTLPEndpoint   string
	SampleRatio    float64
	MetricInterval time.Duration
}

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// StorageConfig selects where deliveries and execution records live.
type StorageConfig struct {
	Backend     string
	AutoMigrate bool
}

// ProvidersConfig holds traffic provider credentials. Providers without
// credentials stay registered but report themselves unavailable.
type ProvidersConfig struct {
	GoogleMapsAPIKey  string
	MapboxAccessToken string
	RequestTimeout    time.Duration
}

// NotifyConfig holds shoutrrr service URLs per channel.
type NotifyConfig struct {
	EmailURL      string
	SMSURL        string
	RatePerSecond int
}

// Enabled reports whether any outbound channel is configured.
func (c NotifyConfig) Enabled() bool {
	return c.EmailURL != "" || c.SMSURL != ""
}

// MonitorConfig configures recurring runs. HostRuns should be set on exactly one
// deployment; instances without it answer start and cancel with 503.
type MonitorConfig struct {
	HostRuns         bool
	ExecutionTimeout time.Duration
	DeliveryGrace    time.Duration
}

// AuthConfig configures operator bearer tokens.
type AuthConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
}

// SweepConfig configures the scheduled batch sweep.
type SweepConfig struct {
	Schedule    string
	Concurrency int
	Timeout     time.Duration
}

// PubSubConfig configures the job subscription. An empty ProjectID disables it.
type PubSubConfig struct {
	ProjectID    string
	Subscription string
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Port:        getEnvOrDefault("APP_PORT", "8080"),
		Environment: getEnvOrDefault("APP_ENV", "development"),
		Telemetry: TelemetryConfig{
			Enabled:        os.Getenv("OTEL_ENABLED") == "true",
			OTLPEndpoint:   getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			SampleRatio:    getFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
			MetricInterval: getDuration("OTEL_METRIC_EXPORT_INTERVAL", 15*time.Second),
		},
		Storage: StorageConfig{
			Backend:     getEnvOrDefault("STORAGE_BACKEND", StoragePostgres),
			AutoMigrate: getEnvOrDefault("DB_AUTO_MIGRATE", "true") == "true",
		},
		Database: database.ConfigFromEnv(),
		Providers: ProvidersConfig{
			GoogleMapsAPIKey:  os.Getenv("GOOGLE_MAPS_API_KEY"),
			MapboxAccessToken: os.Getenv("MAPBOX_ACCESS_TOKEN"),
			RequestTimeout:    getDuration("PROVIDER_TIMEOUT", 10*time.Second),
		},
		Notify: NotifyConfig{
			EmailURL:      os.Getenv("NOTIFY_EMAIL_URL"),
			SMSURL:        os.Getenv("NOTIFY_SMS_URL"),
			RatePerSecond: getInt("NOTIFY_RATE_PER_SEC", 5),
		},
		Monitor: MonitorConfig{
			HostRuns:         getEnvOrDefault("MONITOR_HOST_RUNS", "true") == "true",
			ExecutionTimeout: getDuration("MONITOR_EXECUTION_TIMEOUT", 0),
			DeliveryGrace:    getDuration("MONITOR_DELIVERY_GRACE", 2*time.Hour),
		},
		Auth: AuthConfig{
			SigningKey: os.Getenv("JWT_SIGNING_KEY"),
			Issuer:     getEnvOrDefault("JWT_ISSUER", "delaywatch"),
			Audience:   getEnvOrDefault("JWT_AUDIENCE", "delaywatch-ops"),
		},
		Sweep: SweepConfig{
			Schedule:    getEnvOrDefault("SWEEP_SCHEDULE", "*/15 * * * *"),
			Concurrency: getInt("SWEEP_CONCURRENCY", 4),
			Timeout:     getDuration("SWEEP_TIMEOUT", 10*time.Minute),
		},
		PubSub: PubSubConfig{
			ProjectID:    os.Getenv("PUBSUB_PROJECT_ID"),
			Subscription: getEnvOrDefault("PUBSUB_SUBSCRIPTION", "delaywatch-jobs"),
		},
	}
}

// IsProduction reports whether APP_ENV is production.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getFloat(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return d
}
