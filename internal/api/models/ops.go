package models

// Health represents the liveness of the service.
type Health struct {
	Status  HealthStatus   `json:"status"`
	Time    Timestamp      `json:"time"`
	Details map[string]any `json:"details,omitempty"`
}

// ProviderStatus is the health of one traffic provider.
type ProviderStatus struct {
	Provider            string       `json:"provider"`
	Status              HealthStatus `json:"status"`
	CircuitState        string       `json:"circuitState"`
	Successes           uint64       `json:"successes"`
	Failures            uint64       `json:"failures"`
	ConsecutiveFailures uint64       `json:"consecutiveFailures"`
	LastSuccessAt       *Timestamp   `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *Timestamp   `json:"lastFailureAt,omitempty"`
	LastError           string       `json:"lastError,omitempty"`
}

// ProvidersStatus is the response of GET /v1/ops/providers.
type ProvidersStatus struct {
	Status    HealthStatus     `json:"status"`
	Time      Timestamp        `json:"time"`
	Providers []ProviderStatus `json:"providers"`
}

// SweepSummary is the response of POST /v1/ops/sweep.
type SweepSummary struct {
	StartedAt  Timestamp            `json:"startedAt"`
	DurationMs int64                `json:"durationMs"`
	Total      int                  `json:"total"`
	Checked    int                  `json:"checked"`
	Notified   int                  `json:"notified"`
	Throttled  int                  `json:"throttled"`
	Skipped    int                  `json:"skipped"`
	Failed     int                  `json:"failed"`
	Errors     []SweepDeliveryError `json:"errors,omitempty"`
}

// SweepDeliveryError reports a delivery the sweep could not check.
type SweepDeliveryError struct {
	DeliveryID string `json:"deliveryId"`
	Error      string `json:"error"`
}

// Flag is an operator switch.
type Flag struct {
	Key       string     `json:"key"`
	Enabled   bool       `json:"enabled"`
	UpdatedAt *Timestamp `json:"updatedAt,omitempty"`
	UpdatedBy string     `json:"updatedBy,omitempty"`
}

// FlagList is the response of GET /v1/ops/flags.
type FlagList struct {
	Items []Flag `json:"items"`
}

// FlagUpdate is the body of PUT /v1/ops/flags/{key}.
type FlagUpdate struct {
	Enabled *bool `json:"enabled"`
}
