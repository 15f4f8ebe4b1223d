package models

// Execution is the state of one monitoring run.
type Execution struct {
	WorkflowID      string     `json:"workflowId"`
	RunID           string     `json:"runId"`
	DeliveryID      string     `json:"deliveryId"`
	Kind            string     `json:"kind"`
	Status          string     `json:"status"`
	StartedAt       Timestamp  `json:"startedAt"`
	CompletedAt     *Timestamp `json:"completedAt,omitempty"`
	ChecksPerformed int        `json:"checksPerformed"`
	IntervalMinutes int        `json:"intervalMinutes"`
	NextCheckAt     *Timestamp `json:"nextCheckAt,omitempty"`
	StopReason      string     `json:"stopReason,omitempty"`
	LastError       *string    `json:"lastError,omitempty"`
	UpdatedAt       Timestamp  `json:"updatedAt"`
}

// ExecutionHistory lists every run of a delivery, newest first.
type ExecutionHistory struct {
	DeliveryID string      `json:"deliveryId"`
	Items      []Execution `json:"items"`
}

// TrafficReading is the provider reading a check was based on.
type TrafficReading struct {
	Provider                 string    `json:"provider"`
	DelayMinutes             int       `json:"delayMinutes"`
	Condition                string    `json:"condition"`
	EstimatedDurationSeconds int       `json:"estimatedDurationSeconds"`
	NormalDurationSeconds    int       `json:"normalDurationSeconds,omitempty"`
	DistanceValue            float64   `json:"distanceValue"`
	DistanceUnit             string    `json:"distanceUnit"`
	FetchedAt                Timestamp `json:"fetchedAt"`
}

// DelayAssessment grades a delay against the delivery's threshold.
type DelayAssessment struct {
	DelayMinutes      int    `json:"delayMinutes"`
	ThresholdMinutes  int    `json:"thresholdMinutes"`
	ExceedsThreshold  bool   `json:"exceedsThreshold"`
	Severity          string `json:"severity"`
	DelayPercentage   int    `json:"delayPercentage"`
	RecommendedAction string `json:"recommendedAction"`
}

// CheckResult is the response of POST /v1/deliveries/{deliveryId}/checks.
type CheckResult struct {
	ID         string          `json:"id"`
	DeliveryID string          `json:"deliveryId"`
	CheckedAt  Timestamp       `json:"checkedAt"`
	Reading    TrafficReading  `json:"reading"`
	Assessment DelayAssessment `json:"assessment"`
}
