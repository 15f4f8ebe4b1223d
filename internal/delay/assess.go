// Package delay decides whether a measured traffic delay warrants telling the customer.
package delay

import (
	"math"

	"github.com/delaywatch/delaywatch/internal/traffic"
)

// Severity grades a delay relative to the threshold.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityMinor  Severity = "minor"
	SeverityMajor  Severity = "major"
	SeveritySevere Severity = "severe"
)

// Rank orders severities from none (0) to severe (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityMajor:
		return 2
	case SeveritySevere:
		return 3
	default:
		return 0
	}
}

// Recommended actions per severity.
const (
	ActionNone   = "No action needed"
	ActionMinor  = "Notify customer of a minor delay"
	ActionMajor  = "Notify customer and review the route"
	ActionSevere = "Notify customer immediately and escalate to dispatch"
)

// Assessment is the outcome of comparing a reading with a threshold.
type Assessment struct {
	DelayMinutes      int
	ThresholdMinutes  int
	ExceedsThreshold  bool
	Severity          Severity
	DelayPercentage   int
	RecommendedAction string
	Condition         traffic.Condition
	Provider          string
}

// Assess grades the reading's delay against thresholdMinutes.
// A delay equal to the threshold does not exceed it.
func Assess(reading *traffic.Reading, thresholdMinutes int) Assessment {
	d := reading.DelayMinutes
	if d < 0 {
		d = 0
	}
	if thresholdMinutes < 0 {
		thresholdMinutes = 0
	}

	sev := classify(d, thresholdMinutes)
	a := Assessment{
		DelayMinutes:      d,
		ThresholdMinutes:  thresholdMinutes,
		ExceedsThreshold:  d > thresholdMinutes,
		Severity:          sev,
		RecommendedAction: action(sev),
		Condition:         reading.Condition,
		Provider:          reading.Provider,
	}
	if thresholdMinutes > 0 {
		a.DelayPercentage = int(math.Round(float64(d) / float64(thresholdMinutes) * 100))
	}
	return a
}

func classify(d, threshold int) Severity {
	if d <= threshold {
		return SeverityNone
	}
	if threshold == 0 {
		return SeveritySevere
	}
	ratio := float64(d) / float64(threshold)
	switch {
	case ratio <= 1.5:
		return SeverityMinor
	case ratio <= 2.0:
		return SeverityMajor
	default:
		return SeveritySevere
	}
}

func action(s Severity) string {
	switch s {
	case SeverityMinor:
		return ActionMinor
	case SeverityMajor:
		return ActionMajor
	case SeveritySevere:
		return ActionSevere
	default:
		return ActionNone
	}
}
