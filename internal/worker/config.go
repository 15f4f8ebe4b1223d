// Package worker runs scheduled delivery sweeps and queued monitoring jobs.
package worker

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepConfig holds configuration for the scheduled sweep.
type SweepConfig struct {
	// Schedule is a five-field cron expression or a descriptor such as "@every 10m".
	// Default: "*/15 * * * *"
	Schedule string

	// Timeout bounds a single sweep.
	// Default: 10 minutes
	Timeout time.Duration

	// Location is the time zone the schedule is evaluated in.
	// Default: UTC
	Location *time.Location
}

// DefaultSweepConfig returns the default sweep configuration.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Schedule: "*/15 * * * *",
		Timeout:  10 * time.Minute,
		Location: time.UTC,
	}
}

func (c SweepConfig) withDefaults() SweepConfig {
	def := DefaultSweepConfig()
	if c.Schedule == "" {
		c.Schedule = def.Schedule
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Location == nil {
		c.Location = def.Location
	}
	return c
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a sweep schedule expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	return sched, nil
}
