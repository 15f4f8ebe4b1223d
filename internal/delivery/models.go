// Package delivery holds the delivery records the monitoring engine reads and the
// counters and notification history it writes back.
package delivery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/delaywatch/delaywatch/internal/traffic"
)

// Repository errors.
var (
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrInvalidSettings  = errors.New("invalid monitoring settings")
)

// UnlimitedChecks disables the max-checks stop condition.
const UnlimitedChecks = -1

// Status is the lifecycle status of a delivery.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInTransit Status = "in_transit"
	StatusDelayed   Status = "delayed"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further monitoring makes sense for the delivery.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Channel is a customer notification channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Delivery is a freight delivery under (possible) monitoring.
type Delivery struct {
	ID             string
	TrackingNumber string
	CustomerName   string
	CustomerEmail  string
	CustomerPhone  string
	Origin         traffic.Location
	Destination    traffic.Location
	Status         Status
	Channels       []Channel
	Monitoring     MonitoringSettings
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RouteQuery builds the traffic query for this delivery.
func (d *Delivery) RouteQuery(departure *time.Time) traffic.RouteQuery {
	return traffic.RouteQuery{
		Origin:        d.Origin,
		Destination:   d.Destination,
		DepartureTime: departure,
	}
}

// Recipient returns the address for a channel, or "" when the customer has none.
func (d *Delivery) Recipient(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return d.CustomerEmail
	case ChannelSMS:
		return d.CustomerPhone
	default:
		return ""
	}
}

// MonitoringSettings configures recurring delay checks for one delivery.
type MonitoringSettings struct {
	Enabled                      bool
	CheckIntervalMinutes         int
	MaxChecks                    int // UnlimitedChecks or >= 1
	ChecksPerformed              int // monotonic
	DelayThresholdMinutes        int
	MinDelayChangeMinutes        int
	MinHoursBetweenNotifications float64
	ScheduledDelivery            time.Time
}

// Interval returns the check interval as a duration.
func (s MonitoringSettings) Interval() time.Duration {
	return time.Duration(s.CheckIntervalMinutes) * time.Minute
}

// Cooldown returns the minimum time between two notifications.
func (s MonitoringSettings) Cooldown() time.Duration {
	return time.Duration(s.MinHoursBetweenNotifications * float64(time.Hour))
}

// MaxChecksReached reports whether total checks hit the configured maximum.
func (s MonitoringSettings) MaxChecksReached(total int) bool {
	return s.MaxChecks != UnlimitedChecks && total >= s.MaxChecks
}

// Validate returns a *ValidationError listing every invalid field, or nil.
func (s MonitoringSettings) Validate() error {
	var fields []FieldError
	if s.CheckIntervalMinutes <= 0 {
		fields = append(fields, FieldError{Field: "check_interval_minutes", Message: "must be greater than 0"})
	}
	if s.MaxChecks != UnlimitedChecks && s.MaxChecks < 1 {
		fields = append(fields, FieldError{Field: "max_checks", Message: "must be -1 (unlimited) or at least 1"})
	}
	if s.ChecksPerformed < 0 {
		fields = append(fields, FieldError{Field: "checks_performed", Message: "must not be negative"})
	}
	if s.DelayThresholdMinutes < 0 {
		fields = append(fields, FieldError{Field: "delay_threshold_minutes", Message: "must not be negative"})
	}
	if s.MinDelayChangeMinutes < 0 {
		fields = append(fields, FieldError{Field: "min_delay_change_minutes", Message: "must not be negative"})
	}
	if s.MinHoursBetweenNotifications < 0 {
		fields = append(fields, FieldError{Field: "min_hours_between_notifications", Message: "must not be negative"})
	}
	if s.ScheduledDelivery.IsZero() {
		fields = append(fields, FieldError{Field: "scheduled_delivery", Message: "is required"})
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// FieldError describes one invalid field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError lists invalid monitoring settings. It matches ErrInvalidSettings.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s %s", f.Field, f.Message))
	}
	return ErrInvalidSettings.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidSettings
}

// NotificationRecord is an append-only entry in a delivery's notification history.
type NotificationRecord struct {
	ID               string
	DeliveryID       string
	SentAt           time.Time
	DelayMinutes     int
	ThresholdMinutes int
	Channels         []Channel
	Message          string
}
