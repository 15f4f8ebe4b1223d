// Package check runs one delay check for a delivery: fetch traffic, assess the delay,
// apply the notification throttle, dispatch and record the notification.
package check

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/delaywatch/delaywatch/internal/delay"
	"github.com/delaywatch/delaywatch/internal/delivery"
	"github.com/delaywatch/delaywatch/internal/notify"
	"github.com/delaywatch/delaywatch/internal/traffic"
)

const meterName = "github.com/delaywatch/delaywatch/internal/check"

// ErrNotificationFailed indicates every channel failed to send.
var ErrNotificationFailed = errors.New("notification failed on all channels")

// Fetcher returns a traffic reading for a route. *traffic.Chain implements it.
type Fetcher interface {
	Fetch(ctx context.Context, query traffic.RouteQuery) (*traffic.Reading, error)
}

// Request describes one check.
type Request struct {
	Delivery *delivery.Delivery
	// Now is the check time used for throttling and the notification timestamp.
	Now time.Time
	// Notify enables throttle evaluation and dispatch. Manual checks only assess.
	Notify bool
	// RecordID identifies the notification record if one is sent (optional).
	RecordID string
}

// Result is the outcome of a check. Fields after a failed step are nil.
type Result struct {
	Reading        *traffic.Reading
	Assessment     *delay.Assessment
	Throttle       *delay.Decision
	Notification   *delivery.NotificationRecord
	FailedChannels []delivery.Channel
	// Paused is set when the throttle allowed a notification but operators
	// have paused delivery of notifications.
	Paused bool
}

// Config holds configuration for the checker.
type Config struct {
	// Fetcher provides traffic readings (required).
	Fetcher Fetcher

	// Deliveries stores notification history (required).
	Deliveries delivery.Repository

	// Dispatcher sends notifications (required when Notify is used).
	Dispatcher notify.Dispatcher

	// HistoryLimit bounds the history passed to the throttle. Default: 20.
	HistoryLimit int

	// NotificationsPaused, if set, is consulted before each dispatch.
	NotificationsPaused func(context.Context) bool

	// RecordRetries is how many times a failed notification write is retried.
	// Default: 3
	RecordRetries int

	// RecordRetryInterval is the first delay between record write attempts.
	// Default: 100ms
	RecordRetryInterval time.Duration

	// Logger for check operations.
	Logger zerolog.Logger

	// Meter is used for check and notification counters. Defaults to the global meter.
	Meter metric.Meter
}

// Checker runs single delay checks. It is safe for concurrent use.
type Checker struct {
	fetcher       Fetcher
	deliveries    delivery.Repository
	dispatcher    notify.Dispatcher
	historyLimit  int
	paused        func(context.Context) bool
	retries       uint64
	retryInterval time.Duration
	logger        zerolog.Logger
	checks        metric.Int64Counter
	notifications metric.Int64Counter

	// unsaved holds sent notifications whose records could not be written yet,
	// keyed by delivery. They count as history until they are stored.
	mu      sync.Mutex
	unsaved map[string][]delivery.NotificationRecord
}

// New creates a checker.
func New(cfg Config) *Checker {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = 20
	}
	retries := cfg.RecordRetries
	if retries <= 0 {
		retries = 3
	}
	retryInterval := cfg.RecordRetryInterval
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	checks, err := meter.Int64Counter("monitor.checks",
		metric.WithDescription("Delay checks performed"),
		metric.WithUnit("{check}"))
	if err != nil {
		cfg.Logger.Warn().Err(err).Msg("failed to create check counter")
	}
	notifications, err := meter.Int64Counter("monitor.notifications",
		metric.WithDescription("Delay notifications by outcome"),
		metric.WithUnit("{notification}"))
	if err != nil {
		cfg.Logger.Warn().Err(err).Msg("failed to create notification counter")
	}

	return &Checker{
		fetcher:       cfg.Fetcher,
		deliveries:    cfg.Deliveries,
		dispatcher:    cfg.Dispatcher,
		historyLimit:  limit,
		paused:        cfg.NotificationsPaused,
		retries:       uint64(retries),
		retryInterval: retryInterval,
		logger:        cfg.Logger,
		checks:        checks,
		notifications: notifications,
		unsaved:       make(map[string][]delivery.NotificationRecord),
	}
}

// Check runs one check. A non-nil error still comes with the partial result.
func (c *Checker) Check(ctx context.Context, req Request) (*Result, error) {
	d := req.Delivery
	log := c.logger.With().Str("delivery_id", d.ID).Logger()
	result := &Result{}

	reading, err := c.fetcher.Fetch(ctx, d.RouteQuery(nil))
	if err != nil {
		c.count(ctx, c.checks, "fetch_failed")
		return result, fmt.Errorf("fetching traffic for delivery %s: %w", d.ID, err)
	}
	result.Reading = reading

	assessment := delay.Assess(reading, d.Monitoring.DelayThresholdMinutes)
	result.Assessment = &assessment
	c.count(ctx, c.checks, string(assessment.Severity))

	log.Debug().
		Str("provider", reading.Provider).
		Int("delay_minutes", assessment.DelayMinutes).
		Int("threshold_minutes", assessment.ThresholdMinutes).
		Str("severity", string(assessment.Severity)).
		Msg("delay assessed")

	if !req.Notify || !assessment.ExceedsThreshold {
		return result, nil
	}

	history, err := c.deliveries.ListRecentNotifications(ctx, d.ID, c.historyLimit)
	if err != nil {
		return result, fmt.Errorf("loading notification history: %w", err)
	}
	history = append(history, c.flushUnsaved(ctx, d.ID)...)

	decision := delay.EvaluateThrottle(history, assessment.DelayMinutes, d.Monitoring, req.Now)
	result.Throttle = &decision
	if !decision.Allow {
		c.count(ctx, c.notifications, "throttled")
		log.Info().
			Int("delay_minutes", assessment.DelayMinutes).
			Str("reason", decision.Reason).
			Msg("notification suppressed")
		return result, nil
	}
	if c.paused != nil && c.paused(ctx) {
		result.Paused = true
		c.count(ctx, c.notifications, "paused")
		log.Info().
			Int("delay_minutes", assessment.DelayMinutes).
			Str("reason", "notifications paused").
			Msg("notification suppressed")
		return result, nil
	}

	message, err := notify.RenderMessage(d, assessment)
	if err != nil {
		return result, fmt.Errorf("rendering message: %w", err)
	}

	channels := d.Channels
	if len(channels) == 0 {
		channels = []delivery.Channel{delivery.ChannelEmail}
	}

	var (
		sent []delivery.Channel
		errs []error
	)
	for _, ch := range channels {
		if err := c.dispatcher.Send(ctx, d.ID, ch, message); err != nil {
			result.FailedChannels = append(result.FailedChannels, ch)
			errs = append(errs, err)
			continue
		}
		sent = append(sent, ch)
	}
	if len(sent) == 0 {
		c.count(ctx, c.notifications, "failed")
		return result, fmt.Errorf("%w: %w", ErrNotificationFailed, errors.Join(errs...))
	}

	recordID := req.RecordID
	if recordID == "" {
		recordID = uuid.NewString()
	}
	record := &delivery.NotificationRecord{
		ID:               recordID,
		DeliveryID:       d.ID,
		SentAt:           req.Now,
		DelayMinutes:     assessment.DelayMinutes,
		ThresholdMinutes: assessment.ThresholdMinutes,
		Channels:         sent,
		Message:          message,
	}
	result.Notification = record
	c.count(ctx, c.notifications, "sent")

	log.Info().
		Str("record_id", record.ID).
		Int("delay_minutes", record.DelayMinutes).
		Strs("channels", channelNames(sent)).
		Str("reason", decision.Reason).
		Msg("delay notification sent")

	if err := c.store(ctx, record); err != nil {
		if !errors.Is(err, delivery.ErrDeliveryNotFound) {
			c.hold(*record)
		}
		log.Error().Err(err).Str("record_id", record.ID).Msg("recording notification failed")
		return result, fmt.Errorf("recording notification: %w", err)
	}
	return result, nil
}

// store writes a record, retrying transient failures. The message is already out,
// so the write is not tied to the caller's cancellation.
func (c *Checker) store(ctx context.Context, record *delivery.NotificationRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = 20 * c.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx)

	return backoff.Retry(func() error {
		err := c.deliveries.AppendNotification(ctx, record)
		if errors.Is(err, delivery.ErrDeliveryNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (c *Checker) hold(record delivery.NotificationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsaved[record.DeliveryID] = append(c.unsaved[record.DeliveryID], record)
}

// flushUnsaved tries to store the records held for a delivery once more. It
// returns every record that was held, so the caller's history includes them.
func (c *Checker) flushUnsaved(ctx context.Context, deliveryID string) []delivery.NotificationRecord {
	c.mu.Lock()
	held := c.unsaved[deliveryID]
	delete(c.unsaved, deliveryID)
	c.mu.Unlock()

	for _, rec := range held {
		err := c.deliveries.AppendNotification(ctx, &rec)
		switch {
		case err == nil:
			c.logger.Info().Str("delivery_id", deliveryID).Str("record_id", rec.ID).Msg("held notification recorded")
		case errors.Is(err, delivery.ErrDeliveryNotFound):
		default:
			c.hold(rec)
		}
	}
	return held
}

// Unsaved returns the number of sent notifications not yet recorded.
func (c *Checker) Unsaved() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, recs := range c.unsaved {
		n += len(recs)
	}
	return n
}

func (c *Checker) count(ctx context.Context, counter metric.Int64Counter, result string) {
	if counter == nil {
		return
	}
	counter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("result", result)))
}

func channelNames(chs []delivery.Channel) []string {
	out := make([]string, 0, len(chs))
	for _, ch := range chs {
		out = append(out, string(ch))
	}
	return out
}
