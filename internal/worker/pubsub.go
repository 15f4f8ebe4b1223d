package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/delaywatch/delaywatch/internal/delivery"
	"github.com/delaywatch/delaywatch/internal/monitor"
	"github.com/delaywatch/delaywatch/internal/workflow"
)

// Job types accepted on the jobs subscription.
const (
	JobStartMonitoring  = "start_monitoring"
	JobCancelMonitoring = "cancel_monitoring"
	JobCheckNow         = "check_now"
	JobSweep            = "sweep"
)

var (
	// ErrUnknownJob is returned for a message with an unrecognised job type.
	ErrUnknownJob = errors.New("unknown job type")

	// ErrMalformedJob is returned for a message that cannot be decoded or lacks
	// required fields.
	ErrMalformedJob = errors.New("malformed job message")
)

// JobMessage is the payload of a queued job.
type JobMessage struct {
	JobType    string `json:"job_type"`
	DeliveryID string `json:"delivery_id,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

// Monitor is the set of monitoring operations jobs can invoke.
type Monitor interface {
	StartMonitoring(ctx context.Context, deliveryID string) (*workflow.ExecutionState, error)
	Cancel(ctx context.Context, deliveryID string, force bool) error
	CheckOnce(ctx context.Context, deliveryID string) (*monitor.CheckResult, error)
}

var _ Monitor = (*monitor.Service)(nil)

// JobProcessor decodes and executes queued jobs.
type JobProcessor struct {
	monitor Monitor
	sweeps  *SweepJob
	logger  zerolog.Logger
}

// NewJobProcessor creates a new JobProcessor.
func NewJobProcessor(m Monitor, sweeps *SweepJob, logger zerolog.Logger) *JobProcessor {
	return &JobProcessor{monitor: m, sweeps: sweeps, logger: logger}
}

// Process executes the job encoded in data.
func (p *JobProcessor) Process(ctx context.Context, data []byte) error {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	if !knownJob(msg.JobType) {
		return fmt.Errorf("%w: %q", ErrUnknownJob, msg.JobType)
	}
	if msg.JobType != JobSweep && msg.DeliveryID == "" {
		return fmt.Errorf("%w: %s requires delivery_id", ErrMalformedJob, msg.JobType)
	}

	logger := p.logger.With().
		Str("job_type", msg.JobType).
		Str("delivery_id", msg.DeliveryID).
		Logger()

	switch msg.JobType {
	case JobStartMonitoring:
		st, err := p.monitor.StartMonitoring(ctx, msg.DeliveryID)
		if err != nil {
			return err
		}
		logger.Info().Str("workflow_id", st.WorkflowID).Msg("monitoring started")
	case JobCancelMonitoring:
		if err := p.monitor.Cancel(ctx, msg.DeliveryID, msg.Force); err != nil {
			return err
		}
		logger.Info().Bool("force", msg.Force).Msg("monitoring cancelled")
	case JobCheckNow:
		res, err := p.monitor.CheckOnce(ctx, msg.DeliveryID)
		if err != nil {
			return err
		}
		logger.Info().
			Int("delay_minutes", res.Assessment.DelayMinutes).
			Str("severity", string(res.Assessment.Severity)).
			Msg("check completed")
	case JobSweep:
		if p.sweeps == nil {
			return fmt.Errorf("%w: sweeps are not enabled", ErrUnknownJob)
		}
		_, err := p.sweeps.Run(ctx)
		return err
	}
	return nil
}

func knownJob(jobType string) bool {
	switch jobType {
	case JobStartMonitoring, JobCancelMonitoring, JobCheckNow, JobSweep:
		return true
	}
	return false
}

// Permanent reports whether err will recur on redelivery, so the message should
// be acknowledged rather than retried.
func Permanent(err error) bool {
	var validation *delivery.ValidationError
	return errors.Is(err, ErrUnknownJob) ||
		errors.Is(err, ErrMalformedJob) ||
		errors.Is(err, ErrSweepInProgress) ||
		errors.Is(err, ErrSweepPaused) ||
		errors.Is(err, delivery.ErrDeliveryNotFound) ||
		errors.As(err, &validation)
}

// PubSubHandler receives jobs from a Pub/Sub subscription.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	processor        *JobProcessor
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Processor        *JobProcessor
	Logger           zerolog.Logger
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)
	subscriber.ReceiveSettings.MaxOutstandingMessages = 10
	subscriber.ReceiveSettings.MaxExtension = 10 * time.Minute

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		processor:        cfg.Processor,
		logger:           cfg.Logger,
	}, nil
}

// Start receives messages until ctx is cancelled.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		h.handleMessage(ctx, msg)
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

func (h *PubSubHandler) handleMessage(ctx context.Context, msg *pubsub.Message) {
	start := time.Now()
	logger := h.logger.With().
		Str("message_id", msg.ID).
		Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
		Logger()

	err := h.processor.Process(ctx, msg.Data)
	switch {
	case err == nil:
		logger.Info().Dur("duration", time.Since(start)).Msg("job completed")
		msg.Ack()
	case Permanent(err):
		logger.Warn().Err(err).Msg("job dropped")
		msg.Ack()
	default:
		logger.Error().Err(err).Msg("job failed, will be redelivered")
		msg.Nack()
	}
}
