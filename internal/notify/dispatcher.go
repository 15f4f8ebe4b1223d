// Package notify delivers rendered delay messages to customers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/delaywatch/delaywatch/internal/delivery"
)

// Dispatch errors.
var (
	ErrChannelNotConfigured = errors.New("notification channel not configured")
	ErrNoRecipient          = errors.New("delivery has no recipient for channel")
)

// Dispatcher sends a rendered message to a delivery's customer on one channel.
type Dispatcher interface {
	Send(ctx context.Context, deliveryID string, channel delivery.Channel, message string) error
}

// Sender abstracts the transport so dispatch can be tested without real services.
type Sender interface {
	Send(serviceURL, message string) error
}

// ShoutrrrSender sends through the shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(serviceURL, message string) error {
	return shoutrrr.Send(serviceURL, message)
}

// RecipientLookup resolves the customer contact details of a delivery.
type RecipientLookup interface {
	Get(ctx context.Context, id string) (*delivery.Delivery, error)
}

// ShoutrrrConfig holds configuration for the shoutrrr dispatcher.
type ShoutrrrConfig struct {
	// Deliveries resolves recipients (required).
	Deliveries RecipientLookup

	// EmailURL is a shoutrrr smtp:// URL; the recipient is set as toaddresses.
	EmailURL string

	// SMSURL is a shoutrrr URL whose last path segment is the destination number.
	SMSURL string

	// RatePerSecond caps outbound sends. Default: 5.
	RatePerSecond int

	// Sender overrides the transport (optional).
	Sender Sender

	// Logger for dispatch operations.
	Logger zerolog.Logger
}

// ShoutrrrDispatcher sends email and SMS notifications through shoutrrr service URLs.
type ShoutrrrDispatcher struct {
	deliveries RecipientLookup
	urls       map[delivery.Channel]string
	sender     Sender
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewShoutrrrDispatcher creates a dispatcher. Channels without a URL fail with ErrChannelNotConfigured.
func NewShoutrrrDispatcher(cfg ShoutrrrConfig) *ShoutrrrDispatcher {
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 5
	}
	sender := cfg.Sender
	if sender == nil {
		sender = ShoutrrrSender{}
	}

	urls := make(map[delivery.Channel]string)
	if cfg.EmailURL != "" {
		urls[delivery.ChannelEmail] = cfg.EmailURL
	}
	if cfg.SMSURL != "" {
		urls[delivery.ChannelSMS] = cfg.SMSURL
	}

	return &ShoutrrrDispatcher{
		deliveries: cfg.Deliveries,
		urls:       urls,
		sender:     sender,
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		logger:     cfg.Logger,
	}
}

// Send delivers message to the customer of deliveryID on channel.
func (d *ShoutrrrDispatcher) Send(ctx context.Context, deliveryID string, channel delivery.Channel, message string) error {
	base, ok := d.urls[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotConfigured, channel)
	}

	del, err := d.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("resolving recipient: %w", err)
	}
	recipient := del.Recipient(channel)
	if recipient == "" {
		return fmt.Errorf("%w: %s", ErrNoRecipient, channel)
	}

	serviceURL, err := withRecipient(base, channel, recipient)
	if err != nil {
		return err
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for send slot: %w", err)
	}

	if err := d.sender.Send(serviceURL, message); err != nil {
		d.logger.Warn().Err(err).
			Str("delivery_id", deliveryID).
			Str("channel", string(channel)).
			Msg("notification send failed")
		return fmt.Errorf("sending %s notification: %w", channel, err)
	}

	d.logger.Info().
		Str("delivery_id", deliveryID).
		Str("channel", string(channel)).
		Msg("notification sent")
	return nil
}

// withRecipient addresses a service URL to one recipient.
func withRecipient(base string, channel delivery.Channel, recipient string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing %s service url: %w", channel, err)
	}

	switch channel {
	case delivery.ChannelEmail:
		q := u.Query()
		q.Set("toaddresses", recipient)
		u.RawQuery = q.Encode()
	default:
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(recipient)
	}
	return u.String(), nil
}

// LogDispatcher logs messages instead of sending them. It is used in development.
type LogDispatcher struct {
	Logger zerolog.Logger
}

// Send logs the message and always succeeds.
func (d LogDispatcher) Send(_ context.Context, deliveryID string, channel delivery.Channel, message string) error {
	d.Logger.Info().
		Str("delivery_id", deliveryID).
		Str("channel", string(channel)).
		Str("message", message).
		Msg("notification (log only)")
	return nil
}

// Ensure dispatchers implement Dispatcher interface.
var (
	_ Dispatcher = (*ShoutrrrDispatcher)(nil)
	_ Dispatcher = LogDispatcher{}
)
