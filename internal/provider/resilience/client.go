package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned without calling the provider while its breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// maxDrain bounds how much of a discarded response body is read so the
// connection can be reused.
const maxDrain = 64 << 10

// ClientConfig holds configuration for a provider HTTP client.
type ClientConfig struct {
	// Name is the provider name used for the breaker, logs, and the registry.
	Name string

	// Timeout bounds each HTTP attempt. Default: 10 seconds
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt. Default: 2
	MaxRetries uint64

	// InitialInterval is the first retry delay. Default: 200ms
	InitialInterval time.Duration

	// MaxInterval caps retry delays, including ones requested by Retry-After.
	// Default: 5 seconds
	MaxInterval time.Duration

	// Breaker configures the circuit breaker. Zero fields take DefaultBreakerConfig values.
	Breaker BreakerConfig

	// Registry receives the breaker so provider health reports its state (optional).
	Registry *Registry

	// Transport overrides http.DefaultTransport (tests).
	Transport http.RoundTripper

	// Logger for retries and breaker transitions.
	Logger zerolog.Logger
}

// DefaultClientConfig returns the client settings used for traffic providers.
func DefaultClientConfig(name string) ClientConfig {
	return ClientConfig{
		Name:            name,
		Timeout:         10 * time.Second,
		MaxRetries:      2,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Breaker:         DefaultBreakerConfig(),
	}
}

// Client sends provider requests through a circuit breaker and retries
// transient failures: network errors, 5xx responses, and 429 rate limiting.
// Other responses are returned to the caller as is.
type Client struct {
	name    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	cfg     ClientConfig
	logger  zerolog.Logger
}

// NewClient creates a provider client and attaches it to cfg.Registry.
func NewClient(cfg ClientConfig) *Client {
	d := DefaultClientConfig(cfg.Name)
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = d.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = d.MaxInterval
	}

	logger := cfg.Logger.With().Str("provider", cfg.Name).Logger()
	c := &Client{
		name:    cfg.Name,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		breaker: newBreaker(cfg.Name, cfg.Breaker, logger),
		cfg:     cfg,
		logger:  logger,
	}
	if cfg.Registry != nil {
		cfg.Registry.Attach(cfg.Name, c)
	}
	return c
}

// Name returns the provider name.
func (c *Client) Name() string {
	return c.name
}

// State returns the breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Counts returns the breaker counts for the current window.
func (c *Client) Counts() gobreaker.Counts {
	return c.breaker.Counts()
}

// CircuitOpen reports whether calls are currently rejected.
func (c *Client) CircuitOpen() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// StatusError is a retryable HTTP status from the provider.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Do sends req, retrying transient failures with exponential backoff. When the
// retries end on a 5xx or 429, that last response is returned with a nil error
// so the caller can map the status. Requests with a body must set GetBody.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx)

	var (
		last    *http.Response
		attempt int
	)
	operation := func() error {
		attempt++
		if last != nil {
			discard(last)
			last = nil
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.send(ctx, req)
			if err != nil {
				return nil, err
			}
			if retryable(r.StatusCode) {
				return r, &StatusError{StatusCode: r.StatusCode, RetryAfter: retryAfter(r.Header)}
			}
			return r, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(ErrCircuitOpen)
		}
		last = resp
		if err == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
			// Honour Retry-After unless it is longer than we are willing to wait.
			if statusErr.RetryAfter > c.cfg.MaxInterval {
				return backoff.Permanent(err)
			}
			select {
			case <-time.After(statusErr.RetryAfter):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("retrying provider request")
	}

	err := backoff.RetryNotify(operation, policy, notify)
	var statusErr *StatusError
	if err != nil && errors.As(err, &statusErr) && last != nil {
		return last, nil
	}
	if err != nil {
		if last != nil {
			discard(last)
		}
		return nil, err
	}
	return last, nil
}

func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	clone := req.Clone(ctx)
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, errors.New("request body cannot be replayed")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		clone.Body = body
	}
	return c.http.Do(clone)
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// retryAfter parses a delay-seconds Retry-After header. HTTP-date values are ignored.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func discard(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrain)
	_ = resp.Body.Close()
}
