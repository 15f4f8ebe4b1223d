package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/delaywatch/delaywatch/internal/api/models"
)

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	RequestLimit int
	WindowLength time.Duration
}

// Default rate limit configurations.
var (
	// CheckRateLimit applies to endpoints that call traffic providers (30 req/min).
	CheckRateLimit = RateLimitConfig{
		RequestLimit: 30,
		WindowLength: time.Minute,
	}

	// SweepRateLimit applies to the manual sweep trigger (2 req/min).
	SweepRateLimit = RateLimitConfig{
		RequestLimit: 2,
		WindowLength: time.Minute,
	}

	// StandardRateLimit applies to everything else (100 req/min).
	StandardRateLimit = RateLimitConfig{
		RequestLimit: 100,
		WindowLength: time.Minute,
	}
)

// RateLimitByIP limits requests per client IP (as set by chi's RealIP).
func RateLimitByIP(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowLength,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(rateLimitExceeded(cfg)),
	)
}

// RateLimitByOperator limits requests per authenticated operator, falling back to IP.
func RateLimitByOperator(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowLength,
		httprate.WithKeyFuncs(keyByOperatorOrIP),
		httprate.WithLimitHandler(rateLimitExceeded(cfg)),
	)
}

func keyByOperatorOrIP(r *http.Request) (string, error) {
	if op := GetOperator(r.Context()); op != "" {
		return "operator:" + op, nil
	}
	return httprate.KeyByRealIP(r)
}

func rateLimitExceeded(cfg RateLimitConfig) http.HandlerFunc {
	retryAfter := strconv.Itoa(int(cfg.WindowLength.Seconds()))
	return func(w http.ResponseWriter, r *http.Request) {
		problem := models.NewTooManyRequests(GetRequestID(r.Context()), "rate limit exceeded, retry later")
		problem.Instance = r.URL.Path
		// httprate does not expose the window reset, so the full window is a safe bound.
		w.Header().Set("Retry-After", retryAfter)
		problem.Write(w)
	}
}
