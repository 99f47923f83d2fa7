// Package retrylimit provides adaptive rate limiting and retry with backoff
// for HTTP clients of local services.
//
// Example usage:
//
//	lim := retrylimit.NewAdaptiveLimiter(5, 1, 20, 1, 0.5)
//	err := retrylimit.WithRetryMax(ctx, func() error {
//	    return doSomeWork()
//	}, lim, 3)
package retrylimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// =============================================================================
// Limiter
// =============================================================================

// AdaptiveLimiter is a rate limit that grows on success and shrinks on
// overload responses. Safe for concurrent use.
type AdaptiveLimiter struct {
	mu        sync.RWMutex
	limiter   *rate.Limiter
	minLimit  rate.Limit
	maxLimit  rate.Limit
	stepUp    rate.Limit
	stepDown  float64
	lastError time.Time
	now       func() time.Time
}

// NewAdaptiveLimiter creates an AdaptiveLimiter.
//
// Parameters:
//   - initial: starting requests per second
//   - min: minimum allowed rate
//   - max: maximum allowed rate
//   - stepUp: increment on success
//   - stepDown: multiplier applied on failure (e.g., 0.5 to halve)
func NewAdaptiveLimiter(initial, min, max rate.Limit, stepUp rate.Limit, stepDown float64) *AdaptiveLimiter {
	if initial < 1 {
		initial = 1
	}
	if min < 1 {
		min = 1
	}
	return &AdaptiveLimiter{
		limiter:  rate.NewLimiter(initial, burstFor(initial)),
		minLimit: min,
		maxLimit: max,
		stepUp:   stepUp,
		stepDown: stepDown,
		now:      time.Now,
	}
}

// Wait blocks until a token is available or the context is canceled.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// Success increases the rate unless an overload was seen recently.
func (a *AdaptiveLimiter) Success() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.now().Sub(a.lastError) > 10*time.Second {
		a.adjustLimit(a.limiter.Limit() + a.stepUp)
	}
}

// RateLimited reduces the rate after an overload response.
func (a *AdaptiveLimiter) RateLimited() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastError = a.now()
	a.adjustLimit(rate.Limit(float64(a.limiter.Limit()) * a.stepDown))
}

// CurrentLimit returns the current requests per second.
func (a *AdaptiveLimiter) CurrentLimit() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return float64(a.limiter.Limit())
}

func (a *AdaptiveLimiter) adjustLimit(newLimit rate.Limit) {
	newLimit = max(a.minLimit, min(a.maxLimit, newLimit))
	if newLimit != a.limiter.Limit() {
		a.limiter.SetLimit(newLimit)
		a.limiter.SetBurst(burstFor(newLimit))
	}
}

func burstFor(l rate.Limit) int {
	return max(1, int(l))
}

// =============================================================================
// Errors
// =============================================================================

// HTTPError is implemented by errors that carry an HTTP status code.
type HTTPError interface {
	error
	StatusCode() int
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

// FatalError wraps errors that should stop retries immediately.
type FatalError struct {
	Err error
}

func (f *FatalError) Error() string { return f.Err.Error() }
func (f *FatalError) Unwrap() error { return f.Err }

// Fatal marks err as not retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// ErrorClassifier reports whether err should slow the limiter down.
type ErrorClassifier func(error) bool

// DefaultClassifier slows down on 429 and 5xx responses.
func DefaultClassifier(err error) bool {
	return isRateLimitError(err) || isServerError(err)
}

// =============================================================================
// Retry
// =============================================================================

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts     int           // Maximum number of attempts (0 = capped at 100)
	InitialDelay    time.Duration // Initial delay between retries
	MaxDelay        time.Duration // Maximum delay between retries
	RateLimitDelay  time.Duration // Fixed delay for rate limit errors
	Multiplier      float64       // Delay multiplier for exponential backoff
	Jitter          bool          // Add random jitter to spread retries
	ErrorClassifier ErrorClassifier
	OnRetry         func(attempt int, err error)
	Logger          zerolog.Logger
}

// DefaultRetryConfig returns the default configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     100,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		RateLimitDelay:  100 * time.Millisecond,
		Multiplier:      2.0,
		Jitter:          true,
		ErrorClassifier: DefaultClassifier,
		Logger:          zerolog.Nop(),
	}
}

// WithRetryMax executes fn with exponential backoff up to maxAttempts times.
func WithRetryMax(ctx context.Context, fn func() error, lim *AdaptiveLimiter, maxAttempts int, log zerolog.Logger) error {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.Logger = log
	return WithRetryConfig(ctx, fn, lim, cfg)
}

// WithRetryConfig executes fn until it succeeds, returns a FatalError, the
// context ends or the attempts run out. The last error is returned wrapped.
func WithRetryConfig(ctx context.Context, fn func() error, lim *AdaptiveLimiter, cfg RetryConfig) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 100
	}
	if cfg.ErrorClassifier == nil {
		cfg.ErrorClassifier = DefaultClassifier
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			if lim != nil {
				lim.Success()
			}
			if attempt > 1 {
				cfg.Logger.Debug().Int("attempt", attempt).Msg("retry succeeded")
			}
			return nil
		}
		lastErr = err

		var fatal *FatalError
		if errors.As(err, &fatal) {
			return fatal.Err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		if isRateLimitError(err) {
			if lim != nil {
				lim.RateLimited()
			}
			cfg.Logger.Warn().Err(err).Int("attempt", attempt).Msg("rate limited, retrying")
			if err := sleep(ctx, cfg.RateLimitDelay); err != nil {
				return err
			}
			continue
		}

		if cfg.ErrorClassifier(err) && lim != nil {
			lim.RateLimited()
		}

		next := delay
		if cfg.Jitter {
			next = addJitter(delay)
		}
		cfg.Logger.Warn().Err(err).Int("attempt", attempt).Dur("sleep", next).Msg("request failed, retrying")
		if err := sleep(ctx, next); err != nil {
			return err
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// =============================================================================
// Helper functions
// =============================================================================

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// addJitter adds up to 25% random jitter to delay.
func addJitter(delay time.Duration) time.Duration {
	if delay < 4 {
		return delay
	}
	return delay + rand.N(delay/4)
}

func isRateLimitError(err error) bool {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode() == http.StatusTooManyRequests
	}
	return false
}

func isServerError(err error) bool {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		code := httpErr.StatusCode()
		return code >= 500 && code < 600
	}
	return false
}
