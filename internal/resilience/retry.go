package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig shapes how intake retries store and CRM calls: a bounded
// attempt budget with exponential backoff and jitter between attempts.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget including the first call.
	// 1 means no retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the sleep before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the sleep between attempts. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier grows the backoff after each failed attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction spreads the sleep by up to this fraction either way,
	// so parallel workers retrying the same outage do not stampede.
	// Default: 0.25.
	JitterFraction float64

	// ShouldRetry decides which errors spend an attempt. Nil means
	// IsTransient; intake callers usually want IsRetryable so version
	// conflicts fail fast to the re-resolve path.
	ShouldRetry func(err error) bool

	// OnRetry fires before each sleep with the attempt just failed.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the budget used for CRM calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	return c
}

// retryOn resolves the predicate deciding which errors spend an attempt.
func (c RetryConfig) retryOn() func(error) bool {
	if c.ShouldRetry != nil {
		return c.ShouldRetry
	}
	return IsTransient
}

// backoff computes the sleep after the given zero-based failed attempt.
func (c RetryConfig) backoff(attempt int) time.Duration {
	delay := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxBackoff) {
		delay = float64(c.MaxBackoff)
	}
	if c.JitterFraction > 0 {
		spread := delay * c.JitterFraction
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do runs op until it succeeds, the attempt budget is spent, the error
// is not retryable, or ctx ends. The last error is returned as-is so
// callers can still unwrap it.
func Do(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoVal is Do for operations that produce a value, preserving the value
// from the attempt that succeeded.
func DoVal[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	retryable := cfg.retryOn()

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !retryable(err) || attempt >= cfg.MaxAttempts {
			return zero, err
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		timer := time.NewTimer(cfg.backoff(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

// RetryLogger returns an OnRetry callback that logs each spent attempt.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
