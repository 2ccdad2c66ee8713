package store

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/livetemplate/kbase"
	"go.uber.org/zap"
)

// RetryConfig controls how the HTTP client retries idempotent reads.
type RetryConfig struct {
	MaxRetries int           // Retries after the first attempt (default: 2)
	BaseDelay  time.Duration // Delay before the first retry (default: 100ms)
	MaxDelay   time.Duration // Upper bound on any delay (default: 2s)
	Multiplier float64       // Exponential backoff factor (default: 2.0)
}

// DefaultRetryConfig returns the client's default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2.0,
	}
}

// withRetry runs fn until it succeeds, fails with a non-retryable error,
// or runs out of attempts.
func withRetry[T any](ctx context.Context, op string, cfg RetryConfig, logger *zap.Logger, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Debug("request succeeded after retry", zap.String("op", op), zap.Int("attempt", attempt+1))
			}
			return result, nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return zero, err
		}

		if attempt < cfg.MaxRetries {
			delay := retryDelay(attempt, cfg)
			logger.Warn("request failed, retrying",
				zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}
	return zero, lastErr
}

// shouldRetry retries only transport failures: no response at all, or a 5xx/429.
func shouldRetry(err error) bool {
	var terr *kbase.TransportError
	if !errors.As(err, &terr) {
		return false
	}
	if terr.Status == 0 {
		if errors.Is(terr.Err, ErrCircuitOpen) {
			return false
		}
		return !errors.Is(terr.Err, context.Canceled) && !errors.Is(terr.Err, context.DeadlineExceeded)
	}
	return terr.Status >= 500 || terr.Status == http.StatusTooManyRequests
}

// retryDelay is exponential backoff with +/-20% jitter.
func retryDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(delay * jitter)
}
