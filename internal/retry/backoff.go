// Package retry provides exponential backoff retry logic with jitter.
//
// Remote provider calls are retried only while the error is transient:
//
//	err := retry.Do(ctx, cfg, func() error {
//		return provider.Trash(ctx, id)
//	}, providers.Retryable)
//
// With jitter enabled the actual delay is baseDelay * (0.5 + random(0, 0.5)).
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
	// OnRetry is called before each delayed retry. Optional.
	OnRetry func(attempt int, err error)
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// Delay returns the wait before retry number attempt (1-based)
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialInterval
	}
	mult := c.Multiplier
	if mult <= 1 {
		mult = 2
	}

	interval := float64(c.InitialInterval) * math.Pow(mult, float64(attempt-1))
	if c.MaxInterval > 0 && interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}

	d := time.Duration(interval)
	if c.Jitter && d > 1 {
		d = d/2 + time.Duration(rand.Int64N(int64(d/2)))
	}
	return d
}

// Do runs fn until it succeeds, returns an error shouldRetry rejects, or
// MaxRetries retries are exhausted. A nil shouldRetry retries every error.
// The last error is returned wrapped; errors.Is still sees its cause.
func Do(ctx context.Context, cfg BackoffConfig, fn func() error, shouldRetry func(error) bool) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(cfg.Delay(attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}
