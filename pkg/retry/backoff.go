// Package retry provides exponential backoff with jitter for transient
// failures: ARI websocket reconnects and archive uploads.
//
//	err := retry.WithRetry(ctx, func() error {
//		return store.Put(ctx, key, data)
//	}, retry.DefaultBackoffConfig())
//
// Returning retry.Stop(err) from the function ends the loop immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int // Negative retries forever
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// Delay returns the wait before the given attempt (attempt 1 is the first retry).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialInterval
	}
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	interval := float64(c.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
	if c.MaxInterval > 0 && interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}

	d := time.Duration(interval)
	if c.Jitter && d > 1 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
	}
	return d
}

// Backoff tracks consecutive failures of a long-running loop.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.cfg.Delay(b.attempt)
}

// Reset is called after a successful attempt.
func (b *Backoff) Reset() {
	b.attempt = 0
}

func (b *Backoff) Attempts() int {
	return b.attempt
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetry calls fn until it succeeds, returns a StopError, the retries are
// exhausted or ctx is done.
func WithRetry(ctx context.Context, fn func() error, cfg BackoffConfig) error {
	var lastErr error
	attempt := 0
	for {
		if attempt > 0 {
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
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err

		if cfg.MaxRetries >= 0 && attempt >= cfg.MaxRetries {
			return fmt.Errorf("operation failed after %d attempts: %w", attempt+1, lastErr)
		}
		attempt++
	}
}
