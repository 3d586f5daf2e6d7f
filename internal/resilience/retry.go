// Package resilience provides retry with exponential backoff for connection
// setup. Per-utterance work is deliberately not retried; only establishing a
// transport (e.g. dialing the transcription worker) goes through here.
package resilience

import (
	"context"
	"strings"
	"time"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts       int           // total attempts, including the first
	InitialBackoff    time.Duration // backoff before the second attempt
	MaxBackoff        time.Duration // backoff cap
	BackoffMultiplier float64       // exponential growth factor
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Retry executes fn until it succeeds, attempts are exhausted, or ctx is
// cancelled. isRetryable, when non-nil, short-circuits on permanent errors.
func Retry(ctx context.Context, fn RetryableFunc, config *RetryConfig, isRetryable func(error) bool) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		sleep := backoff
		if sleep > config.MaxBackoff {
			sleep = config.MaxBackoff
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// IsRetryableNetworkError reports whether an error looks like a transient
// network failure worth another connection attempt
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"network is unreachable",
		"no route to host",
		"timeout",
		"i/o timeout",
		"deadline exceeded",
		"temporary failure",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
