package repo

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig tunes the bounded exponential backoff used for transient
// store failures.
type RetryConfig struct {
	MaxAttempts    int           // attempts including the first; min 1
	InitialBackoff time.Duration // wait before the first retry
	MaxBackoff     time.Duration // cap on the backoff
	JitterFactor   float64       // 0–1 fraction of the backoff added as jitter
}

// DefaultRetryConfig returns the production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFactor:   0.2,
	}
}

// retry runs fn with exponential backoff. NotFound is never retried: a
// missing record will not appear by waiting. Context cancellation aborts
// between attempts.
func retry(ctx context.Context, conf RetryConfig, fn func() error) error {
	attempts := conf.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := conf.InitialBackoff

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		wait := backoff
		if conf.JitterFactor > 0 {
			wait += time.Duration(rand.Float64() * conf.JitterFactor * float64(backoff))
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if conf.MaxBackoff > 0 && backoff > conf.MaxBackoff {
			backoff = conf.MaxBackoff
		}
	}
	return err
}
