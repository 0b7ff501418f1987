package client

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// RetryPolicy controls how failed calls are retried
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         float64
}

// DefaultRetryPolicy returns a sensible default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  1.5,
		Jitter:         0.2,
	}
}

// IsRetryableError reports whether err is a transient transport failure.
// Failures reported by the node itself are never retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return true
	default:
		return false
	}
}

// RetryWithBackoff executes fn with exponential backoff and jitter until it
// succeeds, returns a non-retryable error, or the policy is exhausted.
func RetryWithBackoff(ctx context.Context, policy RetryPolicy, fn RetryableFunc) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		if !IsRetryableError(err) {
			return err
		}

		if attempt >= policy.MaxRetries {
			return err
		}

		// Add jitter to prevent thundering herd
		sleepTime := backoff
		if policy.Jitter > 0 {
			sleepTime += time.Duration(rand.Float64() * float64(backoff) * policy.Jitter)
		}
		if sleepTime > policy.MaxBackoff {
			sleepTime = policy.MaxBackoff
		}

		timer := time.NewTimer(sleepTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * policy.BackoffFactor)
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	return err
}
