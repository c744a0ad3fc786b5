package httpnode

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// defaultMaxAttempts is the number of tries before retry gives up.
	defaultMaxAttempts = 3

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 5 * time.Second
)

// retryPolicy configures how adapter calls are retried.
type retryPolicy struct {
	attempts uint
	initial  time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{attempts: defaultMaxAttempts, initial: baseDelay}
}

// retry executes fn with exponential backoff and jitter until it succeeds,
// returns a [backoff.Permanent] error, or the attempts are exhausted.
func retry(ctx context.Context, p retryPolicy, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxInterval = maxDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.attempts),
	)
	if err != nil {
		return fmt.Errorf("after %d attempts: %w", p.attempts, err)
	}
	return nil
}
