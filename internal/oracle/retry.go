package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultAttempts bounds how many times a flaky oracle is asked before
// the caller's deterministic fallback takes over.
const defaultAttempts = 3

// Retrying wraps an Oracle with bounded exponential backoff.
type Retrying struct {
	inner    Oracle
	attempts uint64
	initial  time.Duration
}

// WithRetry wraps o with up to attempts tries. attempts <= 0 uses the
// default.
func WithRetry(o Oracle, attempts int) *Retrying {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	return &Retrying{inner: o, attempts: uint64(attempts), initial: 200 * time.Millisecond}
}

// Complete retries the inner oracle with exponential backoff and
// returns the last error when every attempt fails.
func (r *Retrying) Complete(ctx context.Context, p Prompt) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initial

	var answer string
	operation := func() error {
		var err error
		answer, err = r.inner.Complete(ctx, p)
		if errors.Is(err, ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, r.attempts-1), ctx))
	if err != nil {
		return "", fmt.Errorf("oracle failed after %d attempts: %w", r.attempts, err)
	}
	return answer, nil
}
