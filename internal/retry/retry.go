// Package retry runs best-effort operations with linear backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Permanent marks an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Stop wraps err so Linear returns it immediately.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Linear calls fn up to attempts times. After the n-th failure it waits
// delay*n before trying again; there is no wait after the last attempt.
// onRetry, when set, sees every failed attempt that will be retried.
func Linear(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		last = err
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if err := Sleep(ctx, delay*time.Duration(attempt)); err != nil {
			return fmt.Errorf("%w (last error: %v)", err, last)
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, last)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
