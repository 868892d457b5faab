package util

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, or the last error
// if all attempts fail. Errors wrapped with Permanent stop the retries. The
// function respects context cancellation between retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	builder := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && !IsPermanent(err)
		}).
		WithMaxAttempts(max(maxAttempts, 1)).
		ReturnLastFailure()
	if baseDelay > 0 {
		builder = builder.WithBackoff(baseDelay, 16*baseDelay)
	}

	return failsafe.With[any](builder.Build()).WithContext(ctx).Run(fn)
}

// Poll calls check every interval until it reports done, returns an error,
// or timeout elapses. On timeout it returns timeoutErr. The first check runs
// after one interval, giving the venue time to settle.
func Poll(ctx context.Context, interval, timeout time.Duration, timeoutErr error, check func(ctx context.Context) (bool, error)) error {
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Since(start) >= timeout {
			return timeoutErr
		}
	}
}
