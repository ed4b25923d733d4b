package stratus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultMaxAttempts is the number of tries before a transport failure
	// becomes terminal.
	DefaultMaxAttempts = 3

	// DefaultAttemptTimeout bounds a single HTTP attempt.
	DefaultAttemptTimeout = 30 * time.Second

	// backoffUnit is multiplied by the attempt number: 1s after the first
	// failure, 2s after the second, and so on.
	backoffUnit = time.Second
)

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TransportError is returned once every attempt failed at the transport
// level. Err is the last real error observed.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// permanentError marks a failure that another attempt cannot fix. retry
// returns the wrapped error as-is, without a TransportError around it.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// retry calls fn up to maxAttempts times with linear backoff between
// attempts. fn receives the 1-based attempt number. It returns nil on the
// first success, the unwrapped error of a permanent failure, or a
// *TransportError carrying the last failure.
func retry(ctx context.Context, maxAttempts int, sleep sleepFunc, fn func(attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return retryCancelled(err, lastErr)
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt < maxAttempts {
			if err := sleep(ctx, backoffDelay(attempt)); err != nil {
				return retryCancelled(err, lastErr)
			}
		}
	}
	return &TransportError{Attempts: maxAttempts, Err: lastErr}
}

// backoffDelay is the wait after the given 1-based attempt.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(attempt) * backoffUnit
}

func retryCancelled(ctxErr, lastErr error) error {
	if lastErr == nil {
		return fmt.Errorf("retry cancelled: %w", ctxErr)
	}
	return fmt.Errorf("retry cancelled after %v: %w", lastErr, ctxErr)
}
