// Package retry wraps external calls in a bounded exponential-backoff retry loop.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Policy bounds how often and how long a call is retried
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	WaitMin     time.Duration
	WaitMax     time.Duration
}

// DefaultPolicy returns the policy used by the source clients
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		WaitMin:     500 * time.Millisecond,
		WaitMax:     3 * time.Second,
	}
}

// ErrExhausted wraps the last error once the attempt budget is spent
var ErrExhausted = errors.New("retry budget exhausted")

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a permanent error, the context ends, or
// MaxAttempts is reached.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for calls that return a value
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	if p.WaitMin > 0 {
		eb.InitialInterval = p.WaitMin
	}
	if p.WaitMax > 0 {
		eb.MaxInterval = p.WaitMax
	}
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	attempt := 0
	var last error
	val, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := fn(ctx)
		last = err
		return v, err
	}, b, func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"wait":    wait,
		}).Debugf("Retrying after error: %v", err)
	})
	if err == nil {
		return val, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return val, perm.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && last == nil {
		return val, ctxErr
	}
	if attempt >= p.MaxAttempts {
		return val, errors.Join(ErrExhausted, err)
	}
	return val, err
}
