// Package retry runs an operation with a per-attempt timeout and a bounded
// number of exponential-backoff retries.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds one remote call.
type Policy struct {
	// Retries is the number of attempts after the first.
	Retries int
	// Timeout applies to each attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
}

// DefaultPolicy is two retries with a ten second attempt timeout.
var DefaultPolicy = Policy{Retries: 2, Timeout: 10 * time.Second, InitialInterval: 200 * time.Millisecond}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a Permanent error, the retries are
// used up, or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultPolicy.InitialInterval
	}
	if p.Retries < 0 {
		p.Retries = 0
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = 5 * p.InitialInterval
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Retries)), ctx)

	err := backoff.Retry(func() error {
		attemptCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		return fn(attemptCtx)
	}, b)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
