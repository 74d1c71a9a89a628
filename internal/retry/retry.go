package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy bounds how an outbound call is retried.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultPolicy retries three times, starting at 200ms and capping at 2s.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxRetries:      3,
	}
}

// NoRetry runs the operation exactly once.
func NoRetry() Policy {
	return Policy{}
}

// TransientError marks a failure that may succeed on a later attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so Do retries it. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err or anything it wraps was marked transient.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// RetryableStatus is true for 429 and every 5xx.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// IsNetworkError is true for transport failures, but not for a cancelled
// or expired caller context.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	if p.MaxRetries == 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
}

// Do runs op until it succeeds, returns a non-transient error, or the policy
// runs out. The last error is returned as is.
func Do(ctx context.Context, p Policy, name string, op func() error) error {
	_, err := DoValue(ctx, p, name, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, name string, op func() (T, error)) (T, error) {
	attempt := func() (T, error) {
		value, err := op()
		if err != nil && !IsTransient(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	}
	notify := func(err error, wait time.Duration) {
		zap.L().Warn("Retrying transient failure",
			zap.String("operation", name),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	return backoff.RetryNotifyWithData(attempt, p.backOff(ctx), notify)
}
