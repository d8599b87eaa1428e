// Package retry runs flaky operations under a bounded attempt policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quill/internal/config"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int
	// Delay is the wait after a failed attempt.
	Delay time.Duration
	// Linear multiplies Delay by the number of the attempt that just failed.
	Linear bool
	// Label names the operation in attempt logs.
	Label string
}

// FromConfig builds a policy from the retry section of the configuration.
func FromConfig(cfg config.RetryConfig, label string) Policy {
	return Policy{MaxAttempts: cfg.MaxAttempts, Delay: cfg.Delay, Linear: cfg.Linear, Label: label}
}

// Validate reports whether the policy can be executed.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy %q: max attempts must be at least 1, got %d", p.Label, p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("retry policy %q: delay must not be negative", p.Label)
	}
	return nil
}

// stepBackOff yields Delay, or Delay*n for the n-th failure when linear.
type stepBackOff struct {
	delay  time.Duration
	linear bool
	n      int
}

func (b *stepBackOff) NextBackOff() time.Duration {
	b.n++
	if b.linear {
		return b.delay * time.Duration(b.n)
	}
	return b.delay
}

func (b *stepBackOff) Reset() { b.n = 0 }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do invokes op until it succeeds, returns a permanent error, or the policy
// runs out of attempts. On exhaustion the error of the last attempt is
// returned as is. Cancelling ctx ends the loop with the context error.
func Do[T any](ctx context.Context, logger *zap.Logger, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		result  T
		attempt int
	)
	operation := func() error {
		attempt++
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Attempt failed, retrying",
			zap.String("label", p.Label),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	var b backoff.BackOff = &stepBackOff{delay: p.Delay, linear: p.Linear}
	b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if attempt >= p.MaxAttempts {
			logger.Warn("Attempts exhausted",
				zap.String("label", p.Label),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
		}
		return zero, err
	}
	return result, nil
}
