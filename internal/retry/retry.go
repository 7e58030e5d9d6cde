// Package retry runs Runtime-backed operations under the failure taxonomy:
// Recoverable failures are retried with exponential backoff and jitter up to
// a bounded attempt count, Fatal failures return immediately.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wkaandemir/branch-nexus/internal/errors"
)

// Policy bounds the retries of one operation.
type Policy struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	// Jitter is the randomization factor applied to each interval, in [0,1).
	Jitter float64 `mapstructure:"jitter"`
}

// DefaultPolicy returns three attempts starting at 500ms and doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		Multiplier:     2.0,
		MaxBackoff:     10 * time.Second,
		Jitter:         0.2,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.Multiplier = p.Multiplier
	eb.MaxInterval = p.MaxBackoff
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()
	var b backoff.BackOff = &backoff.StopBackOff{}
	if p.MaxAttempts > 1 {
		b = backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Operation is one attempt of a retried call. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Notify is called after each failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, fails Fatally, or uses up p.MaxAttempts.
// Exhausting the attempts yields an errors.ExhaustedError wrapping the last
// failure. Cancellation of ctx stops further attempts.
func Do(ctx context.Context, name string, p Policy, op Operation) error {
	return DoNotify(ctx, name, p, op, nil)
}

// DoNotify is Do with a callback between attempts.
func DoNotify(ctx context.Context, name string, p Policy, op Operation, notify Notify) error {
	p = p.normalized()

	attempt := 0
	var last error
	wrapped := func() error {
		attempt++
		err := op(ctx, attempt)
		last = err
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !errors.IsRecoverable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}
	}

	err := backoff.RetryNotify(wrapped, p.backOff(ctx), onRetry)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return errors.Wrapf(ctx.Err(), "%s canceled after %d attempts", name, attempt)
	case errors.IsRecoverable(last):
		return errors.NewExhaustedError(name, attempt, last)
	default:
		return err
	}
}
