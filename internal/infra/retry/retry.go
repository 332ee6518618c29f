// Package retry provides the shared retry-transient-operation utility used by every venue call site.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/bastion/errs"
)

const (
	// DefaultAttempts bounds the number of tries for a transient failure.
	DefaultAttempts = 3
	// DefaultBaseDelay is the linear backoff step.
	DefaultBaseDelay = 500 * time.Millisecond
)

// Policy configures how transient failures are retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Classify reports whether an error is worth retrying. Defaults to errs.IsTransient.
	Classify func(error) bool
	// OnRetry is invoked before each wait with the failed attempt number.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy returns the linear three-attempt policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultAttempts,
		BaseDelay:   DefaultBaseDelay,
		Classify:    nil,
		OnRetry:     nil,
	}
}

func (p Policy) normalised() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Classify == nil {
		p.Classify = errs.IsTransient
	}
	return p
}

// LinearBackOff waits Base, 2*Base, 3*Base, ... between attempts.
type LinearBackOff struct {
	Base time.Duration
	n    int
}

// NextBackOff implements backoff.BackOff.
func (b *LinearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.Base
}

// Reset implements backoff.BackOff.
func (b *LinearBackOff) Reset() { b.n = 0 }

// Do runs op, retrying transient failures with linear backoff. Non-transient errors
// propagate immediately.
func Do[T any](ctx context.Context, policy Policy, op func(context.Context) (T, error)) (T, error) {
	p := policy.normalised()
	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		if !p.Classify(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(&LinearBackOff{Base: p.BaseDelay}),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			p.OnRetry(attempt, err, wait)
		}))
	}
	res, err := backoff.Retry(ctx, operation, opts...)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return res, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, policy Policy, op func(context.Context) error) error {
	_, err := Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

var errPending = errors.New("condition not yet satisfied")

// Poll evaluates check up to attempts times with linearly increasing delay and reports
// whether it was satisfied. Errors from check abort polling.
func Poll(ctx context.Context, attempts int, base time.Duration, check func(context.Context) (bool, error)) (bool, error) {
	policy := Policy{
		MaxAttempts: attempts,
		BaseDelay:   base,
		Classify:    func(err error) bool { return errors.Is(err, errPending) },
		OnRetry:     nil,
	}
	err := Run(ctx, policy, func(ctx context.Context) error {
		ok, err := check(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errPending
		}
		return nil
	})
	if errors.Is(err, errPending) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
