package bcs

import (
	"context"
	stderrs "errors"
	"time"

	"github.com/pkg/errors"
)

// RetryPolicy governs how remote stores retry transient failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	// Values below 1 mean 1.
	MaxAttempts int

	// BaseDelay is the wait after the first failure.
	BaseDelay time.Duration

	// Multiplier scales the delay after each further failure.
	// Values below 1 mean 1.
	Multiplier float64

	// MaxDelay caps the delay between attempts. Zero means no cap.
	MaxDelay time.Duration

	// Retryable classifies errors.
	// Only errors for which it returns true are retried.
	// If nil, IsTransient is used.
	Retryable func(error) bool
}

// DefaultRetryPolicy is the policy remote stores use when none is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   100 * time.Millisecond,
	Multiplier:  2,
	MaxDelay:    5 * time.Second,
}

// WithClassifier returns a copy of p using f to classify errors.
func (p RetryPolicy) WithClassifier(f func(error) bool) RetryPolicy {
	p.Retryable = f
	return p
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransient(err)
}

// Delay is the wait before attempt number n+1, after n failures (n >= 1).
func (p RetryPolicy) Delay(n int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do calls op until it succeeds,
// fails with an error the policy does not consider retryable,
// runs out of attempts,
// or ctx is done.
//
// Running out of attempts produces an error matching ErrBackendUnavailable
// and wrapping the last failure.
// Expiry of ctx's deadline produces an error matching ErrTimeout.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for n := 1; ; n++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return CtxErr(ctx, err)
		}
		if !p.retryable(err) {
			return err
		}
		if n >= attempts {
			break
		}

		timer := time.NewTimer(p.Delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return CtxErr(ctx, err)
		case <-timer.C:
		}
	}

	if stderrs.Is(err, ErrBackendUnavailable) {
		return err
	}
	return &Error{Op: "retry", Kind: ErrBackendUnavailable, Err: errors.Wrapf(err, "after %d attempts", attempts)}
}
