// Package retry runs an operation again, with exponential backoff, when the
// caller has decided the operation is safe to repeat.
//
// Nothing in drydock retries daemon calls implicitly; callers opt in per call:
//
//	err := retry.Do(ctx, retry.Policy{Attempts: 5, Delay: 200 * time.Millisecond}, func(attempt int) error {
//	    _, err := client.Inspect(ctx, handle)
//	    return err
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy controls how often and how patiently an operation is repeated.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	// Values below 1 mean a single call.
	Attempts int
	// Delay is the wait after the first failure. It doubles after every
	// further failure, capped at MaxDelay.
	Delay time.Duration
	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
	// Retryable reports whether err is worth another attempt.
	// When nil every error is retried.
	Retryable func(err error) bool
}

// Default is used for fields left at their zero value.
var Default = Policy{
	Attempts: 3,
	Delay:    250 * time.Millisecond,
	MaxDelay: 5 * time.Second,
}

// Do calls fn until it succeeds, the policy is exhausted, Retryable rejects
// the error, or ctx ends. fn receives the 1-based attempt number. The last
// error from fn is returned, joined with ctx.Err() when ctx ended first.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Delay <= 0 {
		p.Delay = Default.Delay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = Default.MaxDelay
	}

	delay := p.Delay
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(err, ctxErr)
		}

		if err = fn(attempt); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == p.Attempts {
			break
		}

		slog.Debug("retry: attempt failed",
			"attempt", attempt, "attempts", p.Attempts, "delay", delay, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
