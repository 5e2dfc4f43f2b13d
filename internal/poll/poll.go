// Package poll provides a bounded retry loop with a fixed interval.
package poll

import (
	"context"
	"time"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"github.com/jonboulle/clockwork"
)

// ErrExhausted is returned when the condition never held within the bound.
const ErrExhausted = errors.ErrorCode("poll_attempts_exhausted")

// Options bounds a poll loop. The condition is checked once up front and
// then again after each of Attempts waits of Interval.
type Options struct {
	Attempts int
	Interval time.Duration
}

// Condition reports whether polling can stop.
type Condition func(ctx context.Context) bool

// Until checks cond until it returns true, the attempts are exhausted, or
// ctx is done. Waits happen on clock so tests can drive them.
func Until(ctx context.Context, clock clockwork.Clock, opts Options, cond Condition) error {
	errFactory := errors.New()

	for attempt := 0; ; attempt++ {
		if cond(ctx) {
			return nil
		}

		if attempt >= opts.Attempts {
			return errFactory.WithData(ErrExhausted, struct {
				Attempts int
				Interval time.Duration
			}{
				Attempts: opts.Attempts,
				Interval: opts.Interval,
			})
		}

		if err := Sleep(ctx, clock, opts.Interval); err != nil {
			return err
		}
	}
}

// Sleep blocks for d on clock or until ctx is done.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return errors.New().Wrap(errors.ErrTimeout, err)
		}

		return nil
	}

	select {
	case <-ctx.Done():
		return errors.New().Wrap(errors.ErrTimeout, ctx.Err())
	case <-clock.After(d):
		return nil
	}
}
