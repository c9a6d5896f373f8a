// Package retry runs idempotent operations under a fixed backoff schedule.
package retry

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("retry")

// DefaultSchedule is the wait before each retry. Its length is the number of
// retries after the first attempt.
var DefaultSchedule = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

type config struct {
	schedule []time.Duration
}

type Option func(*config)

func WithSchedule(schedule ...time.Duration) Option {
	return func(c *config) {
		c.schedule = schedule
	}
}

// Do runs op and retries it after each delay in the schedule while it fails
// with a transient error and ctx is live. The last failure is returned
// unchanged.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	cfg := config{schedule: DefaultSchedule}
	for _, opt := range opts {
		opt(&cfg)
	}

	res, err := op(ctx)
	for attempt := 0; err != nil && attempt < len(cfg.schedule); attempt++ {
		if ctx.Err() != nil || !IsTransient(err) {
			break
		}

		delay := cfg.schedule[attempt]
		log.Debugf("Attempt %d failed, retrying in %s: %v", attempt+1, delay, err)

		if !sleep(ctx, delay) {
			break
		}

		res, err = op(ctx)
	}

	var p *permanentError
	if errors.As(err, &p) {
		err = p.err
	}

	return res, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	_, err := Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string {
	return p.err.Error()
}

func (p *permanentError) Unwrap() error {
	return p.err
}

// Permanent marks err as one that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether err may go away on retry. Errors carrying a
// Transient() method decide for themselves. Permanent errors and
// cancellation never retry. An attempt that ran out of time does, since Do
// stops on its own once the caller's context is done.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var p *permanentError
	if errors.As(err, &p) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}

	return true
}
