// Package retrier runs an operation with exponential backoff, jitter and an
// optionally growing per-attempt timeout.
package retrier

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	defaultInitialInterval = 1 * time.Second
	defaultMaxInterval     = 30 * time.Second
	defaultMultiplier      = 2.0
	defaultMaxRetries      = 5
	defaultJitter          = 0.1
)

// Retrier implements exponential backoff with jitter.
type Retrier struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
	maxRetries      int
	jitter          float64
	baseTimeout     time.Duration
	timeoutStep     time.Duration
}

// Option defines a function to configure the Retrier.
type Option func(*Retrier)

// WithInitialInterval sets the initial retry interval.
func WithInitialInterval(d time.Duration) Option {
	return func(r *Retrier) {
		r.initialInterval = d
	}
}

// WithMaxInterval sets the maximum retry interval.
func WithMaxInterval(d time.Duration) Option {
	return func(r *Retrier) {
		r.maxInterval = d
	}
}

// WithMultiplier sets the backoff multiplier.
func WithMultiplier(m float64) Option {
	return func(r *Retrier) {
		r.multiplier = m
	}
}

// WithMaxRetries sets the maximum number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(r *Retrier) {
		r.maxRetries = n
	}
}

// WithMaxAttempts sets the total number of attempts.
func WithMaxAttempts(n int) Option {
	return func(r *Retrier) {
		if n < 1 {
			n = 1
		}
		r.maxRetries = n - 1
	}
}

// WithJitter sets the jitter factor (0.0 to 1.0).
func WithJitter(j float64) Option {
	return func(r *Retrier) {
		r.jitter = j
	}
}

// WithAttemptTimeout bounds attempt n (1-based) by base + step*(n-1).
// A zero base disables per-attempt timeouts.
func WithAttemptTimeout(base, step time.Duration) Option {
	return func(r *Retrier) {
		r.baseTimeout = base
		r.timeoutStep = step
	}
}

// New creates a new Retrier with default values and optional overrides.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		multiplier:      defaultMultiplier,
		maxRetries:      defaultMaxRetries,
		jitter:          defaultJitter,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// MaxAttempts returns the total number of attempts Do will make.
func (r *Retrier) MaxAttempts() int {
	return r.maxRetries + 1
}

// AttemptTimeout returns the timeout of attempt n (1-based), zero when unbounded.
func (r *Retrier) AttemptTimeout(n int) time.Duration {
	if r.baseTimeout <= 0 {
		return 0
	}
	return r.baseTimeout + time.Duration(n-1)*r.timeoutStep
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do executes the given function with retries.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.DoAttempt(ctx, func(ctx context.Context, _ int) error {
		return fn(ctx)
	})
}

// DoAttempt is Do with the 1-based attempt number passed to fn.
func (r *Retrier) DoAttempt(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var err error
	interval := r.initialInterval

	for attempt := 1; attempt <= r.maxRetries+1; attempt++ {
		if attempt > 1 {
			jitter := (rand.Float64()*2 - 1) * r.jitter * float64(interval)
			sleepDuration := time.Duration(float64(interval) + jitter)

			if sleepDuration < 0 {
				sleepDuration = 0
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleepDuration):
			}

			interval = time.Duration(float64(interval) * r.multiplier)
			if interval > r.maxInterval {
				interval = r.maxInterval
			}
		}

		err = r.run(ctx, attempt, fn)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
	}

	return err
}

func (r *Retrier) run(ctx context.Context, attempt int, fn func(ctx context.Context, attempt int) error) error {
	timeout := r.AttemptTimeout(attempt)
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx, attempt)
}

// DoWithData executes the given function with retries and returns a value.
func DoWithData[T any](r *Retrier, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	})
	return result, err
}
