// AngelaMos | 2026
// retry.go

package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

const (
	jitterMin  = 0.8
	jitterSpan = 0.4
)

type Options struct {
	// MaxRetries caps the total number of attempts, the first one included.
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}
}

type (
	SleepFunc    func(ctx context.Context, d time.Duration) error
	ObserverFunc func(op string, kind Kind)
)

// Policy executes operations with exponential backoff, retrying only
// failures whose Kind is retryable.
type Policy struct {
	opts     Options
	logger   *slog.Logger
	sleep    SleepFunc
	random   func() float64
	classify func(error) Kind
	observe  ObserverFunc
}

type Option func(*Policy)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) { p.logger = logger }
}

func WithSleep(sleep SleepFunc) Option {
	return func(p *Policy) { p.sleep = sleep }
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(p *Policy) { p.random = fn }
}

func WithClassifier(fn func(error) Kind) Option {
	return func(p *Policy) { p.classify = fn }
}

// WithObserver registers a callback invoked once per scheduled retry.
func WithObserver(fn ObserverFunc) Option {
	return func(p *Policy) { p.observe = fn }
}

func New(opts Options, options ...Option) *Policy {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = 1
	}

	p := &Policy{
		opts:     opts,
		logger:   slog.Default(),
		sleep:    sleepContext,
		random:   rand.Float64,
		classify: Classify,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

func (p *Policy) Options() Options {
	return p.opts
}

// Backoff returns the un-jittered delay that precedes retry number attempt
// (1-based), capped at MaxDelay.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.opts.InitialDelay) *
		math.Pow(p.opts.BackoffFactor, float64(attempt-1))

	if p.opts.MaxDelay > 0 && delay > float64(p.opts.MaxDelay) {
		return p.opts.MaxDelay
	}
	return time.Duration(delay)
}

// Delay is Backoff scaled by a jitter factor in [0.8, 1.2).
func (p *Policy) Delay(attempt int) time.Duration {
	factor := jitterMin + jitterSpan*p.random()
	return time.Duration(float64(p.Backoff(attempt)) * factor)
}

// Do runs fn until it succeeds, returns a terminal error, or exhausts
// MaxRetries attempts. Failures come back as *Error carrying the final
// classification and the underlying cause.
func Do[T any](
	ctx context.Context,
	p *Policy,
	op string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		kind := p.classify(err)
		if !kind.Retryable() || attempt >= p.opts.MaxRetries {
			return zero, &Error{Op: op, Kind: kind, Attempts: attempt, Err: err}
		}

		delay := p.Delay(attempt)
		p.logger.WarnContext(ctx, "retrying operation",
			"op", op,
			"attempt", attempt,
			"kind", kind.String(),
			"delay", delay,
			"error", err,
		)
		if p.observe != nil {
			p.observe(op, kind)
		}

		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return zero, &Error{
				Op:       op,
				Kind:     kind,
				Attempts: attempt,
				Err:      errors.Join(err, sleepErr),
			}
		}
	}
}

// Run is Do for operations without a result.
func (p *Policy) Run(
	ctx context.Context,
	op string,
	fn func(ctx context.Context) error,
) error {
	_, err := Do(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Error is the failure surfaced once the policy stops retrying.
type Error struct {
	Op       string
	Kind     Kind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf(
		"%s: %s error after %d attempt(s): %v",
		e.Op,
		e.Kind,
		e.Attempts,
		e.Err,
	)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) RetryKind() Kind {
	return e.Kind
}
