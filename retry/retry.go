package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-instr/internal/pool"
)

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Func is one attempt. attempt is 1-based and timeout is the escalated I/O timeout for it.
type Func func(ctx context.Context, attempt int, timeout time.Duration) error

// Option customizes a Do call.
type Option interface {
	apply(*doConfig)
}

type optFunc func(*doConfig)

func (f optFunc) apply(c *doConfig) { f(c) }

type doConfig struct {
	onRetry func(attempt int, err error, delay time.Duration) error
	extra   func(err error, attempt int) bool
}

// OnRetry registers a hook run after failed attempt n and before the backoff wait.
// A non-nil error from the hook stops retrying and is returned.
func OnRetry(fn func(attempt int, err error, delay time.Duration) error) Option {
	return optFunc(func(c *doConfig) { c.onRetry = fn })
}

// RetryIf extends the policy classification: err from attempt n is also retried when
// fn returns true.
func RetryIf(fn func(err error, attempt int) bool) Option {
	return optFunc(func(c *doConfig) { c.extra = fn })
}

// Do runs fn until it succeeds, fails with a non-retryable error, or p.MaxAttempts
// attempts were made. It returns the number of attempts made.
func Do(ctx context.Context, p Policy, fn Func, opts ...Option) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var cfg doConfig
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return attempt - 1, errors.Join(err, last)
			}

			return attempt - 1, err
		}

		last = fn(ctx, attempt, p.Timeout(attempt))
		if last == nil {
			return attempt, nil
		}

		if !p.IsRetryable(last) && (cfg.extra == nil || !cfg.extra(last, attempt)) {
			return attempt, last
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if cfg.onRetry != nil {
			if err := cfg.onRetry(attempt, last, delay); err != nil {
				return attempt, err
			}
		}

		if !pool.Sleep(delay, ctx.Done()) {
			return attempt, errors.Join(ctx.Err(), last)
		}
	}

	return p.MaxAttempts, &ExhaustedError{Attempts: p.MaxAttempts, Last: last}
}
