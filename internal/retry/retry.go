// Package retry runs remote operations with bounded exponential backoff.
//
// Delays grow geometrically with no jitter: InitialDelay, InitialDelay*Factor,
// ... each capped at MaxDelay. Only failures whose message contains one of the
// RetryableErrors patterns (case-insensitive) are retried; anything else fails
// after the first attempt.
package retry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultRetryableErrors are the message fragments treated as transient.
var DefaultRetryableErrors = []string{
	"Failed to fetch",
	"NetworkError",
	"timeout",
	"network request failed",
	"socket hang up",
	"Database connection error",
	"connection refused",
	"connection reset",
	"EOF",
	"database is locked",
}

// Options configures Do. Zero fields take their defaults.
type Options struct {
	// MaxAttempts is the total number of attempts, including the first (default: 3)
	MaxAttempts int

	// InitialDelay is the pause after the first failure (default: 1s)
	InitialDelay time.Duration

	// MaxDelay caps any single pause (default: 10s)
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after every pause (default: 2)
	BackoffFactor float64

	// RetryableErrors are substring patterns matched against the lower-cased
	// error message (default: DefaultRetryableErrors)
	RetryableErrors []string

	// Sleep pauses between attempts. Tests replace it to observe delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns the defaults used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		MaxDelay:        10 * time.Second,
		BackoffFactor:   2,
		RetryableErrors: DefaultRetryableErrors,
		Sleep:           sleep,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxAttempts < 1 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = def.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.BackoffFactor <= 0 {
		o.BackoffFactor = def.BackoffFactor
	}
	if o.RetryableErrors == nil {
		o.RetryableErrors = def.RetryableErrors
	}
	if o.Sleep == nil {
		o.Sleep = def.Sleep
	}
	return o
}

// Error is returned once Do gives up. It carries the last failure and the
// number of attempts made.
type Error struct {
	Cause    error
	Attempts int
}

func (e *Error) Error() string {
	return fmt.Sprintf("operation failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Do calls op until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. Every failure is returned as *Error.
//
// The pause between attempts blocks only the calling goroutine and ends early
// if ctx is cancelled; in that case the context error is the cause.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	opts = opts.withDefaults()
	delay := opts.InitialDelay

	var zero T
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if !opts.retryable(err) || attempt >= opts.MaxAttempts {
			return zero, &Error{Cause: err, Attempts: attempt}
		}

		if err := opts.Sleep(ctx, min(delay, opts.MaxDelay)); err != nil {
			return zero, &Error{Cause: err, Attempts: attempt}
		}
		delay = time.Duration(float64(delay) * opts.BackoffFactor)
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, op func(ctx context.Context) error, opts Options) error {
	_, err := Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
	return err
}

// IsRetryable reports whether err matches one of the configured patterns.
func (o Options) IsRetryable(err error) bool {
	return o.withDefaults().retryable(err)
}

func (o Options) retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range o.RetryableErrors {
		if pattern != "" && strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
