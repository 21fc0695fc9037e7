// Package retry is the attempt/backoff policy shared by the disconnect
// dispatcher and the notification engine.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backoff selects how the delay between attempts grows.
type Backoff string

const (
	BackoffConstant    Backoff = "constant"
	BackoffExponential Backoff = "exponential"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the wait after the first failed attempt.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// Backoff is constant or exponential (delay doubles each attempt).
	Backoff Backoff `yaml:"backoff"`

	// MaxDelay caps exponential growth. Zero means no cap.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Timeout bounds each individual attempt. Zero means no per-attempt timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultPolicy returns three attempts, exponential from one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Backoff:      BackoffExponential,
		MaxDelay:     30 * time.Second,
		Timeout:      10 * time.Second,
	}
}

// Once returns a single-attempt policy with the given timeout.
func Once(timeout time.Duration) Policy {
	return Policy{MaxAttempts: 1, Timeout: timeout}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 || p.Timeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	switch p.Backoff {
	case "", BackoffConstant, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff %q", p.Backoff)
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.InitialDelay <= 0 {
		return 0
	}
	if p.Backoff != BackoffExponential {
		return p.InitialDelay
	}

	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Attempt records one try of an operation.
type Attempt struct {
	Number   int
	Err      error
	Duration time.Duration
}

// Hook is called after every failed attempt that will be retried.
type Hook func(a Attempt, next time.Duration)

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

// ErrExhausted is returned (wrapped) when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Do runs fn until it succeeds, returns a permanent error, the context is
// done, or MaxAttempts is reached. Each attempt gets its own timeout
// context when Timeout is set; an attempt that fails after its timeout is
// reported as timed out, while one that returns nil has succeeded even if
// the timeout passed before it returned.
// It returns every attempt made.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry Hook) ([]Attempt, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	attempts := make([]Attempt, 0, p.MaxAttempts)
	var lastErr error

	for n := 1; n <= p.MaxAttempts; n++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}

		start := time.Now()
		err := fn(attemptCtx)
		if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("attempt timed out after %s: %w", p.Timeout, err)
		}
		cancel()

		a := Attempt{Number: n, Err: err, Duration: time.Since(start)}
		attempts = append(attempts, a)

		if err == nil {
			return attempts, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return attempts, err
		}
		if ctx.Err() != nil {
			return attempts, ctx.Err()
		}
		if n == p.MaxAttempts {
			break
		}

		delay := p.Delay(n)
		if onRetry != nil {
			onRetry(a, delay)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempts, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, len(attempts), lastErr)
}
