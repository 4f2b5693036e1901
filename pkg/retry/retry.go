// Package retry implements the capped exponential backoff used by every
// backend bring-up loop on the platform.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Default policy values shared by most backends.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultMultiplier  = 2.0
)

// Policy defines how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Zero means retry forever (used only by background reconnect loops;
	// bring-up must always be bounded so InitializeAll settles).
	MaxAttempts int

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64

	// Jitter randomizes the delay by +/- Jitter*delay (0 disables).
	Jitter float64

	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the bring-up policy used unless a backend overrides it.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// Delay returns the backoff delay after the given attempt (1-based),
// before jitter: BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	delta := p.Jitter * float64(d)
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}

// Error is returned when every attempt failed.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Do runs fn until it succeeds, the policy is exhausted, or ctx is done.
// Attempts are strictly sequential; each waits out its backoff delay
// before the next begins. Context cancellation aborts the loop promptly,
// including mid-sleep, so a retrying backend does not outlive shutdown.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.normalized()

	var lastErr error
	for attempt := 1; p.MaxAttempts == 0 || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.MaxAttempts != 0 && attempt == p.MaxAttempts {
			break
		}

		delay := p.jittered(p.Delay(attempt))
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return &Error{Attempts: p.MaxAttempts, Err: lastErr}
}
