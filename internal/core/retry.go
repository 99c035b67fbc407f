package core

import (
	"context"
	"time"

	"github.com/koustreak/schemagate/internal/errs"
)

// RetryMode decides what happens when a column request hits a lock timeout.
type RetryMode string

const (
	// RetryModeFallback returns the lock timeout to the caller at once, with
	// the fallback flag set.
	RetryModeFallback RetryMode = "fallback"
	// RetryModeRetry tries again with exponential backoff before falling back.
	RetryModeRetry RetryMode = "retry"
)

// RetryPolicy governs retries of lock-timed-out column requests.
type RetryPolicy struct {
	Mode        RetryMode     `mapstructure:"mode"`
	MaxAttempts int           `mapstructure:"max_attempts"` // total attempts including the first
	Backoff     time.Duration `mapstructure:"backoff"`      // wait before the second attempt; doubles after
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// DefaultRetryPolicy falls back without retrying.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Mode:        RetryModeFallback,
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// Validate rejects unknown modes and non-positive limits in retry mode.
func (p RetryPolicy) Validate() error {
	switch p.Mode {
	case RetryModeFallback, "":
		return nil
	case RetryModeRetry:
		if p.MaxAttempts < 1 {
			return errs.New(errs.ErrKindInvalidInput, "retry: max_attempts must be at least 1")
		}
		if p.Backoff < 0 {
			return errs.New(errs.ErrKindInvalidInput, "retry: backoff must not be negative")
		}
		return nil
	default:
		return errs.Newf(errs.ErrKindInvalidInput, "retry: unknown mode %q", p.Mode)
	}
}

// attempts returns how many times a request may run.
func (p RetryPolicy) attempts() int {
	if p.Mode != RetryModeRetry || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// delay returns the wait before attempt n, counting from 1 for the retry
// that follows the first attempt.
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.Backoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
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
