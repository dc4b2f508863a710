// Package ratelimit implements the provider adapter's fixed-delay pacing
// and classify-then-retry policy: sleep a base delay before and after every
// call, and retry only provider errors classified as transient, with
// exponential backoff.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/email-management-platform/backend/gmail-automation/internal/errkind"
)

// Config controls pacing and retry behavior. Zero-value Config is usable:
// it disables pacing (BaseDelay 0) and retry (MaxRetries 0).
type Config struct {
	BaseDelay     time.Duration // slept before and after every call
	MaxRetries    int           // retry attempts after the first try; 0 disables retry
	BackoffFactor float64       // multiplier applied per retry attempt
}

// DefaultConfig mirrors the pacing the Gmail and Graph clients both need to
// stay under their documented per-user quotas.
func DefaultConfig() Config {
	return Config{
		BaseDelay:     100 * time.Millisecond,
		MaxRetries:    3,
		BackoffFactor: 2.0,
	}
}

// Limiter paces and retries calls to a remote provider per Config. A nil
// *Limiter is valid and behaves as unlimited, unpaced, no-retry — useful in
// tests that construct a provider client directly.
type Limiter struct {
	cfg Config
}

// New returns a Limiter with cfg.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg}
}

// Do executes fn, sleeping BaseDelay before and after the call regardless
// of outcome, and retrying fn up to MaxRetries times when it returns an
// error errkind.Classify'd as ProviderTransient or an *errkind.Error with a
// retryable HTTP status. A non-transient error (InvalidParameter, a
// non-retryable ProviderError) returns immediately without consuming a
// retry. Exhausting MaxRetries on a transient error returns it reclassified
// as ProviderFatal.
func (l *Limiter) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}

	attempt := 0
	for {
		if err := sleepCtx(ctx, l.cfg.BaseDelay); err != nil {
			return errkind.Wrap(errkind.Cancelled, op, err)
		}

		err := fn(ctx)

		if sleepErr := sleepCtx(ctx, l.cfg.BaseDelay); sleepErr != nil && err == nil {
			return errkind.Wrap(errkind.Cancelled, op, sleepErr)
		}

		if err == nil {
			return nil
		}

		if !l.retryable(err) {
			return err
		}

		attempt++
		if attempt > l.cfg.MaxRetries {
			return errkind.Wrap(errkind.ProviderFatal, op, err)
		}

		backoff := l.backoffDelay(attempt)
		if sleepErr := sleepCtx(ctx, backoff); sleepErr != nil {
			return errkind.Wrap(errkind.Cancelled, op, sleepErr)
		}
	}
}

func (l *Limiter) retryable(err error) bool {
	var kerr *errkind.Error
	if !errors.As(err, &kerr) {
		return false
	}
	if kerr.Kind == errkind.ProviderTransient {
		return true
	}
	if kerr.Status != 0 {
		return errkind.IsStatusRetryable(kerr.Status)
	}
	return false
}

// backoffDelay computes base_delay * backoff_factor^(attempt-1).
func (l *Limiter) backoffDelay(attempt int) time.Duration {
	factor := l.cfg.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	multiplier := math.Pow(factor, float64(attempt-1))
	return time.Duration(float64(l.cfg.BaseDelay) * multiplier)
}

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
