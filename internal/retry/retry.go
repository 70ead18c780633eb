// Package retry executes a single external call with bounded worst-case
// latency: a per-attempt timeout, transient-error classification, and
// exponential backoff with jitter between attempts.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"filmgen/internal/provider"
)

// Classifier decides whether an error is worth retrying.
type Classifier func(error) bool

// Runner is a reusable retry policy. The zero value is not usable; build
// one with the fields below or take the package defaults via NewRunner.
type Runner struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	PerCallTimeout time.Duration

	// IsTransient defaults to provider.IsTransient.
	IsTransient Classifier

	// Sleep is swapped out in tests. Defaults to a ctx-aware timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner builds a Runner with the given budget and package defaults for
// the rest.
func NewRunner(maxAttempts int, baseDelay, perCallTimeout time.Duration) *Runner {
	return &Runner{
		MaxAttempts:    maxAttempts,
		BaseDelay:      baseDelay,
		MaxDelay:       30 * time.Second,
		PerCallTimeout: perCallTimeout,
	}
}

// Run invokes fn until it succeeds, returns a non-transient error, or the
// attempt budget is exhausted. Each attempt runs under PerCallTimeout; a
// timed-out attempt counts toward the budget and is treated as transient.
// The delay before attempt n+1 is BaseDelay·2^n plus ±30% jitter, clamped
// to MaxDelay. Run never mutates job state; surfacing the final error to
// whoever owns the job is the caller's concern.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	classify := r.IsTransient
	if classify == nil {
		classify = provider.IsTransient
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !classify(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		if err := sleep(ctx, r.backoff(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

func (r *Runner) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.PerCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.PerCallTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// backoff returns the exponential delay for the given attempt with ±30%
// jitter, so concurrent callers failing together do not retry together.
func (r *Runner) backoff(attempt int) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	delay := base << uint(attempt)
	if r.MaxDelay > 0 && delay > r.MaxDelay {
		delay = r.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)*3/5+1)) - delay*3/10
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
