// Package ratelimit bounds calls to one external resource class: a cap on
// concurrent in-flight calls plus a minimum spacing between call starts.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter throttles one resource class (e.g. image generation). The
// concurrency cap and the per-minute pacing are independent constraints;
// both must be satisfied before Acquire returns.
type Limiter struct {
	slots *semaphore.Weighted
	pacer *rate.Limiter
}

// New builds a limiter admitting at most maxConcurrent simultaneous holders
// and starting at most perMinute calls per minute. A non-positive
// maxConcurrent disables the concurrency cap; a non-positive perMinute
// disables pacing.
func New(maxConcurrent, perMinute int) *Limiter {
	l := &Limiter{}
	if maxConcurrent > 0 {
		l.slots = semaphore.NewWeighted(int64(maxConcurrent))
	}
	if perMinute > 0 {
		l.pacer = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	return l
}

// Acquire blocks until a concurrency slot is free and the pacing interval
// since the last call start has elapsed, then returns a release function.
// Both waits are cooperative and honor ctx cancellation.
//
// onAcquired, when non-nil, runs synchronously at the true moment work may
// start (after both constraints are satisfied), letting callers flip a job
// from queued to generating. Its panic never fails the acquisition.
func (l *Limiter) Acquire(ctx context.Context, onAcquired func()) (release func(), err error) {
	if l.slots != nil {
		if err := l.slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	if l.pacer != nil {
		if err := l.pacer.Wait(ctx); err != nil {
			if l.slots != nil {
				l.slots.Release(1)
			}
			return nil, err
		}
	}

	if onAcquired != nil {
		runNotify(onAcquired)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if l.slots != nil {
				l.slots.Release(1)
			}
		})
	}, nil
}

func runNotify(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}
