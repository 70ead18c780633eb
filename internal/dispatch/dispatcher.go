// Package dispatch runs generation jobs in the background: dedup through
// the store, admission through the per-type rate limiters, execution under
// the retry policy, and exactly one terminal store write per job.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"filmgen/internal/domain"
	"filmgen/internal/jobstore"
	"filmgen/internal/metrics"
	"filmgen/internal/ratelimit"
	"filmgen/internal/retry"
)

// Work produces the final result payload for a job. Long-running work
// should call handle.SaveRef as soon as it holds a provider prediction id
// and handle.Heartbeat while polling, so a restarted process can adopt the
// job instead of resubmitting it.
type Work func(ctx context.Context, handle Handle) (json.RawMessage, error)

// Handle is the worker-side view of a running job.
type Handle struct {
	id    uuid.UUID
	store jobstore.Store
}

func (h Handle) ID() uuid.UUID { return h.id }

// SaveRef persists the provider prediction reference on the job record.
func (h Handle) SaveRef(ctx context.Context, ref domain.PredictionRef) error {
	payload, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal prediction ref: %w", err)
	}
	return h.store.SetResult(ctx, h.id, payload)
}

// Heartbeat bumps the job's updated_at so the stale scanner leaves it alone.
func (h Handle) Heartbeat(ctx context.Context) error {
	return h.store.Heartbeat(ctx, h.id)
}

// Dispatcher owns the background goroutines that execute jobs. It never
// blocks the submitting caller on generation work.
type Dispatcher struct {
	store    jobstore.Store
	limiters map[domain.JobType]*ratelimit.Limiter
	runner   *retry.Runner
	// storeRunner retries the terminal store write itself, so a blip on
	// the database does not lose a finished generation.
	storeRunner *retry.Runner
	metrics     *metrics.Pipeline
	log         zerolog.Logger

	// baseCtx outlives the submitting request; it is cancelled only on
	// process shutdown.
	baseCtx context.Context
	wg      sync.WaitGroup
}

type Options struct {
	Store    jobstore.Store
	Limiters map[domain.JobType]*ratelimit.Limiter
	Runner   *retry.Runner
	Metrics  *metrics.Pipeline
	Logger   zerolog.Logger
	BaseCtx  context.Context
}

func New(opts Options) *Dispatcher {
	if opts.BaseCtx == nil {
		opts.BaseCtx = context.Background()
	}
	if opts.Runner == nil {
		opts.Runner = retry.NewRunner(3, time.Second, time.Minute)
	}
	return &Dispatcher{
		store:    opts.Store,
		limiters: opts.Limiters,
		runner:   opts.Runner,
		storeRunner: &retry.Runner{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			IsTransient: func(err error) bool { return !errors.Is(err, jobstore.ErrTerminal) && !errors.Is(err, domain.ErrNotFound) },
		},
		metrics: opts.Metrics,
		log:     opts.Logger,
		baseCtx: opts.BaseCtx,
	}
}

// Outcome is the terminal state of a dispatched job, delivered to callers
// that used SubmitTracked.
type Outcome struct {
	JobID  uuid.UUID
	Status domain.JobStatus
	Result json.RawMessage
	Reason string
}

// Submit registers a job and, if it is new, starts executing it in the
// background. Callers get the job record immediately in both cases;
// created=false means an identical job was already active and no new work
// was started.
func (d *Dispatcher) Submit(ctx context.Context, ownerID string, jobType domain.JobType, targetID string, work Work) (domain.GenerationJob, bool, error) {
	job, created, _, err := d.submit(ctx, ownerID, jobType, targetID, work, false)
	return job, created, err
}

// SubmitTracked is Submit plus a channel that receives the job's terminal
// outcome. The channel is nil when the submission was deduplicated; poll
// the store for those.
func (d *Dispatcher) SubmitTracked(ctx context.Context, ownerID string, jobType domain.JobType, targetID string, work Work) (domain.GenerationJob, bool, <-chan Outcome, error) {
	return d.submit(ctx, ownerID, jobType, targetID, work, true)
}

func (d *Dispatcher) submit(ctx context.Context, ownerID string, jobType domain.JobType, targetID string, work Work, tracked bool) (domain.GenerationJob, bool, <-chan Outcome, error) {
	job, created, err := d.store.CreateOrGet(ctx, ownerID, jobType, targetID)
	if err != nil {
		return domain.GenerationJob{}, false, nil, fmt.Errorf("register job: %w", err)
	}
	if !created {
		if d.metrics != nil {
			d.metrics.JobsDeduped.WithLabelValues(string(jobType)).Inc()
		}
		d.log.Debug().
			Stringer("job_id", job.ID).
			Str("job_type", string(jobType)).
			Str("target_id", targetID).
			Msg("submission matched active job")
		return job, false, nil, nil
	}

	if d.metrics != nil {
		d.metrics.JobsSubmitted.WithLabelValues(string(jobType)).Inc()
	}
	var outcome chan Outcome
	if tracked {
		outcome = make(chan Outcome, 1)
	}
	d.wg.Add(1)
	go d.execute(job, work, outcome)
	return job, true, outcome, nil
}

func (d *Dispatcher) execute(job domain.GenerationJob, work Work, outcome chan<- Outcome) {
	defer d.wg.Done()

	log := d.log.With().
		Stringer("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("target_id", job.TargetID).
		Logger()

	limiter := d.limiters[job.Type]
	var release func()
	if limiter != nil {
		var err error
		release, err = limiter.Acquire(d.baseCtx, func() {
			d.markGenerating(job.ID, log)
		})
		if err != nil {
			d.finishFail(job, fmt.Sprintf("admission aborted: %v", err), log, outcome)
			return
		}
		defer release()
	} else {
		d.markGenerating(job.ID, log)
	}

	if d.metrics != nil {
		gauge := d.metrics.JobsInFlight.WithLabelValues(string(job.Type))
		gauge.Inc()
		defer gauge.Dec()
	}

	handle := Handle{id: job.ID, store: d.store}
	var result json.RawMessage
	err := d.runner.Run(d.baseCtx, func(ctx context.Context) error {
		var runErr error
		result, runErr = work(ctx, handle)
		return runErr
	})
	if err != nil {
		d.finishFail(job, err.Error(), log, outcome)
		return
	}
	d.finishComplete(job, result, log, outcome)
}

func (d *Dispatcher) markGenerating(id uuid.UUID, log zerolog.Logger) {
	if err := d.store.MarkGenerating(d.baseCtx, id); err != nil {
		log.Warn().Err(err).Msg("mark generating failed")
	}
}

func (d *Dispatcher) finishComplete(job domain.GenerationJob, result json.RawMessage, log zerolog.Logger, outcome chan<- Outcome) {
	err := d.storeRunner.Run(d.baseCtx, func(ctx context.Context) error {
		return d.store.Complete(ctx, job.ID, result)
	})
	switch {
	case err == nil:
		if d.metrics != nil {
			d.metrics.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
		}
		log.Info().Msg("job completed")
	case errors.Is(err, jobstore.ErrTerminal):
		// Another writer (startup recovery) finished this job first.
		log.Warn().Msg("job already terminal on completion")
	default:
		log.Error().Err(err).Msg("persist completion failed")
	}
	if outcome != nil {
		outcome <- Outcome{JobID: job.ID, Status: domain.JobStatusCompleted, Result: result}
	}
}

func (d *Dispatcher) finishFail(job domain.GenerationJob, reason string, log zerolog.Logger, outcome chan<- Outcome) {
	err := d.storeRunner.Run(d.baseCtx, func(ctx context.Context) error {
		return d.store.Fail(ctx, job.ID, reason)
	})
	switch {
	case err == nil:
		if d.metrics != nil {
			d.metrics.JobsFailed.WithLabelValues(string(job.Type)).Inc()
		}
		log.Error().Str("reason", reason).Msg("job failed")
	case errors.Is(err, jobstore.ErrTerminal):
		log.Warn().Str("reason", reason).Msg("job already terminal on failure")
	default:
		log.Error().Err(err).Str("reason", reason).Msg("persist failure failed")
	}
	if outcome != nil {
		outcome <- Outcome{JobID: job.ID, Status: domain.JobStatusFailed, Reason: reason}
	}
}

// Drain blocks until every in-flight job goroutine has finished or ctx
// expires. Call it during shutdown after the HTTP server stops accepting
// work.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
