// Package resume adopts generation jobs orphaned by a process restart.
// A job stuck in queued or generating either carries a provider prediction
// reference, in which case the prediction's fate decides the job's, or it
// does not, in which case the work is unrecoverable and the job is failed.
// Failing is what frees the dedup triple for resubmission.
package resume

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"filmgen/internal/domain"
	"filmgen/internal/jobstore"
	"filmgen/internal/metrics"
	"filmgen/internal/provider"
)

// Finisher turns a finished prediction's output into the job's final
// result payload. For clip jobs this is where the video is downloaded and
// re-uploaded to object storage.
type Finisher func(ctx context.Context, job domain.GenerationJob, outputURL string) (json.RawMessage, error)

type Options struct {
	Store     jobstore.Store
	Predictor provider.Predictor
	Finish    Finisher
	Metrics   *metrics.Pipeline
	Logger    zerolog.Logger

	// StaleAfterMinutes and MaxJobs bound the recovery scan.
	StaleAfterMinutes int
	MaxJobs           int
	// CheckTimeout bounds each provider status probe so a slow provider
	// cannot stall startup.
	CheckTimeout time.Duration
	// Poll configures the re-poll of predictions still running at startup.
	Poll provider.PollOptions
}

type Resumer struct {
	opts Options
	log  zerolog.Logger
	wg   sync.WaitGroup
}

func New(opts Options) *Resumer {
	if opts.StaleAfterMinutes <= 0 {
		opts.StaleAfterMinutes = 5
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 10
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 5 * time.Second
	}
	return &Resumer{opts: opts, log: opts.Logger}
}

// Run scans for stale non-terminal jobs and settles each one. It never
// returns an error; recovery is best effort and a failure to recover one
// job must not block startup or the others.
func (r *Resumer) Run(ctx context.Context) {
	jobs, err := r.opts.Store.ListStale(ctx, r.opts.StaleAfterMinutes, r.opts.MaxJobs)
	if err != nil {
		r.log.Error().Err(err).Msg("stale job scan failed")
		return
	}
	if len(jobs) == 0 {
		return
	}
	r.log.Info().Int("count", len(jobs)).Msg("adopting stale jobs")

	for _, job := range jobs {
		r.adopt(ctx, job)
	}
}

// Wait blocks until the background re-polls started by Run have finished.
func (r *Resumer) Wait() {
	r.wg.Wait()
}

func (r *Resumer) adopt(ctx context.Context, job domain.GenerationJob) {
	log := r.log.With().
		Stringer("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Logger()

	ref, ok := domain.PredictionRefFrom(job.Result)
	if !ok {
		r.fail(ctx, job, "generation interrupted by restart", log)
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, r.opts.CheckTimeout)
	pred, err := r.opts.Predictor.Check(checkCtx, ref.PredictionID)
	cancel()
	if err != nil {
		// Unknown provider state. Failing is the safe call; resubmitting
		// could double-bill a prediction that is still running.
		r.fail(ctx, job, fmt.Sprintf("status check failed after restart: %v", err), log)
		return
	}

	switch pred.State {
	case provider.PredictionSucceeded:
		r.settleSucceeded(ctx, job, pred.OutputURL, log)
	case provider.PredictionFailed:
		reason := pred.Error
		if reason == "" {
			reason = "generation failed"
		}
		r.fail(ctx, job, reason, log)
	default:
		log.Info().Str("prediction_id", ref.PredictionID).Msg("prediction still running, re-polling")
		r.wg.Add(1)
		go r.repoll(ctx, job, ref.PredictionID, log)
	}
}

// settleSucceeded completes a job whose prediction already finished. The
// prediction is never resubmitted; only the artifact handoff is redone.
func (r *Resumer) settleSucceeded(ctx context.Context, job domain.GenerationJob, outputURL string, log zerolog.Logger) {
	result, err := r.opts.Finish(ctx, job, outputURL)
	if err != nil {
		r.fail(ctx, job, fmt.Sprintf("artifact handoff failed after restart: %v", err), log)
		return
	}
	if err := r.opts.Store.Complete(ctx, job.ID, result); err != nil {
		log.Error().Err(err).Msg("persist adopted completion failed")
		return
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.JobsResumed.Inc()
	}
	log.Info().Msg("adopted job completed")
}

func (r *Resumer) repoll(ctx context.Context, job domain.GenerationJob, predictionID string, log zerolog.Logger) {
	defer r.wg.Done()

	opts := r.opts.Poll
	opts.Heartbeat = func(ctx context.Context) {
		if err := r.opts.Store.Heartbeat(ctx, job.ID); err != nil {
			log.Warn().Err(err).Msg("heartbeat failed")
		}
	}
	pred, err := provider.Poll(ctx, r.opts.Predictor, predictionID, opts)
	if err != nil {
		r.fail(ctx, job, fmt.Sprintf("re-poll after restart failed: %v", err), log)
		return
	}
	if pred.State == provider.PredictionFailed {
		reason := pred.Error
		if reason == "" {
			reason = "generation failed"
		}
		r.fail(ctx, job, reason, log)
		return
	}
	r.settleSucceeded(ctx, job, pred.OutputURL, log)
}

func (r *Resumer) fail(ctx context.Context, job domain.GenerationJob, reason string, log zerolog.Logger) {
	if err := r.opts.Store.Fail(ctx, job.ID, reason); err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("persist adopted failure failed")
		return
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.JobsResumed.Inc()
	}
	log.Warn().Str("reason", reason).Msg("adopted job failed")
}
