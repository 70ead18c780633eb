// Package metrics exposes the Prometheus instruments for the generation
// pipeline. Scrape them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline holds counters and gauges for job dispatch and film assembly.
type Pipeline struct {
	JobsSubmitted  *prometheus.CounterVec
	JobsDeduped    *prometheus.CounterVec
	JobsCompleted  *prometheus.CounterVec
	JobsFailed     *prometheus.CounterVec
	JobsInFlight   *prometheus.GaugeVec
	JobsResumed    prometheus.Counter
	FilmsAssembled prometheus.Counter
}

// NewPipeline builds and registers the instruments. Pass
// prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		JobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filmgen_jobs_submitted_total",
				Help: "Generation jobs accepted for dispatch, by job type.",
			},
			[]string{"type"},
		),
		JobsDeduped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filmgen_jobs_deduplicated_total",
				Help: "Submissions that matched an already-active job, by job type.",
			},
			[]string{"type"},
		),
		JobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filmgen_jobs_completed_total",
				Help: "Generation jobs that finished successfully, by job type.",
			},
			[]string{"type"},
		),
		JobsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filmgen_jobs_failed_total",
				Help: "Generation jobs that ended in failure, by job type.",
			},
			[]string{"type"},
		),
		JobsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "filmgen_jobs_in_flight",
				Help: "Generation jobs currently executing, by job type.",
			},
			[]string{"type"},
		),
		JobsResumed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "filmgen_jobs_resumed_total",
				Help: "Stale jobs adopted by startup recovery.",
			},
		),
		FilmsAssembled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "filmgen_films_assembled_total",
				Help: "Films that reached final assembly.",
			},
		),
	}

	reg.MustRegister(
		p.JobsSubmitted,
		p.JobsDeduped,
		p.JobsCompleted,
		p.JobsFailed,
		p.JobsInFlight,
		p.JobsResumed,
		p.FilmsAssembled,
	)
	return p
}
