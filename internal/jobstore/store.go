// Package jobstore persists generation jobs and enforces the dedup and
// terminal-state rules every writer has to honor.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"filmgen/internal/domain"
)

// ErrTerminal is returned when a write targets a job already in a terminal
// status. Terminal jobs are immutable.
var ErrTerminal = errors.New("job is in a terminal state")

// Store is the persistence contract for generation jobs. Implementations
// must make CreateOrGet atomic: two concurrent calls with the same
// (owner, type, target) triple must yield one new job and one existing job.
type Store interface {
	// CreateOrGet inserts a queued job unless a non-terminal job with the
	// same (ownerID, jobType, targetID) already exists, in which case that
	// job is returned with created=false.
	CreateOrGet(ctx context.Context, ownerID string, jobType domain.JobType, targetID string) (job domain.GenerationJob, created bool, err error)

	// MarkGenerating flips a queued job to generating.
	MarkGenerating(ctx context.Context, id uuid.UUID) error

	// SetResult stores intermediate result payload (a prediction ref) on a
	// non-terminal job without changing its status.
	SetResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error

	// Heartbeat bumps updated_at on a non-terminal job so it is not taken
	// for dead while a long poll is in flight.
	Heartbeat(ctx context.Context, id uuid.UUID) error

	// Complete moves a job to completed with its final result payload.
	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error

	// Fail moves a job to failed with a human-readable reason.
	Fail(ctx context.Context, id uuid.UUID, reason string) error

	Get(ctx context.Context, id uuid.UUID) (domain.GenerationJob, error)

	// ListStale returns up to limit non-terminal jobs whose updated_at is
	// older than the cutoff, oldest first. Queued jobs count too: a crash
	// while a job waits on the rate limiter strands it in queued, and a
	// stranded non-terminal row blocks its dedup triple until recovery
	// fails it.
	ListStale(ctx context.Context, olderThanMinutes int, limit int) ([]domain.GenerationJob, error)

	// ListByStatus filters by status and, when jobType is non-empty, by
	// job type, newest first.
	ListByStatus(ctx context.Context, status domain.JobStatus, jobType domain.JobType, limit int) ([]domain.GenerationJob, error)
}
