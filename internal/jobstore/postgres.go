package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"filmgen/internal/domain"
)

// DBTX is the subset of pgxpool.Pool the store needs, so tests can swap in
// a stub executor.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// PostgresStore keeps jobs in the gen_jobs table. Dedup relies on a partial
// unique index over (owner_id, job_type, target_id) restricted to
// non-terminal statuses; see schema.sql.
type PostgresStore struct {
	db DBTX
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const jobColumns = `id, owner_id, job_type, target_id, status, result, error_message, created_at, updated_at`

func (s *PostgresStore) CreateOrGet(ctx context.Context, ownerID string, jobType domain.JobType, targetID string) (domain.GenerationJob, bool, error) {
	// The insert races against the partial unique index. ON CONFLICT DO
	// NOTHING plus a follow-up select keeps the whole thing a single
	// round trip in the common case and loser-safe in the race.
	row := s.db.QueryRow(ctx, `
INSERT INTO gen_jobs (id, owner_id, job_type, target_id, status)
VALUES ($1, $2, $3, $4, 'queued')
ON CONFLICT (owner_id, job_type, target_id) WHERE status IN ('queued', 'generating')
DO NOTHING
RETURNING `+jobColumns, uuid.New(), ownerID, jobType, targetID)

	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.GenerationJob{}, false, err
	}

	// Conflict: a non-terminal job already holds the triple.
	row = s.db.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM gen_jobs
WHERE owner_id = $1 AND job_type = $2 AND target_id = $3
  AND status IN ('queued', 'generating')
ORDER BY created_at DESC
LIMIT 1`, ownerID, jobType, targetID)
	job, err = scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// The racing job reached a terminal state between our insert and
		// select. Try once more from the top.
		return s.CreateOrGet(ctx, ownerID, jobType, targetID)
	}
	if err != nil {
		return domain.GenerationJob{}, false, err
	}
	return job, false, nil
}

func (s *PostgresStore) MarkGenerating(ctx context.Context, id uuid.UUID) error {
	return s.guardedUpdate(ctx, id, `
UPDATE gen_jobs
SET status = 'generating', updated_at = now()
WHERE id = $1 AND status IN ('queued', 'generating')`, id)
}

func (s *PostgresStore) SetResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	return s.guardedUpdate(ctx, id, `
UPDATE gen_jobs
SET result = $2, updated_at = now()
WHERE id = $1 AND status IN ('queued', 'generating')`, id, result)
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id uuid.UUID) error {
	return s.guardedUpdate(ctx, id, `
UPDATE gen_jobs
SET updated_at = now()
WHERE id = $1 AND status IN ('queued', 'generating')`, id)
}

func (s *PostgresStore) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	return s.guardedUpdate(ctx, id, `
UPDATE gen_jobs
SET status = 'completed', result = $2, error_message = NULL, updated_at = now()
WHERE id = $1 AND status IN ('queued', 'generating')`, id, result)
}

func (s *PostgresStore) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	return s.guardedUpdate(ctx, id, `
UPDATE gen_jobs
SET status = 'failed', error_message = $2, updated_at = now()
WHERE id = $1 AND status IN ('queued', 'generating')`, id, reason)
}

// guardedUpdate runs an update whose WHERE clause excludes terminal rows,
// then distinguishes "row is terminal" from "row does not exist".
func (s *PostgresStore) guardedUpdate(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status domain.JobStatus
	err = s.db.QueryRow(ctx, `SELECT status FROM gen_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status.Terminal() {
		return ErrTerminal
	}
	return domain.ErrNotFound
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (domain.GenerationJob, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM gen_jobs
WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.GenerationJob{}, domain.ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) ListStale(ctx context.Context, olderThanMinutes int, limit int) ([]domain.GenerationJob, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+jobColumns+`
FROM gen_jobs
WHERE status IN ('queued', 'generating')
  AND updated_at < now() - make_interval(mins => $1)
ORDER BY updated_at ASC
LIMIT $2`, olderThanMinutes, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status domain.JobStatus, jobType domain.JobType, limit int) ([]domain.GenerationJob, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+jobColumns+`
FROM gen_jobs
WHERE status = $1 AND ($2 = '' OR job_type = $2)
ORDER BY created_at DESC
LIMIT $3`, status, jobType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJob(row pgx.Row) (domain.GenerationJob, error) {
	var (
		job    domain.GenerationJob
		result []byte
		errMsg sql.NullString
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Type,
		&job.TargetID,
		&job.Status,
		&result,
		&errMsg,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return domain.GenerationJob{}, err
	}
	job.Result = result
	job.ErrorMessage = errMsg.String
	return job, nil
}

func scanJobs(rows pgx.Rows) ([]domain.GenerationJob, error) {
	var jobs []domain.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
