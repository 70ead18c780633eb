package film

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"filmgen/internal/domain"
	"filmgen/internal/jobstore"
)

// PostgresStore keeps film rows in the film_jobs table. Shot lists live in
// jsonb columns and are mutated with jsonb expressions so concurrent shot
// workers never lose updates to read-modify-write races.
type PostgresStore struct {
	db jobstore.DBTX
}

func NewPostgresStore(db jobstore.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Create(ctx context.Context, film domain.FilmJob) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO film_jobs (film_id, owner_id, status, total_shots)
VALUES ($1, $2, $3, $4)`,
		film.FilmID, film.OwnerID, film.Status, film.TotalShots)
	if err != nil {
		return fmt.Errorf("insert film %s: %w", film.FilmID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, filmID string) (domain.FilmJob, error) {
	row := s.db.QueryRow(ctx, `
SELECT film_id, owner_id, status, total_shots, completed_shots, failed_shots,
       final_video_ref, poster_ref, duration_seconds, error_message,
       cost_images, cost_videos, created_at, updated_at
FROM film_jobs
WHERE film_id = $1`, filmID)

	var (
		film       domain.FilmJob
		completed  []byte
		failed     []byte
		finalRef   sql.NullString
		posterRef  sql.NullString
		errMessage sql.NullString
	)
	err := row.Scan(
		&film.FilmID,
		&film.OwnerID,
		&film.Status,
		&film.TotalShots,
		&completed,
		&failed,
		&finalRef,
		&posterRef,
		&film.DurationSeconds,
		&errMessage,
		&film.CostImages,
		&film.CostVideos,
		&film.CreatedAt,
		&film.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FilmJob{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.FilmJob{}, err
	}
	if len(completed) > 0 {
		if err := json.Unmarshal(completed, &film.CompletedShots); err != nil {
			return domain.FilmJob{}, fmt.Errorf("decode completed shots: %w", err)
		}
	}
	if len(failed) > 0 {
		if err := json.Unmarshal(failed, &film.FailedShots); err != nil {
			return domain.FilmJob{}, fmt.Errorf("decode failed shots: %w", err)
		}
	}
	film.FinalVideoRef = finalRef.String
	film.PosterRef = posterRef.String
	film.ErrorMessage = errMessage.String
	return film, nil
}

func (s *PostgresStore) RecordShot(ctx context.Context, filmID string, shot domain.CompletedShot) error {
	payload, err := json.Marshal([]domain.CompletedShot{shot})
	if err != nil {
		return fmt.Errorf("encode shot: %w", err)
	}
	return s.exec(ctx, filmID, `
UPDATE film_jobs
SET completed_shots = (
        SELECT coalesce(jsonb_agg(s), '[]'::jsonb)
        FROM jsonb_array_elements(completed_shots) s
        WHERE (s->>'number')::int <> $2
    ) || $3::jsonb,
    failed_shots = (
        SELECT coalesce(jsonb_agg(n), '[]'::jsonb)
        FROM jsonb_array_elements(failed_shots) n
        WHERE n::int <> $2
    ),
    updated_at = now()
WHERE film_id = $1`, filmID, shot.Number, payload)
}

func (s *PostgresStore) RecordShotFailure(ctx context.Context, filmID string, shotNumber int) error {
	return s.exec(ctx, filmID, `
UPDATE film_jobs
SET failed_shots = CASE
        WHEN failed_shots @> to_jsonb($2::int) THEN failed_shots
        ELSE failed_shots || to_jsonb($2::int)
    END,
    updated_at = now()
WHERE film_id = $1`, filmID, shotNumber)
}

func (s *PostgresStore) AddCost(ctx context.Context, filmID string, images, videos float64) error {
	return s.exec(ctx, filmID, `
UPDATE film_jobs
SET cost_images = cost_images + $2,
    cost_videos = cost_videos + $3,
    updated_at = now()
WHERE film_id = $1`, filmID, images, videos)
}

func (s *PostgresStore) SetStatus(ctx context.Context, filmID string, status domain.FilmStatus, errorMessage string) error {
	return s.exec(ctx, filmID, `
UPDATE film_jobs
SET status = $2, error_message = nullif($3, ''), updated_at = now()
WHERE film_id = $1`, filmID, status, errorMessage)
}

func (s *PostgresStore) SetFinalVideo(ctx context.Context, filmID string, cut FinalCut) error {
	return s.exec(ctx, filmID, `
UPDATE film_jobs
SET final_video_ref = $2, poster_ref = nullif($3, ''), duration_seconds = $4,
    status = 'ready', error_message = NULL, updated_at = now()
WHERE film_id = $1`, filmID, cut.VideoRef, cut.PosterRef, cut.DurationSeconds)
}

func (s *PostgresStore) MarkInterrupted(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE film_jobs
SET status = 'interrupted', updated_at = now()
WHERE status IN ('generating', 'assembling')`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) exec(ctx context.Context, filmID, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("film %s: %w", filmID, domain.ErrNotFound)
	}
	return nil
}
