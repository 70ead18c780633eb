// Package film orchestrates multi-shot video generation: one reference
// image and one clip per shot, run concurrently, then assembled into a
// single film.
package film

import (
	"context"
	"sort"
	"sync"
	"time"

	"filmgen/internal/domain"
)

// Store persists film rows. Per-shot mutators are atomic so concurrent
// shot workers can report without clobbering each other.
type Store interface {
	Create(ctx context.Context, film domain.FilmJob) error
	Get(ctx context.Context, filmID string) (domain.FilmJob, error)

	// RecordShot replaces any previous artifact for the same shot number.
	RecordShot(ctx context.Context, filmID string, shot domain.CompletedShot) error
	RecordShotFailure(ctx context.Context, filmID string, shotNumber int) error
	AddCost(ctx context.Context, filmID string, images, videos float64) error

	SetStatus(ctx context.Context, filmID string, status domain.FilmStatus, errorMessage string) error
	// SetFinalVideo records the assembled artifact and flips the film to
	// ready in one write.
	SetFinalVideo(ctx context.Context, filmID string, cut FinalCut) error

	// MarkInterrupted flips every in-flight film to interrupted. Run once
	// at startup, before any new film work begins.
	MarkInterrupted(ctx context.Context) (int64, error)
}

// FinalCut is the assembled film artifact plus the metadata probed off it.
// PosterRef and DurationSeconds are best effort; the video ref is not.
type FinalCut struct {
	VideoRef        string
	PosterRef       string
	DurationSeconds float64
}

// MemoryStore is the in-process Store used in tests and development.
type MemoryStore struct {
	mu    sync.Mutex
	films map[string]domain.FilmJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{films: make(map[string]domain.FilmJob)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, film domain.FilmJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	film.CreatedAt = now
	film.UpdatedAt = now
	s.films[film.FilmID] = film
	return nil
}

func (s *MemoryStore) Get(_ context.Context, filmID string) (domain.FilmJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	film, ok := s.films[filmID]
	if !ok {
		return domain.FilmJob{}, domain.ErrNotFound
	}
	film.CompletedShots = append([]domain.CompletedShot(nil), film.CompletedShots...)
	film.FailedShots = append([]int(nil), film.FailedShots...)
	return film, nil
}

func (s *MemoryStore) RecordShot(_ context.Context, filmID string, shot domain.CompletedShot) error {
	return s.update(filmID, func(film *domain.FilmJob) {
		film.ReplaceShot(shot)
		for i, n := range film.FailedShots {
			if n == shot.Number {
				film.FailedShots = append(film.FailedShots[:i], film.FailedShots[i+1:]...)
				break
			}
		}
	})
}

func (s *MemoryStore) RecordShotFailure(_ context.Context, filmID string, shotNumber int) error {
	return s.update(filmID, func(film *domain.FilmJob) {
		for _, n := range film.FailedShots {
			if n == shotNumber {
				return
			}
		}
		film.FailedShots = append(film.FailedShots, shotNumber)
		sort.Ints(film.FailedShots)
	})
}

func (s *MemoryStore) AddCost(_ context.Context, filmID string, images, videos float64) error {
	return s.update(filmID, func(film *domain.FilmJob) {
		film.CostImages += images
		film.CostVideos += videos
	})
}

func (s *MemoryStore) SetStatus(_ context.Context, filmID string, status domain.FilmStatus, errorMessage string) error {
	return s.update(filmID, func(film *domain.FilmJob) {
		film.Status = status
		film.ErrorMessage = errorMessage
	})
}

func (s *MemoryStore) SetFinalVideo(_ context.Context, filmID string, cut FinalCut) error {
	return s.update(filmID, func(film *domain.FilmJob) {
		film.FinalVideoRef = cut.VideoRef
		film.PosterRef = cut.PosterRef
		film.DurationSeconds = cut.DurationSeconds
		film.Status = domain.FilmStatusReady
		film.ErrorMessage = ""
	})
}

func (s *MemoryStore) MarkInterrupted(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, film := range s.films {
		if film.Status == domain.FilmStatusGenerating || film.Status == domain.FilmStatusAssembling {
			film.Status = domain.FilmStatusInterrupted
			film.UpdatedAt = time.Now()
			s.films[id] = film
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) update(filmID string, mutate func(*domain.FilmJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	film, ok := s.films[filmID]
	if !ok {
		return domain.ErrNotFound
	}
	mutate(&film)
	film.UpdatedAt = time.Now()
	s.films[filmID] = film
	return nil
}
