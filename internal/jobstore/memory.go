package jobstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"filmgen/internal/domain"
)

// MemoryStore is an in-process Store for tests and single-node development.
// It applies the same dedup and terminal-state rules as PostgresStore.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]domain.GenerationJob

	// now is swapped out in tests that need deterministic staleness.
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]domain.GenerationJob),
		now:  time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

// SetClock replaces the store's time source. Tests use it to age jobs.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) CreateOrGet(_ context.Context, ownerID string, jobType domain.JobType, targetID string) (domain.GenerationJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.OwnerID == ownerID && job.Type == jobType && job.TargetID == targetID && !job.Status.Terminal() {
			return job, false, nil
		}
	}

	now := s.now()
	job := domain.GenerationJob{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Type:      jobType,
		TargetID:  targetID,
		Status:    domain.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[job.ID] = job
	return job, true, nil
}

func (s *MemoryStore) MarkGenerating(_ context.Context, id uuid.UUID) error {
	return s.update(id, func(job *domain.GenerationJob) {
		job.Status = domain.JobStatusGenerating
	})
}

func (s *MemoryStore) SetResult(_ context.Context, id uuid.UUID, result json.RawMessage) error {
	return s.update(id, func(job *domain.GenerationJob) {
		job.Result = append(json.RawMessage(nil), result...)
	})
}

func (s *MemoryStore) Heartbeat(_ context.Context, id uuid.UUID) error {
	return s.update(id, func(*domain.GenerationJob) {})
}

func (s *MemoryStore) Complete(_ context.Context, id uuid.UUID, result json.RawMessage) error {
	return s.update(id, func(job *domain.GenerationJob) {
		job.Status = domain.JobStatusCompleted
		job.Result = append(json.RawMessage(nil), result...)
		job.ErrorMessage = ""
	})
}

func (s *MemoryStore) Fail(_ context.Context, id uuid.UUID, reason string) error {
	return s.update(id, func(job *domain.GenerationJob) {
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = reason
	})
}

func (s *MemoryStore) update(id uuid.UUID, mutate func(*domain.GenerationJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	mutate(&job)
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.GenerationJob{}, domain.ErrNotFound
	}
	return job, nil
}

func (s *MemoryStore) ListStale(_ context.Context, olderThanMinutes int, limit int) ([]domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-time.Duration(olderThanMinutes) * time.Minute)
	var stale []domain.GenerationJob
	for _, job := range s.jobs {
		if !job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status domain.JobStatus, jobType domain.JobType, limit int) ([]domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.GenerationJob
	for _, job := range s.jobs {
		if job.Status != status {
			continue
		}
		if jobType != "" && job.Type != jobType {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
