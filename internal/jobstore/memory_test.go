package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"filmgen/internal/domain"
)

func TestMemoryCreateOrGetDeduplicates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, created, err := s.CreateOrGet(ctx, "owner-1", domain.JobTypeImage, "story-9")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if !created {
		t.Fatal("first call must create")
	}

	second, created, err := s.CreateOrGet(ctx, "owner-1", domain.JobTypeImage, "story-9")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if created {
		t.Fatal("second call must return the existing job")
	}
	if second.ID != first.ID {
		t.Fatalf("expected job %s, got %s", first.ID, second.ID)
	}

	// A different type for the same target is separate work.
	_, created, err = s.CreateOrGet(ctx, "owner-1", domain.JobTypeClip, "story-9")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if !created {
		t.Fatal("different job type must not be deduplicated")
	}
}

func TestMemoryCreateOrGetConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const callers = 16
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		createCount int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.CreateOrGet(ctx, "owner-1", domain.JobTypeClip, "shot-3")
			if err != nil {
				t.Errorf("CreateOrGet: %v", err)
				return
			}
			if created {
				mu.Lock()
				createCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if createCount != 1 {
		t.Fatalf("expected exactly 1 creation across %d racing callers, got %d", callers, createCount)
	}
}

func TestMemoryCreateOrGetAfterTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, _, err := s.CreateOrGet(ctx, "owner-1", domain.JobTypeImage, "story-9")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if err := s.Fail(ctx, first.ID, "safety filter"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	second, created, err := s.CreateOrGet(ctx, "owner-1", domain.JobTypeImage, "story-9")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if !created {
		t.Fatal("terminal job must not block a fresh submission")
	}
	if second.ID == first.ID {
		t.Fatal("expected a new job id")
	}
}

func TestMemoryTerminalJobsAreImmutable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	job, _, err := s.CreateOrGet(ctx, "owner-1", domain.JobTypeScript, "story-1")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if err := s.Complete(ctx, job.ID, json.RawMessage(`{"text":"done"}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	for name, write := range map[string]func() error{
		"Complete":       func() error { return s.Complete(ctx, job.ID, nil) },
		"Fail":           func() error { return s.Fail(ctx, job.ID, "late") },
		"SetResult":      func() error { return s.SetResult(ctx, job.ID, nil) },
		"Heartbeat":      func() error { return s.Heartbeat(ctx, job.ID) },
		"MarkGenerating": func() error { return s.MarkGenerating(ctx, job.ID) },
	} {
		if err := write(); !errors.Is(err, ErrTerminal) {
			t.Fatalf("%s on terminal job: expected ErrTerminal, got %v", name, err)
		}
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("terminal status was overwritten: %s", got.Status)
	}
}

func TestMemoryListStale(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now.Add(-10 * time.Minute) }

	old, _, err := s.CreateOrGet(ctx, "owner-1", domain.JobTypeClip, "shot-1")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if err := s.MarkGenerating(ctx, old.ID); err != nil {
		t.Fatalf("MarkGenerating: %v", err)
	}

	s.now = func() time.Time { return now }
	fresh, _, err := s.CreateOrGet(ctx, "owner-1", domain.JobTypeClip, "shot-2")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if err := s.MarkGenerating(ctx, fresh.ID); err != nil {
		t.Fatalf("MarkGenerating: %v", err)
	}

	stale, err := s.ListStale(ctx, 5, 10)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("expected only the 10-minute-old job, got %v", stale)
	}

	none, err := s.ListStale(ctx, 15, 10)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no jobs older than 15m, got %d", len(none))
	}
}

func TestMemoryListStaleIncludesQueuedJobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// A crash while the job waits on the rate limiter leaves it queued;
	// the stale scan must surface it or its dedup triple stays blocked.
	now := time.Now()
	s.now = func() time.Time { return now.Add(-20 * time.Minute) }
	queued, _, err := s.CreateOrGet(ctx, "owner-1", domain.JobTypeClip, "shot-1")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	s.now = func() time.Time { return now }

	stale, err := s.ListStale(ctx, 5, 10)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != queued.ID {
		t.Fatalf("stale queued job must be listed, got %v", stale)
	}
	if stale[0].Status != domain.JobStatusQueued {
		t.Fatalf("expected queued, got %s", stale[0].Status)
	}
}

func TestMemoryListByStatusFiltersByType(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	clip, _, err := s.CreateOrGet(ctx, "owner-1", domain.JobTypeClip, "shot-1")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if _, _, err := s.CreateOrGet(ctx, "owner-1", domain.JobTypeImage, "story-1"); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	all, err := s.ListByStatus(ctx, domain.JobStatusQueued, "", 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both queued jobs, got %d", len(all))
	}

	clips, err := s.ListByStatus(ctx, domain.JobStatusQueued, domain.JobTypeClip, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(clips) != 1 || clips[0].ID != clip.ID {
		t.Fatalf("expected only the clip job, got %v", clips)
	}
}

func TestMemoryGetNotFound(t *testing.T) {
	s := NewMemoryStore()
	job, _, err := s.CreateOrGet(context.Background(), "o", domain.JobTypeImage, "t")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	other := job
	other.ID[0] ^= 0xff
	if _, err := s.Get(context.Background(), other.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
