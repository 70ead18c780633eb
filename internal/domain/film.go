package domain

import (
	"sort"
	"time"
)

// FilmStatus enumerates film lifecycle states. Interrupted is set only by
// startup recovery when a prior process died mid-generation or mid-assembly.
type FilmStatus string

const (
	FilmStatusGenerating  FilmStatus = "generating"
	FilmStatusAssembling  FilmStatus = "assembling"
	FilmStatusReady       FilmStatus = "ready"
	FilmStatusFailed      FilmStatus = "failed"
	FilmStatusInterrupted FilmStatus = "interrupted"
)

// CompletedShot is one finished per-shot artifact, owned exclusively by its
// film. Regeneration replaces the entry; it is never mutated in place.
type CompletedShot struct {
	Number      int    `json:"number"`
	ArtifactRef string `json:"artifact_ref"`
}

// FilmJob aggregates the per-shot work of one assembled video. PosterRef
// and DurationSeconds describe the final artifact and are set only once a
// film reaches ready.
type FilmJob struct {
	FilmID          string
	OwnerID         string
	Status          FilmStatus
	TotalShots      int
	CompletedShots  []CompletedShot
	FailedShots     []int
	FinalVideoRef   string
	PosterRef       string
	DurationSeconds float64
	ErrorMessage    string
	CostImages      float64
	CostVideos      float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CostTotal is the running spend across reference images and clips.
func (f *FilmJob) CostTotal() float64 {
	return f.CostImages + f.CostVideos
}

// SortShots orders completed shots by shot number. Shots finish in an
// arbitrary order because they are generated concurrently; assembly
// correctness depends on this re-sort.
func (f *FilmJob) SortShots() {
	sort.Slice(f.CompletedShots, func(i, j int) bool {
		return f.CompletedShots[i].Number < f.CompletedShots[j].Number
	})
}

// ReplaceShot swaps in a regenerated shot artifact, appending when the shot
// was not previously completed.
func (f *FilmJob) ReplaceShot(shot CompletedShot) {
	for i := range f.CompletedShots {
		if f.CompletedShots[i].Number == shot.Number {
			f.CompletedShots[i] = shot
			return
		}
	}
	f.CompletedShots = append(f.CompletedShots, shot)
}
