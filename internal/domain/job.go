package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType enumerates supported generation job categories.
type JobType string

const (
	JobTypeScript JobType = "script"
	JobTypeImage  JobType = "image"
	JobTypeClip   JobType = "clip"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusGenerating JobStatus = "generating"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether a status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// GenerationJob is one persisted unit of schedulable work. The triple
// (OwnerID, Type, TargetID) is unique among non-terminal jobs, which is what
// deduplicates concurrent submissions of the same logical work.
type GenerationJob struct {
	ID           uuid.UUID
	OwnerID      string
	Type         JobType
	TargetID     string
	Status       JobStatus
	Result       json.RawMessage
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PredictionRef is stored inside GenerationJob.Result while an asynchronous
// provider call is in flight. Its presence is what makes a job resumable
// after a process restart; without it a crashed job can only be failed.
type PredictionRef struct {
	PredictionID string `json:"prediction_id"`
	OwnerID      string `json:"owner_id,omitempty"`
	TargetID     string `json:"target_id,omitempty"`
}

// PredictionRefFrom decodes a prediction reference out of a job result.
// The second return is false when the result carries no reference.
func PredictionRefFrom(result json.RawMessage) (PredictionRef, bool) {
	if len(result) == 0 {
		return PredictionRef{}, false
	}
	var ref PredictionRef
	if err := json.Unmarshal(result, &ref); err != nil {
		return PredictionRef{}, false
	}
	if ref.PredictionID == "" {
		return PredictionRef{}, false
	}
	return ref, true
}
