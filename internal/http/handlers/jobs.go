package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"filmgen/internal/dispatch"
	"filmgen/internal/domain"
	"filmgen/internal/provider"
)

type submitJobRequest struct {
	OwnerID     string `json:"owner_id"`
	JobType     string `json:"job_type"`
	TargetID    string `json:"target_id"`
	Prompt      string `json:"prompt"`
	ImageURL    string `json:"image_url,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Duration    int    `json:"duration,omitempty"`
}

type jobResponse struct {
	JobID        string          `json:"job_id"`
	Status       string          `json:"status"`
	Deduplicated bool            `json:"deduplicated,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SubmitJob accepts a standalone generation job. Identical submissions
// while a job is still active return the active job instead of a new one.
func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.OwnerID == "" || req.TargetID == "" {
		a.error(w, http.StatusBadRequest, "owner_id and target_id are required")
		return
	}
	if req.Prompt == "" {
		a.error(w, http.StatusBadRequest, "prompt is required")
		return
	}

	jobType := domain.JobType(req.JobType)
	work, err := a.workFor(jobType, req)
	if err != nil {
		a.error(w, http.StatusBadRequest, err.Error())
		return
	}

	job, created, err := a.Dispatcher.Submit(r.Context(), req.OwnerID, jobType, req.TargetID, work)
	if err != nil {
		a.Log.Error().Err(err).Msg("job submission failed")
		a.error(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.json(w, http.StatusAccepted, jobResponse{
		JobID:        job.ID.String(),
		Status:       string(job.Status),
		Deduplicated: !created,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	})
}

// GetJob reports a job's current state, including its result once done.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.error(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := a.Jobs.Get(r.Context(), id)
	if err != nil {
		a.notFoundOr(w, err, "job")
		return
	}
	a.json(w, http.StatusOK, jobResponse{
		JobID:     job.ID.String(),
		Status:    string(job.Status),
		Result:    job.Result,
		Error:     job.ErrorMessage,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	})
}

func (a *App) workFor(jobType domain.JobType, req submitJobRequest) (dispatch.Work, error) {
	switch jobType {
	case domain.JobTypeScript:
		return a.scriptWork(req), nil
	case domain.JobTypeImage:
		return a.imageWork(req), nil
	case domain.JobTypeClip:
		if req.ImageURL == "" {
			return nil, fmt.Errorf("clip jobs require image_url")
		}
		return a.clipWork(req), nil
	default:
		return nil, fmt.Errorf("unknown job_type %q", req.JobType)
	}
}

func (a *App) scriptWork(req submitJobRequest) dispatch.Work {
	return func(ctx context.Context, _ dispatch.Handle) (json.RawMessage, error) {
		text, err := a.Images.GenerateText(ctx, req.Prompt)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"text": text})
	}
}

func (a *App) imageWork(req submitJobRequest) dispatch.Work {
	return func(ctx context.Context, h dispatch.Handle) (json.RawMessage, error) {
		asset, err := a.Images.GenerateImage(ctx, provider.ImageRequest{
			Prompt:      req.Prompt,
			AspectRatio: req.AspectRatio,
		})
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("jobs/%s/image.png", h.ID())
		if err := a.Objects.Put(ctx, key, bytes.NewReader(asset.Data), int64(len(asset.Data))); err != nil {
			return nil, fmt.Errorf("store image: %w", err)
		}
		return json.Marshal(map[string]string{"artifact_ref": key})
	}
}

func (a *App) clipWork(req submitJobRequest) dispatch.Work {
	return func(ctx context.Context, h dispatch.Handle) (json.RawMessage, error) {
		predictionID, err := a.Videos.SubmitVideo(ctx, provider.VideoRequest{
			Prompt:      req.Prompt,
			ImageURL:    req.ImageURL,
			Duration:    req.Duration,
			AspectRatio: req.AspectRatio,
		})
		if err != nil {
			return nil, err
		}
		ref := domain.PredictionRef{PredictionID: predictionID, OwnerID: req.OwnerID, TargetID: req.TargetID}
		if err := h.SaveRef(ctx, ref); err != nil {
			a.Log.Warn().Err(err).Msg("persist prediction ref failed")
		}

		opts := a.Poll
		opts.Heartbeat = func(ctx context.Context) {
			if err := h.Heartbeat(ctx); err != nil {
				a.Log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
		pred, err := provider.Poll(ctx, a.Videos, predictionID, opts)
		if err != nil {
			return nil, err
		}
		if pred.State == provider.PredictionFailed {
			reason := pred.Error
			if reason == "" {
				reason = "generation failed"
			}
			return nil, &provider.Error{Provider: "atlas", Code: "prediction_failed", Message: reason}
		}

		key := fmt.Sprintf("jobs/%s/clip.mp4", h.ID())
		if err := a.Fetcher.Mirror(ctx, pred.OutputURL, key); err != nil {
			return nil, fmt.Errorf("mirror clip: %w", err)
		}
		return json.Marshal(map[string]string{"artifact_ref": key})
	}
}
