package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"filmgen/internal/domain"
	"filmgen/internal/film"
)

type filmResponse struct {
	FilmID         string                 `json:"film_id"`
	Status         string                 `json:"status"`
	TotalShots     int                    `json:"total_shots"`
	CompletedShots []domain.CompletedShot `json:"completed_shots"`
	FailedShots    []int                  `json:"failed_shots,omitempty"`
	FinalVideoRef  string                 `json:"final_video_ref,omitempty"`
	PosterRef      string                 `json:"poster_ref,omitempty"`
	Duration       float64                `json:"duration_seconds,omitempty"`
	Error          string                 `json:"error,omitempty"`
	CostTotal      float64                `json:"cost_total"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func toFilmResponse(f domain.FilmJob) filmResponse {
	f.SortShots()
	return filmResponse{
		FilmID:         f.FilmID,
		Status:         string(f.Status),
		TotalShots:     f.TotalShots,
		CompletedShots: f.CompletedShots,
		FailedShots:    f.FailedShots,
		FinalVideoRef:  f.FinalVideoRef,
		PosterRef:      f.PosterRef,
		Duration:       f.DurationSeconds,
		Error:          f.ErrorMessage,
		CostTotal:      f.CostTotal(),
		CreatedAt:      f.CreatedAt,
		UpdatedAt:      f.UpdatedAt,
	}
}

// CreateFilm starts a multi-shot film generation and answers immediately
// with the pollable film id.
func (a *App) CreateFilm(w http.ResponseWriter, r *http.Request) {
	var req film.GenerateRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.OwnerID == "" {
		a.error(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	filmID, err := a.Films.Generate(r.Context(), req)
	if err != nil {
		a.error(w, http.StatusBadRequest, err.Error())
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{
		"film_id": filmID,
		"status":  string(domain.FilmStatusGenerating),
	})
}

func (a *App) GetFilm(w http.ResponseWriter, r *http.Request) {
	filmJob, err := a.Films.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.notFoundOr(w, err, "film")
		return
	}
	a.json(w, http.StatusOK, toFilmResponse(filmJob))
}

type regenerateShotRequest struct {
	ImagePrompt string `json:"image_prompt"`
	VideoPrompt string `json:"video_prompt"`
	Feedback    string `json:"feedback,omitempty"`
	Duration    int    `json:"duration,omitempty"`
}

// RegenerateShot re-runs one shot of a settled film and re-assembles it.
func (a *App) RegenerateShot(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		a.error(w, http.StatusBadRequest, "invalid shot number")
		return
	}
	var req regenerateShotRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.VideoPrompt == "" {
		a.error(w, http.StatusBadRequest, "video_prompt is required")
		return
	}

	filmID := chi.URLParam(r, "id")
	err = a.Films.RegenerateShot(r.Context(), filmID, film.ShotSpec{
		Number:      number,
		ImagePrompt: req.ImagePrompt,
		VideoPrompt: req.VideoPrompt,
		Duration:    req.Duration,
	}, req.Feedback)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.notFoundOr(w, err, "film")
			return
		}
		a.error(w, http.StatusConflict, err.Error())
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{
		"film_id": filmID,
		"shot":    number,
		"status":  string(domain.FilmStatusGenerating),
	})
}
