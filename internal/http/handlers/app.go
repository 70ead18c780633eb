// Package handlers holds the HTTP handlers for the generation API. They
// stay thin: decode, delegate, encode. All generation work is asynchronous;
// submissions answer 202 and callers poll.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"filmgen/internal/dispatch"
	"filmgen/internal/domain"
	"filmgen/internal/film"
	"filmgen/internal/jobstore"
	"filmgen/internal/provider"
	"filmgen/internal/storage"
)

type App struct {
	Dispatcher *dispatch.Dispatcher
	Jobs       jobstore.Store
	Films      *film.Service

	Images  provider.SyncGenerator
	Videos  provider.Predictor
	Objects storage.ObjectStore
	Fetcher *storage.Fetcher
	Poll    provider.PollOptions

	Log zerolog.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, map[string]string{"error": msg})
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.error(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// notFoundOr maps domain.ErrNotFound to 404 and everything else to 500.
func (a *App) notFoundOr(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, what+" not found")
		return
	}
	a.Log.Error().Err(err).Msg("request failed")
	a.error(w, http.StatusInternalServerError, "internal error")
}
