package httpapi

import (
	stdhttp "net/http"

	"filmgen/internal/http/handlers"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(app *handlers.App, gatherer prometheus.Gatherer) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Logger)

	r.Get("/v1/healthz", app.Health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.SubmitJob)
		r.Get("/{id}", app.GetJob)
	})

	r.Route("/v1/films", func(r chi.Router) {
		r.Post("/", app.CreateFilm)
		r.Get("/{id}", app.GetFilm)
		r.Post("/{id}/shots/{number}/regenerate", app.RegenerateShot)
	})

	return r
}
