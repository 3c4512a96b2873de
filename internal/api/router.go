package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	Progress       http.Handler // websocket endpoint, optional
}

func NewRouter(h *Handlers, cfg RouterConfig) http.Handler {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:*", "https://localhost:*"}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.Progress != nil {
		r.Handle("/ws/progress", cfg.Progress)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))

		r.Get("/health", h.Health)

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/tenders", func(r chi.Router) {
				r.Get("/candidates", h.Candidates())
				r.Get("/relevant", h.Relevant())
				r.Get("/favorites", h.Favorites())
				r.Get("/offered", h.Offered())

				// {tender} is the business code on GET and the numeric id on
				// mutations.
				r.Route("/{tender}", func(r chi.Router) {
					r.Get("/", h.GetTender)
					r.Delete("/", h.DeleteTender)
					r.Put("/favorite", h.MarkFavorite())
					r.Delete("/favorite", h.UnmarkFavorite())
					r.Put("/offered", h.MarkOffered())
					r.Delete("/offered", h.UnmarkOffered())
				})
			})

			r.Route("/runs", func(r chi.Router) {
				r.Post("/", h.CreateRun)
				r.Get("/", h.ListRuns)
				r.Get("/current", h.CurrentRun)
				r.Delete("/current", h.CancelRun)
				r.Get("/{runID}", h.GetRun)
			})
		})
	})

	return r
}
