package httpapi

import (
	"net/http"

	"example.com/scorebridge/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
)

type RouteOptions struct {
	Metrics *metrics.Manager
	Bus     http.Handler // mounted at /ws when set
	Origins []string     // CORS; empty means any
}

func (h *Handler) Routes(opts RouteOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(Observe(opts.Metrics))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	if opts.Bus != nil {
		r.Method(http.MethodGet, "/ws", opts.Bus)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/matches", h.ListMatches)
		r.Get("/matches/{id}", h.GetMatch)
		r.Get("/matches/{id}/rounds", h.ListRounds)
		r.Get("/progress", h.GetProgress)
		r.Get("/progress/current", h.CurrentMatch)
		r.Get("/scores/by-match", h.ScoresByMatch)
		r.Get("/judges/current", h.ListJudges)
		r.Post("/judges", h.RegisterJudge)
		r.Post("/judge-access/verify", h.Verify)
		r.Post("/coordinator/session", h.CoordinatorSession)

		r.Group(func(r chi.Router) {
			r.Use(CoordinatorOnly(h.Signer))
			r.Post("/matches", h.ImportMatches)
			r.Post("/progress/start", h.StartProgress)
			r.Post("/progress/next", h.AdvanceMatch)
			r.Post("/progress/end", h.EndEvent)
			r.Post("/progress/lock", h.setLocked(true))
			r.Post("/progress/unlock", h.setLocked(false))
			r.Post("/scores/cancel", h.CancelScore)
			r.Post("/judge-access/password", h.SetPassword)
		})
	})

	origins := opts.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}
