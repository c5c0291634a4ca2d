package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig wires the HTTP API.
type RouterConfig struct {
	Handler        *SuggestionHandler
	JWTSecret      []byte
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

// NewRouter builds the API. /healthz and /metrics are unauthenticated;
// everything under /api/v1 requires an operator bearer token.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	h := cfg.Handler

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(PrometheusMetricsMiddleware)
	r.Use(chimiddleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret, cfg.Logger))

		r.Route("/suggestions", func(r chi.Router) {
			r.Get("/review", h.Review)
			r.Get("/drafts", h.Drafts)
			r.Get("/needs-review", h.NeedingReview)
			r.Get("/scheduled", h.Scheduled)
			r.Post("/approve", h.ApproveBatch)

			r.Route("/{suggestionID}", func(r chi.Router) {
				r.Get("/", h.Get)
				r.Patch("/", h.Edit)
				r.Delete("/", h.Delete)
				r.Post("/regenerate", h.Regenerate)
				r.Post("/cancel", h.Cancel)
			})
		})

		r.Route("/contacts/{contactID}", func(r chi.Router) {
			r.Post("/suggestions", h.Generate)
			r.Delete("/", h.PurgeContact)
		})

		r.Post("/ingest/sync", h.Sync)
	})
	return r
}
