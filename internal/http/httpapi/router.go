package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ragserver/internal/http/handlers"
	"ragserver/internal/infra"
	"ragserver/internal/middleware"
)

// NewRouter wires the middleware chain and the API surface.
func NewRouter(app *handlers.App, cfg *infra.Config, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(logger),
		middleware.CORS(cfg.CORSAllowedOrigins),
		middleware.I18N(cfg.DefaultLocale),
	)

	// Health
	r.Get("/v1/healthz", app.Health)

	r.Route("/api", func(r chi.Router) {
		// Submission is rate limited; the event stream is not, so clients can
		// reconnect and replay freely.
		limited := r.With(middleware.RateLimit(cfg.RateLimitPerMin, time.Minute))
		limited.Post("/job", app.SubmitJob)
		limited.Post("/chat", app.Chat)

		r.Get("/job/{jobId}", app.JobStatus)
		r.Get("/events/{jobId}", app.StreamJob)
	})

	return r
}
