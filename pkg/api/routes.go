package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.metrics != nil {
		r.Use(s.metrics.middleware)
		r.Method(http.MethodGet, s.cfg.Metrics.Path, s.metrics.handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints.
		r.Get("/health", s.handleHealth)
		r.Get("/config", s.handleConfig)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit))
			}

			r.Get("/overview", s.cached("overview", s.handleOverview))

			r.Get("/models", s.cached("models", s.handleModels))
			r.Get("/models/{id}", s.cached("model", s.handleModel))
			r.Get("/models-without-tests",
				s.cached("models_without_tests", s.handleModelsWithoutTests))

			r.Get("/tests", s.cached("tests", s.handleTests))
			r.Get("/tests/flaky", s.cached("flaky_tests", s.handleFlakyTests))
			r.Get("/tests/{id}", s.cached("test", s.handleTest))

			r.Get("/alerts", s.cached("alerts", s.handleAlerts))
			r.Get("/performance", s.cached("performance", s.handlePerformance))

			r.Get("/growth", s.cached("growth", s.handleGrowth))
			r.Get("/growth/{name}", s.cached("growth_series", s.handleGrowthSeries))

			r.Get("/invocations", s.cached("invocations", s.handleInvocations))
			r.Get("/invocations/{id}", s.cached("invocation", s.handleInvocation))
			r.Get("/invocations/{id}/timeline",
				s.cached("timeline", s.handleTimeline))
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
