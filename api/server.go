/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     slog request logging (method, path, status, duration, id)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/tutors/{id}/*    Points, badges, tier, bonuses, rate, stats per tutor
  /api/tiers/{tier}     Tier benefits
  /api/bonuses/{id}/*   Bonus lifecycle and audit
  /api/scheduler        Tier-check scheduler status
  /api/scenarios/*      Demo scenarios (only with ScenariosEnabled)
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorTutorID, HeaderActorAdmin},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// Tutor routes
		r.Route("/tutors/{id}", func(r chi.Router) {
			r.Post("/points", h.AwardPoints)
			r.Get("/points", h.GetPoints)

			r.Post("/badges/check", h.CheckBadges)
			r.Get("/badges", h.GetBadges)

			r.Post("/tier/check", h.CheckTier)
			r.Get("/tier", h.GetTierProgress)

			r.Post("/bonuses", h.CalculateBonus)
			r.Get("/bonuses/summary", h.GetBonusSummary)

			r.Get("/rate", h.GetRate)
			r.Put("/rate", h.UpdateRate)
			r.Get("/rate/comparison", h.GetRateComparison)

			r.Get("/stats", h.GetStats)
			r.Put("/stats", h.PutStats)
		})

		r.Get("/tiers/{tier}", h.GetTierBenefits)
		r.Get("/scheduler", h.GetSchedulerStatus)

		// Bonus lifecycle routes
		r.Route("/bonuses/{id}", func(r chi.Router) {
			r.Get("/", h.GetBonus)
			r.Patch("/", h.UpdateBonus)
			r.Post("/approve", h.ApproveBonus)
			r.Post("/pay", h.PayBonus)
			r.Post("/cancel", h.CancelBonus)
			r.Get("/audit", h.GetBonusAudit)
		})

		// Scenario routes (development only)
		if h.ScenariosEnabled {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
