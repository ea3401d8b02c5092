// internal/api/routes/routes.go
package routes

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fawad-mazhar/evalq/internal/api/handlers"
	"github.com/fawad-mazhar/evalq/internal/api/middleware"
	"github.com/fawad-mazhar/evalq/internal/config"
	"github.com/fawad-mazhar/evalq/internal/directory"
	"github.com/fawad-mazhar/evalq/internal/logger"
	"github.com/fawad-mazhar/evalq/internal/registry"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func SetupRouter(cfg *config.Config, reg *registry.Registry, dir *directory.Directory, creds *directory.Credentials) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger.Named("http")))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(time.Duration(cfg.Server.WriteTimeout) * time.Second))

	auth := middleware.NewAuth(cfg.Auth, creds)
	claimLimiter := middleware.NewRateLimiter(cfg.Server.ClaimRate, cfg.Server.ClaimBurst)

	// Initialize handlers
	jobHandler := handlers.NewJobHandler(reg)
	workerHandler := handlers.NewWorkerHandler(dir, creds)
	statusHandler := handlers.NewStatusHandler(reg, dir)

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			// Submitter endpoints
			r.Post("/", jobHandler.CreateJob)
			r.Get("/", jobHandler.ListJobs)
			r.Get("/{id}", jobHandler.GetJob)

			// Worker endpoints
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireWorkerOrAdmin)
				r.With(claimLimiter.Limit).Post("/claim", jobHandler.ClaimJob)
				r.Post("/{id}/events", jobHandler.AppendEvent)
				r.Post("/{id}/complete", jobHandler.CompleteJob)
			})

			r.With(auth.RequireAdmin).Post("/{id}/cancel", jobHandler.CancelJob)
		})

		r.Route("/workers", func(r chi.Router) {
			r.With(auth.RequireWorkerOrAdmin).Post("/heartbeat", workerHandler.Heartbeat)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdmin)
				r.Get("/", workerHandler.ListWorkers)
				r.Post("/register", workerHandler.Register)
				r.Post("/{id}/rotate", workerHandler.Rotate)
				r.Post("/{id}/revoke", workerHandler.Revoke)
			})
		})

		// System Status endpoint
		r.Get("/system/status", statusHandler.GetSystemStatus)
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	return r
}
