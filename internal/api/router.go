package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apiMiddleware "github.com/phrazzld/soulsync/internal/api/middleware"
	"github.com/phrazzld/soulsync/internal/auth"
	"github.com/phrazzld/soulsync/internal/store"
)

// RouterConfig holds the dependencies of NewRouter. History and Tokens are
// optional: without History the history routes are not mounted, and
// without Tokens the API is served unauthenticated.
type RouterConfig struct {
	Queue   JobQueue
	History store.JobHistoryStore
	Tokens  auth.TokenService
	Logger  *slog.Logger
}

// NewRouter creates the application router with all routes and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(cfg.Logger))

	jobHandler := NewJobHandler(cfg.Queue, cfg.Logger)
	queueHandler := NewQueueHandler(cfg.Queue, cfg.Logger)

	r.Route("/api", func(r chi.Router) {
		if cfg.Tokens != nil {
			r.Use(apiMiddleware.NewAuthMiddleware(cfg.Tokens).Authenticate)
		}

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobHandler.Enqueue)
			r.Get("/", jobHandler.List)
			r.Delete("/", jobHandler.Purge)
			r.Post("/batch", jobHandler.Batch)
			r.Get("/{id}", jobHandler.Get)
			r.Delete("/{id}", jobHandler.Cancel)
			r.Put("/{id}/priority", jobHandler.SetPriority)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Post("/pause", queueHandler.Pause)
			r.Post("/resume", queueHandler.Resume)
			r.Put("/concurrency", queueHandler.SetConcurrency)
			r.Get("/status", queueHandler.Status)
		})

		if cfg.History != nil {
			historyHandler := NewHistoryHandler(cfg.History, cfg.Logger)
			r.Get("/history", historyHandler.List)
			r.Get("/history/{id}", historyHandler.Get)
		}
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			cfg.Logger.Error("Failed to write health check response", "error", err)
		}
	})

	return r
}
