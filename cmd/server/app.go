package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/phrazzld/soulsync/internal/api"
	"github.com/phrazzld/soulsync/internal/auth"
	"github.com/phrazzld/soulsync/internal/config"
	"github.com/phrazzld/soulsync/internal/events"
	"github.com/phrazzld/soulsync/internal/handlers"
	"github.com/phrazzld/soulsync/internal/platform/postgres"
	"github.com/phrazzld/soulsync/internal/queue"
	"github.com/phrazzld/soulsync/internal/store"
)

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	// History archive; nil when no database is configured
	db      *sql.DB
	history store.JobHistoryStore
	archive *postgres.JobArchive

	// Optional API authentication
	tokens auth.TokenService

	emitter    *events.InMemoryEventEmitter
	registry   *queue.HandlerRegistry
	controller *queue.Controller
}

// controllerConfig maps the queue configuration section onto the controller.
func controllerConfig(cfg config.QueueConfig) queue.ControllerConfig {
	return queue.ControllerConfig{
		Store: queue.StoreConfig{
			MinPriority:   cfg.MinPriority,
			MaxPriority:   cfg.MaxPriority,
			MaxRetriesCap: cfg.MaxRetriesCap,
			Retry: queue.RetryPolicy{
				Base: cfg.BackoffBase,
				Max:  cfg.BackoffMax,
			},
		},
		Pool: queue.WorkerPoolConfig{
			Concurrency:    cfg.Concurrency,
			MinConcurrency: cfg.MinConcurrency,
			MaxConcurrency: cfg.MaxConcurrency,
			PollInterval:   cfg.PollInterval,
		},
		DefaultMaxRetries:  cfg.DefaultMaxRetries,
		RejectUnknownTypes: cfg.RejectUnknownTypes,
		PurgeAfter:         cfg.PurgeAfter,
		PurgeInterval:      cfg.PurgeInterval,
	}
}

// archiveConfig maps the database settings onto the history archive.
func archiveConfig(cfg config.DatabaseConfig) postgres.ArchiveConfig {
	archive := postgres.DefaultArchiveConfig()
	archive.Retention = cfg.HistoryRetention
	return archive
}

// newApplication creates a new application instance with all dependencies
// initialized. Nothing is started until Run.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config:   cfg,
		logger:   logger,
		emitter:  events.NewInMemoryEventEmitter(logger),
		registry: queue.NewHandlerRegistry(),
	}

	if cfg.AuthEnabled() {
		tokens, err := auth.NewTokenService(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize token service: %w", err)
		}
		app.tokens = tokens
		logger.Info("API authentication enabled", "token_ttl", cfg.Auth.TokenTTL)
	} else {
		logger.Warn("API authentication disabled: auth.jwt_secret is not set")
	}

	if cfg.HistoryEnabled() {
		db, err := setupDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to set up history database: %w", err)
		}
		app.db = db
		historyStore := postgres.NewPostgresHistoryStore(db)
		app.history = historyStore
		app.archive = postgres.NewJobArchive(historyStore, archiveConfig(cfg.Database), logger)
		app.emitter.RegisterHandler(app.archive)
	}

	app.emitter.RegisterHandler(newTransitionLogger(logger))

	fetcher := handlers.NewFetcher(cfg.Fetch, logger)
	if err := fetcher.Register(app.registry); err != nil {
		app.cleanup(ctx)
		return nil, fmt.Errorf("failed to register fetch handler: %w", err)
	}

	app.controller = queue.NewController(app.registry, controllerConfig(cfg.Queue), app.emitter, logger)

	logger.Info("Application initialized successfully",
		"handler_types", app.registry.Types(),
		"history_enabled", app.history != nil)
	return app, nil
}

// newTransitionLogger logs terminal job transitions.
func newTransitionLogger(logger *slog.Logger) events.EventHandler {
	log := logger.With("component", "job_events")
	return events.EventHandlerFunc(func(ctx context.Context, event *events.JobEvent) error {
		if !event.Terminal {
			return nil
		}
		level := slog.LevelInfo
		if event.To == string(queue.JobStatusFailed) {
			level = slog.LevelWarn
		}
		log.Log(ctx, level, "job finished",
			"job_id", event.JobID,
			"job_type", event.JobType,
			"status", event.To,
			"attempt", event.Attempt)
		return nil
	})
}

// router builds the HTTP handler for the application.
func (app *application) router() http.Handler {
	return api.NewRouter(api.RouterConfig{
		Queue:   app.controller,
		History: app.history,
		Tokens:  app.tokens,
		Logger:  app.logger,
	})
}

// Run starts the archive, the queue and the HTTP server, and blocks until
// ctx is cancelled or the server fails.
func (app *application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", app.config.Server.Port))
	if err != nil {
		app.cleanup(ctx)
		return fmt.Errorf("failed to listen: %w", err)
	}
	return app.serve(ctx, ln)
}

// cleanup stops the queue, flushes the archive and closes the database,
// each bounded by the configured shutdown timeout.
func (app *application) cleanup(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.config.Server.ShutdownTimeout)
	defer cancel()

	if app.controller != nil {
		app.controller.Stop(shutdownCtx)
	}

	if app.archive != nil {
		if err := app.archive.Close(shutdownCtx); err != nil {
			app.logger.Error("Error flushing job archive", "error", err)
		}
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}

	app.logger.Info("Application shutdown completed")
}
