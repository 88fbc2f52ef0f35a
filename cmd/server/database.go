package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/phrazzld/soulsync/internal/config"
	"github.com/phrazzld/soulsync/internal/platform/postgres"
)

// setupDatabase opens the history database and applies pending migrations.
func setupDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := postgres.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	if err := postgres.Migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	version, err := postgres.MigrationVersion(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("Database connection established", "schema_version", version)
	return db, nil
}

// runMigrations handles the -migrate flag.
func runMigrations(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if !cfg.HistoryEnabled() {
		return fmt.Errorf("database.url is not configured")
	}
	db, err := setupDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	defer func() { _ = db.Close() }()

	logger.Info("Migrations applied")
	return nil
}
