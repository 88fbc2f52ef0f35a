// Package main implements the entry point for the soulsync server, which
// runs the job queue and exposes it over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/soulsync/internal/config"
	"github.com/phrazzld/soulsync/internal/platform/logger"
)

// options holds the parsed command line.
type options struct {
	configPath string
	migrate    bool
	mintToken  string
}

// parseFlags parses args (without the program name).
func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("soulsync", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file (default: ./config.yaml if present)")
	fs.BoolVar(&opts.migrate, "migrate", false, "apply database migrations and exit")
	fs.StringVar(&opts.mintToken, "mint-token", "", "print an API token for the given subject and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.migrate && opts.mintToken != "" {
		return options{}, fmt.Errorf("-migrate and -mint-token are mutually exclusive")
	}
	return opts, nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("soulsync exited with error", "error", err)
		os.Exit(1)
	}
}

// run is main without the process exit, so it can be tested.
func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := loadAppConfig(opts.configPath)
	if err != nil {
		return err
	}

	log, err := logger.Setup(logger.LoggerConfig{Level: cfg.Server.LogLevel})
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case opts.migrate:
		return runMigrations(ctx, cfg, log)
	case opts.mintToken != "":
		return mintToken(ctx, cfg, opts.mintToken, stdout)
	}

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return app.Run(ctx)
}

// loadAppConfig loads the configuration and logs a summary of it.
func loadAppConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"concurrency", cfg.Queue.Concurrency)
	slog.Debug("Optional features",
		"history_enabled", cfg.HistoryEnabled(),
		"auth_enabled", cfg.AuthEnabled())
	return cfg, nil
}
