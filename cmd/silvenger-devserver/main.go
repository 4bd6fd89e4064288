package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"silvenger/internal/config"
	"silvenger/internal/constants"
	"silvenger/internal/database"
	apperrors "silvenger/internal/errors"
	"silvenger/internal/middleware"
	"silvenger/internal/models"
	"silvenger/internal/realtime"
	"silvenger/internal/tracing"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("silvenger-devserver %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	errLogger := apperrors.NewLogger()
	logger := errLogger.Logger

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting silvenger development backend")

	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	watcher := config.NewConfigWatcher(*configPath, logger)
	cfg, err := watcher.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	config.SetLogLevel(logger, cfg.LogLevel, *verbose)

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := database.OpenWithRetry(ctx, cfg.Server.DatabasePath, cfg.Retry, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(cfg.Server.Tokens) == 0 {
		logger.Warn("No bearer tokens configured; every authenticated request will be rejected")
	}
	tokens := middleware.NewTokenTable(cfg.Server.Tokens)
	watcher.OnConfigChange(func(next *models.Config) {
		tokens.Replace(next.Server.Tokens)
		logger.WithField(constants.LogFieldCount, len(next.Server.Tokens)).Info("Reloaded bearer tokens")
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	hub := realtime.NewHub(constants.DefaultRealtimeSubscriberBuffer, logger)
	server := NewServer(db, hub, tokens, cfg.Backend.APIKey, logger)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.Port); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		errLogger.LogError(err, "HTTP server stopped")
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}
