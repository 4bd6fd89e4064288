package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"silvenger/internal/config"
	"silvenger/internal/connectivity"
	"silvenger/internal/database"
	apperrors "silvenger/internal/errors"
	"silvenger/internal/queue"
	"silvenger/internal/realtime"
	"silvenger/internal/tracing"
	"silvenger/pkg/backend"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose      = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath   = flag.String("config", "config.json", "Path to configuration file")
	conversation = flag.String("conversation", "", "Conversation to open")
	noColor      = flag.Bool("no-color", false, "Disable ANSI colors")
	logPath      = flag.String("log", "", "Write logs to this file instead of stderr")
	version      = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("silvenger %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := apperrors.NewLogger().Logger
	if *logPath != "" {
		file, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 - operator supplied path
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer file.Close()
		logger.SetOutput(file)
	}

	if *conversation == "" {
		return fmt.Errorf("-conversation is required")
	}

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	config.SetLogLevel(logger, cfg.LogLevel, *verbose)

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting silvenger")

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := database.OpenWithRetry(ctx, cfg.Queue.DatabasePath, cfg.Retry, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	instanceID := uuid.NewString()
	key := cfg.Queue.StorageKey
	if cfg.Queue.ScopePerInstance {
		key = queue.ScopedKey(key, instanceID)
	}
	store := queue.NewSlotStore(db, key, logger)
	if err := store.Claim(ctx, db, instanceID, time.Duration(cfg.Queue.LeaseTTLSec)*time.Second); err != nil {
		if queue.IsSlotBusy(err) {
			return fmt.Errorf("another silvenger instance owns the queue (set scope_per_instance to run several): %w", err)
		}
		return err
	}
	defer func() {
		if err := store.Release(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to release queue slot")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go store.KeepAlive(ctx, func(holder string) {
		logger.WithField("holder", holder).Error("Queue slot taken over by another instance, exiting")
		cancel()
	})

	api := backend.NewClientWithLogger(cfg.Backend, nil, logger)

	monitor := connectivity.NewMonitor(ctx, &connectivity.HTTPProbe{
		URL:    cfg.Connectivity.ProbeURL,
		Client: &http.Client{Timeout: time.Duration(cfg.Connectivity.ProbeTimeoutSec) * time.Second},
	},
		time.Duration(cfg.Connectivity.ProbeIntervalSec)*time.Second,
		time.Duration(cfg.Connectivity.ProbeTimeoutSec)*time.Second,
		logger,
	)
	monitor.Start(ctx)
	defer monitor.Stop()

	ws := realtime.NewWSClientWithLogger(cfg.Realtime, cfg.Backend, logger)

	app := NewApp(*conversation, cfg.Queue, Deps{
		API:       api,
		Feed:      ws,
		Broadcast: ws,
		Store:     store,
		Slots:     db,
		Conn:      monitor,
		Out:       os.Stdout,
		Color:     !*noColor,
		Logger:    logger,
	})
	ws.OnReconnect(func(topic string) {
		if topic == realtime.MessagesTopic(*conversation) {
			app.Reload(ctx)
		}
	})

	return app.Run(ctx, os.Stdin)
}
