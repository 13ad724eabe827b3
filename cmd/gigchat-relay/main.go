package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gigchat/internal/config"
	"gigchat/internal/constants"
	"gigchat/internal/database"
	"gigchat/internal/models"
	"gigchat/internal/relay"
	"gigchat/internal/retry"
	"gigchat/internal/tracing"
	"gigchat/pkg/mediastore"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable debug logging")
	configPath = flag.String("config", "relay.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
	watch      = flag.Bool("watch", true, "Reload moderation policy when the config file changes")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("gigchat-relay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Relay error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting gigchat relay")

	cfg.Tracing.ServiceVersion = Version
	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := mediastore.New(cfg.Media.StorageDir, int64(cfg.Media.MaxUploadSizeMB)*constants.BytesPerMegabyte)
	if err != nil {
		return fmt.Errorf("failed to initialize media store: %w", err)
	}

	if cfg.Relay.SeedDemo {
		if err := relay.SeedDemo(ctx, db); err != nil {
			return fmt.Errorf("failed to seed demo conversation: %w", err)
		}
		logger.WithField("conversation_id", relay.DemoConversationID).Info("Demo conversation ready")
	}

	server, err := relay.NewServer(*cfg, relay.Deps{Store: db, Media: store, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	if *watch {
		watcher := config.NewConfigWatcher(*configPath, logger)
		watcher.OnConfigChange(func(next *models.Config) {
			if err := server.UpdatePolicy(next); err != nil {
				logger.WithError(err).Warn("Ignoring reloaded moderation policy")
			}
			setLogLevel(logger, next.LogLevel)
		})
		go func() {
			if err := watcher.Start(ctx); err != nil {
				logger.WithError(err).Warn("Configuration watcher stopped")
			}
		}()
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		server.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Relay.ShutdownTimeoutSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown relay gracefully: %w", err)
	}

	logger.Info("Relay shutdown completed")
	return nil
}

// openDatabase opens SQLite with a bounded backoff.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoffCfg := retry.FromConfig(cfg.Retry)
	backoffCfg.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	backoff := retry.New(backoffCfg)

	var db *database.Database
	err := backoff.Do(ctx, func(ctx context.Context, attempt int) error {
		var openErr error
		db, openErr = database.New(cfg.Relay.DatabasePath, database.OptionsFromEnv(cfg.Relay.EncryptAtRest))
		return openErr
	}, func(attempt int, err error, wait time.Duration) {
		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).WithError(err).Warn("Failed to open database, retrying")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"path":      cfg.Relay.DatabasePath,
		"encrypted": db.EncryptionEnabled(),
	}).Info("Database ready")
	return db, nil
}

func setLogLevel(logger *logrus.Logger, name string) {
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", name)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
