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
	"gigchat/internal/models"
	"gigchat/internal/service"
	"gigchat/internal/tracing"
	"gigchat/pkg/api"
	"gigchat/pkg/channel"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose        = flag.Bool("verbose", false, "Enable debug logging on stderr")
	configPath     = flag.String("config", "config.json", "Path to configuration file")
	conversationID = flag.String("conversation", "", "Conversation to open")
	userID         = flag.String("user", "", "Override the configured user id")
	version        = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("gigchat %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gigchat: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if *userID != "" {
		// LoadConfig validates the user id; the override rides the env override
		if err := os.Setenv("GIGCHAT_USER_ID", *userID); err != nil {
			return err
		}
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *conversationID == "" {
		return fmt.Errorf("-conversation is required")
	}

	logger := newLogger(cfg)
	ctx = service.WithVerbose(ctx, *verbose)

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

	apiClient := api.NewClient(cfg.API, cfg.UserID, nil, logger)
	ch := channel.NewClient(cfg.Channel, cfg.Retry, cfg.UserID, logger)
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	defer ch.Close()

	session, err := service.OpenSession(ctx, service.NewSessionConfig(cfg, *conversationID), apiClient, ch, logger)
	if err != nil {
		return fmt.Errorf("failed to open conversation: %w", err)
	}

	con := newConsole(session, os.Stdout, cfg.UserID, int64(cfg.Media.MaxUploadSizeMB)*constants.BytesPerMegabyte)
	detach := con.attach(ch)
	defer detach()

	con.printHistory()
	err = con.loop(ctx, os.Stdin)

	// let sends already on the wire settle before leaving
	settled := make(chan struct{})
	go func() {
		session.Pipeline().Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-time.After(5 * time.Second):
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if closeErr := session.Close(closeCtx); closeErr != nil {
		logger.WithError(closeErr).Debug("Leave on close failed")
	}
	return err
}

// newLogger writes JSON to stderr; stdout carries the conversation.
func newLogger(cfg *models.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		return logger
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil || level > logrus.WarnLevel {
		level = logrus.WarnLevel
	}
	logger.SetLevel(level)
	return logger
}
