package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bilancio/internal/amqp"
	"bilancio/internal/config"
	"bilancio/internal/services"
	"bilancio/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting obligation-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	// Initialize SQLite repository
	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	// Initialize AMQP client for pending-action notifications
	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without notifications", "error", err)
			amqpClient = nil
		} else {
			defer amqpClient.Close()
			logger.Info("AMQP client initialized - pending actions will be announced")
		}
	} else {
		logger.Info("AMQP disabled - pending actions will not be announced")
	}

	poster := services.NewObligationPoster(repo, amqpClient)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interval := cfg.ObligationInterval
	logger.Info("Obligation poster configured",
		"interval", interval,
		"sqlite_db", cfg.SQLiteDBPath)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial processing on startup
	logger.Info("Running initial obligation processing...")
	if stats, err := poster.ProcessDueObligations(ctx, time.Now()); err != nil {
		logger.Error("Initial processing failed", "error", err)
	} else {
		logger.Info("Initial processing complete",
			"charges_posted", stats.ChargesPosted,
			"pending_created", stats.PendingCreated,
			"contributions_posted", stats.ContributionsPosted)
	}

	// Start periodic processing
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				logger.Info("Processing due obligations...")
				stats, err := poster.ProcessDueObligations(ctx, now)
				if err != nil {
					logger.Error("Periodic processing failed", "error", err)
				} else {
					logger.Info("Periodic processing complete",
						"charges_posted", stats.ChargesPosted,
						"pending_created", stats.PendingCreated,
						"contributions_posted", stats.ContributionsPosted,
						"next_check", now.Add(interval).Format("15:04:05"))
				}
			}
		}
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Obligation worker stopped gracefully")
}
