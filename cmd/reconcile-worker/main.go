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

	logger.Info("Starting reconcile-worker")

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

	// Initialize AMQP client for decision notifications
	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without notifications", "error", err)
			amqpClient = nil
		} else {
			defer amqpClient.Close()
			logger.Info("AMQP client initialized - decisions will be announced")
		}
	} else {
		logger.Info("AMQP disabled - decisions will not be announced")
	}

	reconciler := services.NewMonthlyReconciler(repo, amqpClient)
	reconciler.SetConcurrency(cfg.ReconcileConcurrency)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interval := cfg.ReconcileInterval
	logger.Info("Monthly reconciler configured",
		"interval", interval,
		"concurrency", cfg.ReconcileConcurrency,
		"sqlite_db", cfg.SQLiteDBPath)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial reconciliation on startup; already-decided months are
	// skipped, so frequent runs are harmless.
	logger.Info("Running initial reconciliation...")
	if stats, err := reconciler.ReconcileAll(ctx, time.Now()); err != nil {
		logger.Error("Initial reconciliation failed", "error", err)
	} else {
		logger.Info("Initial reconciliation complete",
			"reconciled", stats.UsersReconciled,
			"decisions", stats.DecisionsMade)
	}

	// Start periodic reconciliation
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				logger.Info("Running monthly reconciliation...")
				stats, err := reconciler.ReconcileAll(ctx, now)
				if err != nil {
					logger.Error("Periodic reconciliation failed", "error", err)
				} else {
					logger.Info("Periodic reconciliation complete",
						"reconciled", stats.UsersReconciled,
						"decisions", stats.DecisionsMade,
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

	logger.Info("Reconcile worker stopped gracefully")
}
