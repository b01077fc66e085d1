package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/bootstrap"
	"github.com/Guizzs26/go-sync-queue/internal/broker"
	"github.com/Guizzs26/go-sync-queue/internal/config"
	"github.com/Guizzs26/go-sync-queue/internal/db"
	"github.com/Guizzs26/go-sync-queue/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔥 Ingestion consumer initializing...", "store_driver", cfg.StoreDriver)

	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("CRITICAL: queue store unavailable", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	canonical, err := db.NewFirebirdRepository(cfg.FirebirdURL, logger)
	if err != nil {
		logger.Error("CRITICAL: Firebird connection failed", "error", err)
		os.Exit(1)
	}
	defer canonical.Close()

	reg, err := bootstrap.NewRegistry(canonical, cfg.ApplyTimeout)
	if err != nil {
		logger.Error("CRITICAL: operation registry setup failed", "error", err)
		os.Exit(1)
	}
	svc := bootstrap.NewQueueService(cfg, store, reg, logger)

	var listening atomic.Bool
	go bootstrap.ServeObservability(ctx, cfg.MetricsPort, "CONSUMER", listening.Load, logger)

	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 Shutdown signal received")
			return
		default:
			consumer, err := broker.NewRabbitMQConsumer(cfg.RabbitMQURL, svc, logger)
			if err != nil {
				wait := connBackoff.Next()
				logger.Error("RabbitMQ connection failed, retrying...",
					"wait_duration", wait,
					"error", err,
				)

				if infra.Sleep(ctx, wait) != nil {
					return
				}
				continue
			}

			connBackoff.Reset()
			logger.Info("✅ Connected to Broker. Listening for enqueue requests...")

			listening.Store(true)
			if err := consumer.Listen(ctx); err != nil {
				logger.Error("⚠️ Consumer connection lost", "error", err)
			}

			listening.Store(false)
			consumer.Close()
		}
	}
}
