package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/bootstrap"
	"github.com/Guizzs26/go-sync-queue/internal/broker"
	"github.com/Guizzs26/go-sync-queue/internal/config"
	"github.com/Guizzs26/go-sync-queue/internal/db"
	"github.com/Guizzs26/go-sync-queue/internal/httpapi"
	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/service"
	"github.com/Guizzs26/go-sync-queue/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		slog.Error("Fatal error opening queue store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	canonical, err := db.NewFirebirdRepository(cfg.FirebirdURL, logger)
	if err != nil {
		slog.Error("Fatal error connecting to Firebird", "error", err)
		os.Exit(1)
	}
	defer canonical.Close()

	reg, err := bootstrap.NewRegistry(canonical, cfg.ApplyTimeout)
	if err != nil {
		slog.Error("Fatal error building operation registry", "error", err)
		os.Exit(1)
	}

	svc := bootstrap.NewQueueService(cfg, store, reg, logger)
	events := newEventLink(cfg.RabbitMQURL, logger)
	svc.WithEvents(events)

	janitor := service.NewJanitor(svc, cfg.StaleAfter, cfg.MaintenanceInterval, cfg.DrainInterval, logger)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		janitor.Run(ctx)
	}()

	go events.maintain(ctx)
	go bootstrap.ServeObservability(ctx, cfg.MetricsPort, "SYNCD", nil, logger)

	api := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      httpapi.NewHandler(svc, logger).Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("🚀 Sync queue API started", "pid", os.Getpid(), "port", cfg.HTTPPort, "entity_types", reg.EntityTypes())
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("👋 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		slog.Error("API shutdown failed", "error", err)
	}
	<-janitorDone
	events.Close()
	slog.Info("✅ Shutdown complete")
}

// eventLink keeps a RabbitMQ publisher alive and reconnects with backoff. Events raised
// while the link is down are dropped; queue state never depends on them.
type eventLink struct {
	url    string
	logger *slog.Logger
	mu     sync.RWMutex
	client *broker.RabbitMQClient
}

func newEventLink(url string, logger *slog.Logger) *eventLink {
	return &eventLink{url: url, logger: logger}
}

func (l *eventLink) current() *broker.RabbitMQClient {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.client
}

func (l *eventLink) PublishEvent(ctx context.Context, event models.ItemEvent) error {
	c := l.current()
	if c == nil || !c.IsHealthy() {
		return errors.New("event broker unavailable")
	}
	return c.PublishEvent(ctx, event)
}

// maintain mirrors the relay lifecycle: ensure the broker link, back off on failure
func (l *eventLink) maintain(ctx context.Context) {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)
	for {
		if c := l.current(); c == nil || !c.IsHealthy() {
			if c != nil {
				c.Close()
			}
			fresh, err := broker.NewRabbitMQClient(l.url, l.logger)
			if err != nil {
				wait := backoff.Next()
				l.logger.Error("RabbitMQ link failure, retrying", "wait", wait, "error", err)
				if infra.Sleep(ctx, wait) != nil {
					return
				}
				continue
			}

			l.mu.Lock()
			l.client = fresh
			l.mu.Unlock()
			backoff.Reset()
			l.logger.Info("RabbitMQ link established 🚀")
		}

		if infra.Sleep(ctx, 5*time.Second) != nil {
			return
		}
	}
}

func (l *eventLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		l.client.Close()
		l.client = nil
	}
}
