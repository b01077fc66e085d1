package service

import (
	"context"
	"log/slog"
	"time"
)

// DrainOwnersLimit caps how many owners one auto-drain cycle visits
const DrainOwnersLimit = 50

// Janitor is the optional scheduling wrapper around the queue: it releases stale
// PROCESSING rows and, when enabled, periodically drains owners with pending work.
type Janitor struct {
	svc           *QueueService
	staleAfter    time.Duration
	interval      time.Duration
	drainInterval time.Duration
	logger        *slog.Logger
}

func NewJanitor(svc *QueueService, staleAfter, interval, drainInterval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		svc:           svc,
		staleAfter:    staleAfter,
		interval:      interval,
		drainInterval: drainInterval,
		logger:        logger,
	}
}

// Run blocks until the context is canceled
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// A nil channel never fires, which disables auto-drain
	var drainC <-chan time.Time
	if j.drainInterval > 0 {
		drainTicker := time.NewTicker(j.drainInterval)
		defer drainTicker.Stop()
		drainC = drainTicker.C
	}

	j.logger.Info("🧹 Janitor started",
		"stale_after", j.staleAfter,
		"interval", j.interval,
		"auto_drain", j.drainInterval > 0,
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("🛑 Janitor: stopping maintenance goroutine")
			return
		case <-ticker.C:
			j.resetStale(ctx)
		case <-drainC:
			j.drain(ctx)
		}
	}
}

func (j *Janitor) resetStale(ctx context.Context) {
	affected, err := j.svc.ResetStale(ctx, j.staleAfter)
	if err != nil {
		j.logger.Error("Janitor: failed to reset stale items", "error", err)
		return
	}
	if affected > 0 {
		j.logger.Warn("Janitor: rescued stuck items", "count", affected)
	}
}

func (j *Janitor) drain(ctx context.Context) {
	drained, err := j.svc.DrainOwners(ctx, DrainOwnersLimit)
	if err != nil {
		j.logger.Error("Janitor: auto-drain cycle failed", "error", err)
		return
	}
	if drained > 0 {
		j.logger.Debug("Janitor: auto-drain cycle finished", "owners", drained)
	}
}
