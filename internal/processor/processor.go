// Package processor drives a single queue item through the sync state machine: claim,
// apply through the operation registry, then persist the outcome.
package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/conflict"
	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/registry"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"
	"github.com/Guizzs26/go-sync-queue/pkg/metrics"
)

// Store is the slice of the queue store the processor needs
type Store interface {
	Get(ctx context.Context, id string) (*models.QueueItem, error)
	Claim(ctx context.Context, id string, c models.Claim) (*models.QueueItem, error)
	Update(ctx context.Context, id string, patch models.ItemPatch) error
}

// HandlerLookup resolves the handler for an entity type
type HandlerLookup interface {
	Lookup(entityType string) (registry.Handler, bool)
}

// Processor is safe for concurrent use; mutual exclusion per item comes from Store.Claim.
type Processor struct {
	store    Store
	handlers HandlerLookup
	logger   *slog.Logger
	now      func() time.Time
}

func New(store Store, handlers HandlerLookup, logger *slog.Logger) *Processor {
	return &Processor{
		store:    store,
		handlers: handlers,
		logger:   logger,
		now:      time.Now,
	}
}

// errorDetails is persisted alongside errorMessage for diagnostics
type errorDetails struct {
	Kind        syncerr.Kind `json:"kind"`
	Attempt     int          `json:"attempt"`
	MaxAttempts int          `json:"maxAttempts"`
	Resolution  string       `json:"resolution,omitempty"`
	At          time.Time    `json:"at"`
}

// Process performs one sync attempt for the item. Already-synced items are returned as
// a success without calling the handler again; conflicted items must be resolved first.
func (p *Processor) Process(ctx context.Context, id, callerID string) (out models.Outcome, err error) {
	item, err := p.load(ctx, id, callerID)
	if err != nil {
		return models.Outcome{}, err
	}

	switch item.Status {
	case models.StatusSynced, models.StatusResolved:
		return models.Outcome{ItemID: item.ID, Status: item.Status, Result: item.ResolvedData}, nil
	case models.StatusConflict:
		return models.Outcome{}, syncerr.InvalidState("queue item %s is in conflict and must be resolved", id)
	case models.StatusProcessing:
		return models.Outcome{}, syncerr.New(syncerr.KindInProgress, "queue item %s is already in progress", id)
	}

	claim := models.Claim{From: []models.Status{models.StatusPending}, CountAttempt: true}
	if item.Status == models.StatusFailed {
		// Explicitly re-processing a FAILED item grants a fresh retry budget
		claim = models.Claim{From: []models.Status{models.StatusFailed}, CountAttempt: true, ResetAttempts: true}
	}

	claimed, err := p.store.Claim(ctx, id, claim)
	if err != nil {
		// Lost the race to a caller that already finished the item
		if syncerr.Is(err, syncerr.KindInvalidState) {
			if cur, getErr := p.store.Get(ctx, id); getErr == nil && cur.Status.Succeeded() {
				return models.Outcome{ItemID: cur.ID, Status: cur.Status, Result: cur.ResolvedData}, nil
			}
		}
		return models.Outcome{}, err
	}

	// Outcome writes must land even if the caller goes away mid-apply, otherwise the
	// item sits in PROCESSING until the stale janitor releases it
	persistCtx := context.WithoutCancel(ctx)

	start := p.now()
	defer func() {
		label := outcomeLabel(out)
		metrics.ItemsProcessed.WithLabelValues(label, claimed.EntityType).Inc()
		metrics.ProcessDuration.WithLabelValues(label, string(claimed.Operation)).Observe(time.Since(start).Seconds())
	}()

	l := p.logger.With(
		"item_id", claimed.ID,
		"entity_type", claimed.EntityType,
		"operation", claimed.Operation,
		"attempt", claimed.AttemptCount,
	)

	result, applyErr := p.apply(ctx, claimed, claimed.Operation, claimed.Payload, callerID)
	if applyErr == nil {
		if err := p.store.Update(persistCtx, id, models.ItemPatch{
			Status:      models.Ptr(models.StatusSynced),
			SyncedAt:    models.Ptr(p.now()),
			ClearErrors: true,
		}); err != nil {
			return models.Outcome{}, err
		}
		l.Info("Queue item synchronized")
		return models.Outcome{ItemID: id, Status: models.StatusSynced, Result: result}, nil
	}

	if ce, ok := conflict.Detect(applyErr); ok {
		return p.recordConflict(persistCtx, l, claimed, ce)
	}

	kind := syncerr.KindOf(applyErr)
	next := models.StatusPending
	if claimed.AttemptCount >= claimed.MaxAttempts {
		next = models.StatusFailed
	}

	details, _ := json.Marshal(errorDetails{
		Kind:        kind,
		Attempt:     claimed.AttemptCount,
		MaxAttempts: claimed.MaxAttempts,
		At:          p.now(),
	})
	if err := p.store.Update(persistCtx, id, models.ItemPatch{
		Status:       models.Ptr(next),
		ErrorMessage: models.Ptr(applyErr.Error()),
		ErrorDetails: details,
	}); err != nil {
		return models.Outcome{}, err
	}

	if next == models.StatusFailed {
		l.Error("Queue item exhausted its retry budget", "error", applyErr)
		return models.Outcome{
			ItemID: id,
			Status: models.StatusFailed,
			Error:  &models.OutcomeError{Kind: syncerr.KindExhausted, Message: applyErr.Error()},
		}, nil
	}

	l.Warn("Queue item attempt failed, will retry", "error", applyErr, "kind", kind)
	return models.Outcome{
		ItemID:   id,
		Status:   models.StatusPending,
		Retrying: true,
		Error:    &models.OutcomeError{Kind: kind, Message: applyErr.Error()},
	}, nil
}

// Resolve settles a conflicted item with the caller's chosen strategy. Validation
// failures leave the item untouched in CONFLICT.
func (p *Processor) Resolve(ctx context.Context, id string, resolution models.Resolution, merged models.Payload, callerID string) (out models.Outcome, err error) {
	item, err := p.load(ctx, id, callerID)
	if err != nil {
		return models.Outcome{}, err
	}

	plan, err := conflict.PlanResolution(item, resolution, merged)
	if err != nil {
		return models.Outcome{}, err
	}

	claimed, err := p.store.Claim(ctx, id, models.Claim{From: []models.Status{models.StatusConflict}})
	if err != nil {
		return models.Outcome{}, err
	}

	persistCtx := context.WithoutCancel(ctx)

	defer func() {
		metrics.Resolutions.WithLabelValues(string(resolution), outcomeLabel(out)).Inc()
	}()

	l := p.logger.With(
		"item_id", claimed.ID,
		"entity_type", claimed.EntityType,
		"resolution", resolution,
	)

	var result models.Payload
	if !plan.Skip {
		var applyErr error
		result, applyErr = p.apply(ctx, claimed, plan.Operation, plan.Payload, callerID)

		if ce, ok := conflict.Detect(applyErr); ok {
			// A second writer got in between; the caller must look again
			out, err := p.recordConflict(persistCtx, l, claimed, ce)
			if err == nil {
				out.Error.Message = "conflict detected again during resolution: " + out.Error.Message
			}
			return out, err
		}

		if applyErr != nil {
			kind := syncerr.KindOf(applyErr)
			details, _ := json.Marshal(errorDetails{
				Kind:        kind,
				Attempt:     claimed.AttemptCount,
				MaxAttempts: claimed.MaxAttempts,
				Resolution:  string(resolution),
				At:          p.now(),
			})
			if err := p.store.Update(persistCtx, id, models.ItemPatch{
				Status:       models.Ptr(models.StatusConflict),
				ErrorMessage: models.Ptr(applyErr.Error()),
				ErrorDetails: details,
			}); err != nil {
				return models.Outcome{}, err
			}
			l.Warn("Conflict resolution failed, item stays in conflict", "error", applyErr)
			return models.Outcome{
				ItemID: id,
				Status: models.StatusConflict,
				Error:  &models.OutcomeError{Kind: kind, Message: applyErr.Error()},
			}, nil
		}
	}

	now := p.now()
	if err := p.store.Update(persistCtx, id, models.ItemPatch{
		Status:       models.Ptr(models.StatusResolved),
		Resolution:   models.Ptr(resolution),
		ResolvedData: plan.Payload,
		ResolvedBy:   models.Ptr(callerID),
		ResolvedAt:   &now,
		SyncedAt:     &now,
		ClearErrors:  true,
	}); err != nil {
		return models.Outcome{}, err
	}

	l.Info("Conflict resolved", "skipped_write", plan.Skip)
	return models.Outcome{ItemID: id, Status: models.StatusResolved, Result: result}, nil
}

// load fetches the item and hides it from callers that do not own it
func (p *Processor) load(ctx context.Context, id, callerID string) (*models.QueueItem, error) {
	item, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.OwnerID != callerID {
		return nil, syncerr.NotFound("queue item %s not found", id)
	}
	return item, nil
}

func (p *Processor) apply(ctx context.Context, item *models.QueueItem, op models.Operation, payload models.Payload, callerID string) (models.Payload, error) {
	h, ok := p.handlers.Lookup(item.EntityType)
	if !ok {
		return nil, syncerr.Validation("no handler registered for entity type %q", item.EntityType)
	}
	return h.Apply(ctx, registry.Request{
		ItemID:    item.ID,
		Operation: op,
		EntityID:  item.EntityID,
		Payload:   payload,
		CallerID:  callerID,
	})
}

// recordConflict persists the conflict snapshot. The remote side is re-read when the
// handler can fetch, so the caller decides against the freshest state available.
func (p *Processor) recordConflict(ctx context.Context, l *slog.Logger, item *models.QueueItem, ce *syncerr.ConflictError) (models.Outcome, error) {
	metrics.ConflictsDetected.WithLabelValues(item.EntityType).Inc()

	remote := models.Payload(ce.Remote)
	if h, ok := p.handlers.Lookup(item.EntityType); ok {
		if f, ok := h.(registry.Fetcher); ok && item.EntityID != "" {
			current, err := f.FetchCurrent(ctx, item.EntityID)
			if err != nil {
				l.Warn("Could not refresh remote snapshot, keeping the one from the rejected write", "error", err)
			} else {
				remote = current
			}
		}
	}

	message := ce.Error()
	if err := p.store.Update(ctx, item.ID, models.ItemPatch{
		Status:       models.Ptr(models.StatusConflict),
		ErrorMessage: models.Ptr(message),
		ConflictData: &models.ConflictData{
			ErrorMessage: message,
			LocalData:    item.Payload.Clone(),
			RemoteData:   remote.Clone(),
			DetectedAt:   p.now(),
		},
	}); err != nil {
		return models.Outcome{}, err
	}

	l.Warn("Conflicting write detected, waiting for resolution", "remote_exists", remote != nil)
	return models.Outcome{
		ItemID: item.ID,
		Status: models.StatusConflict,
		Error:  &models.OutcomeError{Kind: syncerr.KindConflictingWrite, Message: message},
	}, nil
}

func outcomeLabel(o models.Outcome) string {
	switch {
	case o.Status == "":
		return "error"
	case o.Retrying:
		return "retry"
	default:
		return strings.ToLower(string(o.Status))
	}
}
