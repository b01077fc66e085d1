package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/registry"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"
	"github.com/Guizzs26/go-sync-queue/pkg/metrics"

	"github.com/google/uuid"
)

const MaxBatchMemoryThresholdMB = 20

// Repository defines the contract for queue persistence
type Repository interface {
	Enqueue(ctx context.Context, item *models.QueueItem) error
	Get(ctx context.Context, id string) (*models.QueueItem, error)
	ListByOwner(ctx context.Context, ownerID string, statuses []models.Status, limit int) ([]*models.QueueItem, error)
	CountByOwner(ctx context.Context, ownerID string, status models.Status) (int, error)
	OwnersWithStatus(ctx context.Context, status models.Status, limit int) ([]string, error)
	ResetStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Processor drives single items through the state machine
type Processor interface {
	Process(ctx context.Context, id, callerID string) (models.Outcome, error)
	Resolve(ctx context.Context, id string, resolution models.Resolution, merged models.Payload, callerID string) (models.Outcome, error)
}

// HandlerLookup tells the service which entity types can be accepted
type HandlerLookup interface {
	Lookup(entityType string) (registry.Handler, bool)
}

// EventPublisher receives outcome events. Failures are logged and never affect item state.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event models.ItemEvent) error
}

type Options struct {
	DefaultMaxAttempts int
	ListLimit          int
	MaxListLimit       int
}

// QueueService is the transport-agnostic entry point for every queue operation
type QueueService struct {
	repo      Repository
	processor Processor
	handlers  HandlerLookup
	events    EventPublisher
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

func NewQueueService(r Repository, p Processor, h HandlerLookup, opts Options, l *slog.Logger) *QueueService {
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = models.DefaultMaxAttempts
	}
	if opts.MaxListLimit <= 0 {
		opts.MaxListLimit = 1000
	}
	if opts.ListLimit <= 0 || opts.ListLimit > opts.MaxListLimit {
		opts.ListLimit = min(100, opts.MaxListLimit)
	}
	return &QueueService{
		repo:      r,
		processor: p,
		handlers:  h,
		opts:      opts,
		logger:    l,
		now:       time.Now,
	}
}

// WithEvents attaches an outcome publisher
func (s *QueueService) WithEvents(p EventPublisher) *QueueService {
	s.events = p
	return s
}

// Enqueue persists a new PENDING item and immediately attempts to sync it. The returned
// item reflects the state after that first attempt; a failed attempt is not an error.
func (s *QueueService) Enqueue(ctx context.Context, req models.EnqueueRequest) (*models.QueueItem, models.Outcome, error) {
	if err := s.validate(req); err != nil {
		return nil, models.Outcome{}, err
	}

	now := s.now()
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.opts.DefaultMaxAttempts
	}
	localTS := req.LocalTimestamp
	if localTS.IsZero() {
		localTS = now
	}

	item := &models.QueueItem{
		ID:             uuid.NewString(),
		OwnerID:        req.OwnerID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Operation:      req.Operation,
		Payload:        req.Payload.Clone(),
		Priority:       req.Priority,
		LocalTimestamp: localTS,
		DeviceID:       req.DeviceID,
		SessionID:      req.SessionID,
		Metadata:       req.Metadata.Clone(),
		Status:         models.StatusPending,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if item.Payload == nil {
		item.Payload = models.Payload{}
	}

	if err := s.repo.Enqueue(ctx, item); err != nil {
		return nil, models.Outcome{}, fmt.Errorf("enqueue failed: %w", err)
	}

	l := s.logger.With("item_id", item.ID, "owner_id", item.OwnerID, "entity_type", item.EntityType)
	l.Info("Queue item enqueued", "operation", item.Operation, "priority", item.Priority)

	out, err := s.Process(ctx, item.ID, item.OwnerID)
	if err != nil {
		// The item is durable; a later drain or explicit process will pick it up
		l.Warn("Immediate sync attempt could not run", "error", err)
	}

	current, getErr := s.repo.Get(ctx, item.ID)
	if getErr != nil {
		return item, out, nil
	}
	return current, out, nil
}

func (s *QueueService) validate(req models.EnqueueRequest) error {
	if req.OwnerID == "" {
		return syncerr.BadRequest("owner id is required")
	}
	if req.EntityType == "" {
		return syncerr.Validation("entity type is required")
	}
	if _, ok := s.handlers.Lookup(req.EntityType); !ok {
		return syncerr.Validation("unknown entity type %q", req.EntityType)
	}
	if !req.Operation.Valid() {
		return syncerr.Validation("unsupported operation %q", req.Operation)
	}
	if req.Operation.RequiresEntityID() && req.EntityID == "" {
		return syncerr.Validation("%s requires an entity id", req.Operation)
	}
	if req.Operation != models.OpDelete && len(req.Payload) == 0 {
		return syncerr.Validation("%s requires a payload", req.Operation)
	}
	if req.MaxAttempts < 0 || req.MaxAttempts > 20 {
		return syncerr.Validation("maxAttempts must be between 1 and 20")
	}
	return nil
}

// Process runs one sync attempt and publishes the resulting outcome
func (s *QueueService) Process(ctx context.Context, id, callerID string) (models.Outcome, error) {
	out, err := s.processor.Process(ctx, id, callerID)
	if err != nil {
		return out, err
	}
	s.publish(ctx, out)
	return out, nil
}

// Retry re-arms a FAILED item with a fresh attempt budget and processes it. PENDING items
// are simply processed.
func (s *QueueService) Retry(ctx context.Context, id, callerID string) (models.Outcome, error) {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return models.Outcome{}, err
	}
	if item.OwnerID != callerID {
		return models.Outcome{}, syncerr.NotFound("queue item %s not found", id)
	}
	if item.Status != models.StatusFailed && item.Status != models.StatusPending {
		return models.Outcome{}, syncerr.InvalidState("queue item %s is %s and cannot be retried", id, item.Status)
	}
	return s.Process(ctx, id, callerID)
}

func (s *QueueService) ResolveConflict(ctx context.Context, id string, resolution models.Resolution, merged models.Payload, callerID string) (models.Outcome, error) {
	out, err := s.processor.Resolve(ctx, id, resolution, merged, callerID)
	if err != nil {
		return out, err
	}
	s.publish(ctx, out)
	return out, nil
}

// Get returns one item owned by the caller
func (s *QueueService) Get(ctx context.Context, id, callerID string) (*models.QueueItem, error) {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.OwnerID != callerID {
		return nil, syncerr.NotFound("queue item %s not found", id)
	}
	return item, nil
}

// ListPending returns the owner's PENDING items in drain order
func (s *QueueService) ListPending(ctx context.Context, ownerID string, limit int) ([]*models.QueueItem, error) {
	return s.List(ctx, ownerID, []models.Status{models.StatusPending}, limit)
}

// List returns the owner's items filtered by status (all statuses when empty)
func (s *QueueService) List(ctx context.Context, ownerID string, statuses []models.Status, limit int) ([]*models.QueueItem, error) {
	if limit <= 0 {
		limit = s.opts.ListLimit
	}
	if limit > s.opts.MaxListLimit {
		limit = s.opts.MaxListLimit
	}
	return s.repo.ListByOwner(ctx, ownerID, statuses, limit)
}

// Statistics is computed at read time; nothing is cached
func (s *QueueService) Statistics(ctx context.Context, ownerID string) (models.Statistics, error) {
	var st models.Statistics
	targets := []struct {
		status models.Status
		dst    *int
	}{
		{models.StatusPending, &st.Pending},
		{models.StatusProcessing, &st.Processing},
		{models.StatusSynced, &st.Synced},
		{models.StatusFailed, &st.Failed},
		{models.StatusConflict, &st.Conflict},
		{models.StatusResolved, &st.Resolved},
	}
	for _, t := range targets {
		n, err := s.repo.CountByOwner(ctx, ownerID, t.status)
		if err != nil {
			return models.Statistics{}, err
		}
		*t.dst = n
	}
	st.NeedsAttention = st.Failed + st.Conflict
	metrics.PendingBacklog.WithLabelValues(ownerID).Set(float64(st.Pending))
	return st, nil
}

// refreshBacklog re-reads the owner's PENDING count for the backlog gauge
func (s *QueueService) refreshBacklog(ctx context.Context, ownerID string) {
	n, err := s.repo.CountByOwner(context.WithoutCancel(ctx), ownerID, models.StatusPending)
	if err != nil {
		s.logger.Warn("Could not refresh backlog gauge", "owner_id", ownerID, "error", err)
		return
	}
	metrics.PendingBacklog.WithLabelValues(ownerID).Set(float64(n))
}

// DrainAll processes every PENDING item of the owner sequentially, in drain order.
// Items changed out of band since the listing are counted as skipped.
func (s *QueueService) DrainAll(ctx context.Context, ownerID string) (models.DrainResult, error) {
	start := time.Now()
	result := models.DrainResult{Outcomes: []models.Outcome{}}

	items, err := s.repo.ListByOwner(ctx, ownerID, []models.Status{models.StatusPending}, 0)
	if err != nil {
		return result, fmt.Errorf("fetch failure: %w", err)
	}
	if len(items) == 0 {
		metrics.PendingBacklog.WithLabelValues(ownerID).Set(0)
		return result, nil
	}

	metrics.DrainSize.Observe(float64(len(items)))

	defer func() {
		s.refreshBacklog(ctx, ownerID)
		metrics.DrainDuration.Observe(time.Since(start).Seconds())
		s.logger.Info("Drain cycle telemetry",
			"owner_id", ownerID,
			"count", result.Total,
			"synced", result.Synced,
			"conflicts", result.Conflicts,
			"failed", result.Failed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	var batchBytes int
	for _, it := range items {
		batchBytes += it.EstimateBytes()
	}
	if batchMB := batchBytes / (1024 * 1024); batchMB > MaxBatchMemoryThresholdMB {
		s.logger.Warn("Heavy drain detected: memory pressure risk",
			"size_mb", batchMB,
			"threshold_mb", MaxBatchMemoryThresholdMB,
			"count", len(items),
		)
	}

	for _, it := range items {
		select {
		case <-ctx.Done():
			s.logger.Warn("Drain interrupted, remaining items stay PENDING", "remaining", len(items)-result.Total)
			return result, ctx.Err()
		default:
		}

		out, err := s.Process(ctx, it.ID, ownerID)
		if err != nil {
			kind := syncerr.KindOf(err)
			if kind != syncerr.KindInProgress && kind != syncerr.KindInvalidState && kind != syncerr.KindNotFound {
				s.logger.Error("Drain step failed", "item_id", it.ID, "error", err)
			}
			out = models.Outcome{
				ItemID: it.ID,
				Status: it.Status,
				Error:  &models.OutcomeError{Kind: kind, Message: err.Error()},
			}
		}
		result.Record(out)
	}

	return result, nil
}

// DrainOwners drains every owner that has PENDING work. It is the body of the optional
// periodic auto-drain.
func (s *QueueService) DrainOwners(ctx context.Context, limit int) (int, error) {
	owners, err := s.repo.OwnersWithStatus(ctx, models.StatusPending, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list owners with pending work: %w", err)
	}

	drained := 0
	for _, owner := range owners {
		if _, err := s.DrainAll(ctx, owner); err != nil {
			if ctx.Err() != nil {
				return drained, ctx.Err()
			}
			s.logger.Error("Auto-drain failed for owner", "owner_id", owner, "error", err)
			continue
		}
		drained++
	}
	return drained, nil
}

// ResetStale releases items left in PROCESSING by a crashed worker
func (s *QueueService) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.repo.ResetStale(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.StaleReset.Add(float64(n))
	}
	return n, nil
}

func (s *QueueService) publish(ctx context.Context, out models.Outcome) {
	if s.events == nil || out.ItemID == "" {
		return
	}

	item, err := s.repo.Get(ctx, out.ItemID)
	if err != nil {
		s.logger.Warn("Skipping outcome event, item could not be reloaded", "item_id", out.ItemID, "error", err)
		return
	}

	event := models.ItemEvent{
		EventID:    uuid.NewString(),
		ItemID:     item.ID,
		OwnerID:    item.OwnerID,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Operation:  item.Operation,
		Status:     out.Status,
		Attempt:    item.AttemptCount,
		Error:      out.Error,
		Timestamp:  s.now(),
	}

	if err := s.events.PublishEvent(ctx, event); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		s.logger.Warn("Outcome event not published", "item_id", item.ID, "error", err)
		return
	}
	metrics.EventsPublished.WithLabelValues("sent").Inc()
}
