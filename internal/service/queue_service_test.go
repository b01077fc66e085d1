package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/db"
	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/processor"
	"github.com/Guizzs26/go-sync-queue/internal/registry"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"
	"github.com/Guizzs26/go-sync-queue/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

const owner = "clinic-7"

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ItemEvent
	err    error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, e models.ItemEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

type fixture struct {
	svc   *QueueService
	store *db.MemoryQueueStore
	calls []registry.Request
	fn    func(req registry.Request) (models.Payload, error)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: db.NewMemoryQueueStore()}
	f.fn = func(req registry.Request) (models.Payload, error) {
		return req.Payload, nil
	}

	reg := registry.New()
	handler := registry.HandlerFunc(func(_ context.Context, req registry.Request) (models.Payload, error) {
		f.calls = append(f.calls, req)
		return f.fn(req)
	})
	if err := reg.Register("patient", handler); err != nil {
		t.Fatalf("register: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proc := processor.New(f.store, reg, logger)
	f.svc = NewQueueService(f.store, proc, reg, Options{DefaultMaxAttempts: 3, ListLimit: 100}, logger)
	return f
}

func (f *fixture) seed(t *testing.T, id string, priority int, ts time.Time) {
	t.Helper()
	err := f.store.Enqueue(context.Background(), &models.QueueItem{
		ID: id, OwnerID: owner, EntityType: "patient", EntityID: id,
		Operation: models.OpUpdate, Payload: models.Payload{"name": id},
		Priority: priority, LocalTimestamp: ts, Status: models.StatusPending,
		MaxAttempts: 3, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestEnqueueCreateSyncs(t *testing.T) {
	f := newFixture(t)

	item, out, err := f.svc.Enqueue(context.Background(), models.EnqueueRequest{
		OwnerID:    owner,
		EntityType: "patient",
		Operation:  models.OpCreate,
		Payload:    models.Payload{"name": "A"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if out.Status != models.StatusSynced {
		t.Fatalf("expected immediate sync, got %+v", out)
	}
	if item.Status != models.StatusSynced || item.SyncedAt == nil || item.ErrorMessage != "" {
		t.Errorf("unexpected item: %+v", item)
	}
	if item.MaxAttempts != 3 || item.ID == "" {
		t.Errorf("defaults not applied: %+v", item)
	}
}

func TestEnqueueConflictThenUseRemote(t *testing.T) {
	f := newFixture(t)
	f.fn = func(req registry.Request) (models.Payload, error) {
		if len(f.calls) == 1 {
			return nil, syncerr.Conflict(map[string]any{"name": "B"}, nil)
		}
		return req.Payload, nil
	}
	ctx := context.Background()

	item, out, err := f.svc.Enqueue(ctx, models.EnqueueRequest{
		OwnerID:    owner,
		EntityType: "patient",
		EntityID:   "p1",
		Operation:  models.OpUpdate,
		Payload:    models.Payload{"name": "A"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if out.Status != models.StatusConflict || item.ConflictData.RemoteData["name"] != "B" {
		t.Fatalf("expected conflict with remote B, got %+v / %+v", out, item.ConflictData)
	}

	out, err = f.svc.ResolveConflict(ctx, item.ID, models.ResolutionUseRemote, nil, owner)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Status != models.StatusResolved {
		t.Fatalf("expected RESOLVED, got %+v", out)
	}
	if applied := f.calls[len(f.calls)-1].Payload; applied["name"] != "B" {
		t.Errorf("expected remote state to be applied, got %v", applied)
	}
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  models.EnqueueRequest
		kind syncerr.Kind
	}{
		{"missing owner", models.EnqueueRequest{EntityType: "patient", Operation: models.OpCreate, Payload: models.Payload{"a": 1}}, syncerr.KindBadRequest},
		{"unknown entity", models.EnqueueRequest{OwnerID: owner, EntityType: "invoice", Operation: models.OpCreate, Payload: models.Payload{"a": 1}}, syncerr.KindValidation},
		{"bad operation", models.EnqueueRequest{OwnerID: owner, EntityType: "patient", Operation: "UPSERT", Payload: models.Payload{"a": 1}}, syncerr.KindValidation},
		{"update without id", models.EnqueueRequest{OwnerID: owner, EntityType: "patient", Operation: models.OpUpdate, Payload: models.Payload{"a": 1}}, syncerr.KindValidation},
		{"empty payload", models.EnqueueRequest{OwnerID: owner, EntityType: "patient", Operation: models.OpCreate}, syncerr.KindValidation},
		{"budget too large", models.EnqueueRequest{OwnerID: owner, EntityType: "patient", Operation: models.OpCreate, Payload: models.Payload{"a": 1}, MaxAttempts: 99}, syncerr.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.svc.Enqueue(context.Background(), tt.req); !syncerr.Is(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
	if len(f.calls) != 0 {
		t.Errorf("handler must not run for rejected requests, got %d calls", len(f.calls))
	}
}

func TestDrainAllOrdering(t *testing.T) {
	f := newFixture(t)
	t1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	f.seed(t, "a", 0, t2)
	f.seed(t, "b", 5, t1)
	f.seed(t, "c", 0, t1)

	result, err := f.svc.DrainAll(context.Background(), owner)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Total != 3 || result.Synced != 3 {
		t.Errorf("unexpected aggregate: %+v", result)
	}

	want := []string{"b", "c", "a"}
	if len(f.calls) != len(want) {
		t.Fatalf("handler called %d times, want %d", len(f.calls), len(want))
	}
	for i, id := range want {
		if f.calls[i].ItemID != id {
			t.Errorf("position %d: got %s, want %s", i, f.calls[i].ItemID, id)
		}
	}
}

func TestDrainAllAggregates(t *testing.T) {
	f := newFixture(t)
	f.fn = func(req registry.Request) (models.Payload, error) {
		switch req.ItemID {
		case "conflict":
			return nil, syncerr.Conflict(nil, nil)
		case "flaky":
			return nil, errors.New("timeout")
		}
		return req.Payload, nil
	}
	now := time.Now()
	f.seed(t, "ok", 2, now)
	f.seed(t, "conflict", 1, now)
	f.seed(t, "flaky", 0, now)

	result, err := f.svc.DrainAll(context.Background(), owner)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Synced != 1 || result.Conflicts != 1 || result.Retrying != 1 || len(result.Outcomes) != 3 {
		t.Errorf("unexpected aggregate: %+v", result)
	}

	stats, err := f.svc.Statistics(context.Background(), owner)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Synced != 1 || stats.Conflict != 1 || stats.Pending != 1 || stats.NeedsAttention != 1 {
		t.Errorf("unexpected statistics: %+v", stats)
	}
}

func TestRetryFailedItem(t *testing.T) {
	f := newFixture(t)
	fail := true
	f.fn = func(req registry.Request) (models.Payload, error) {
		if fail {
			return nil, errors.New("store offline")
		}
		return req.Payload, nil
	}
	f.seed(t, "q1", 0, time.Now())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.svc.Process(ctx, "q1", owner); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	stats, _ := f.svc.Statistics(ctx, owner)
	if stats.Failed != 1 || stats.NeedsAttention != 1 {
		t.Fatalf("expected one FAILED item, got %+v", stats)
	}

	fail = false
	out, err := f.svc.Retry(ctx, "q1", owner)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out.Status != models.StatusSynced {
		t.Errorf("expected SYNCED after retry, got %+v", out)
	}

	if _, err := f.svc.Retry(ctx, "q1", owner); !syncerr.Is(err, syncerr.KindInvalidState) {
		t.Errorf("retrying a synced item: expected INVALID_STATE, got %v", err)
	}
	if _, err := f.svc.Retry(ctx, "q1", "intruder"); !syncerr.Is(err, syncerr.KindNotFound) {
		t.Errorf("foreign owner: expected NOT_FOUND, got %v", err)
	}
}

func TestListPendingRespectsLimit(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		f.seed(t, id, i, now)
	}

	items, err := f.svc.ListPending(context.Background(), owner, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != "c" || items[1].ID != "b" {
		t.Errorf("unexpected listing: %v", ids(items))
	}

	items, _ = f.svc.ListPending(context.Background(), "other-owner", 0)
	if len(items) != 0 {
		t.Errorf("owners must not see each other's items, got %v", ids(items))
	}
}

func TestOutcomeEventsPublished(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{}
	f.svc.WithEvents(pub)

	item, _, err := f.svc.Enqueue(context.Background(), models.EnqueueRequest{
		OwnerID: owner, EntityType: "patient", Operation: models.OpCreate, Payload: models.Payload{"name": "A"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one event, got %d", len(pub.events))
	}
	e := pub.events[0]
	if e.ItemID != item.ID || e.Status != models.StatusSynced || e.OwnerID != owner || e.Attempt != 1 {
		t.Errorf("unexpected event: %+v", e)
	}

	// Publish failures never leak into the outcome
	pub.err = errors.New("broker down")
	f.seed(t, "q2", 0, time.Now())
	if out, err := f.svc.Process(context.Background(), "q2", owner); err != nil || out.Status != models.StatusSynced {
		t.Errorf("unexpected result with failing publisher: %+v, %v", out, err)
	}
}

func TestDrainOwnersAndResetStale(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.seed(t, "a", 0, now)

	err := f.store.Enqueue(context.Background(), &models.QueueItem{
		ID: "stuck", OwnerID: "clinic-9", EntityType: "patient", EntityID: "x",
		Operation: models.OpUpdate, Payload: models.Payload{"name": "x"},
		LocalTimestamp: now, Status: models.StatusProcessing, AttemptCount: 1, MaxAttempts: 3,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seed stuck: %v", err)
	}

	n, err := f.svc.ResetStale(context.Background(), 10*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("reset stale: n=%d err=%v", n, err)
	}

	drained, err := f.svc.DrainOwners(context.Background(), DrainOwnersLimit)
	if err != nil {
		t.Fatalf("drain owners: %v", err)
	}
	if drained != 2 {
		t.Errorf("drained %d owners, want 2", drained)
	}

	for _, o := range []string{owner, "clinic-9"} {
		stats, _ := f.svc.Statistics(context.Background(), o)
		if stats.Synced != 1 {
			t.Errorf("owner %s: expected the item synced, got %+v", o, stats)
		}
	}
}

func TestResetStaleAbandonedFinalAttemptFails(t *testing.T) {
	f := newFixture(t)
	f.fn = func(registry.Request) (models.Payload, error) {
		return nil, syncerr.New(syncerr.KindTransient, "canonical store timeout")
	}
	ctx := context.Background()
	f.seed(t, "last", 0, time.Now())

	// two failed attempts, then a worker claims the third and dies mid-apply
	for i := 0; i < 2; i++ {
		if _, err := f.svc.Process(ctx, "last", owner); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	claimed, err := f.store.Claim(ctx, "last", models.Claim{From: []models.Status{models.StatusPending}, CountAttempt: true})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.AttemptCount != claimed.MaxAttempts {
		t.Fatalf("expected the final attempt to be claimed, got %d/%d", claimed.AttemptCount, claimed.MaxAttempts)
	}

	if n, err := f.svc.ResetStale(ctx, -time.Minute); err != nil || n != 1 {
		t.Fatalf("reset stale: n=%d err=%v", n, err)
	}

	item, err := f.svc.Get(ctx, "last", owner)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Status != models.StatusFailed || item.ErrorMessage != db.AbandonedFinalAttempt {
		t.Fatalf("expected FAILED with abandon message, got %s %q", item.Status, item.ErrorMessage)
	}

	out, err := f.svc.DrainAll(ctx, owner)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if out.Total != 0 {
		t.Errorf("a FAILED item must not be drained, got %+v", out)
	}
	if item, _ := f.svc.Get(ctx, "last", owner); item.AttemptCount > item.MaxAttempts {
		t.Errorf("attemptCount %d exceeds maxAttempts %d", item.AttemptCount, item.MaxAttempts)
	}
}

func TestPendingBacklogGauge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const backlogOwner = "clinic-backlog"
	gauge := metrics.PendingBacklog.WithLabelValues(backlogOwner)

	fail := true
	f.fn = func(req registry.Request) (models.Payload, error) {
		if fail && req.EntityID == "b" {
			return nil, syncerr.New(syncerr.KindTransient, "canonical store timeout")
		}
		return req.Payload, nil
	}
	for _, id := range []string{"a", "b", "c"} {
		err := f.store.Enqueue(ctx, &models.QueueItem{
			ID: id, OwnerID: backlogOwner, EntityType: "patient", EntityID: id,
			Operation: models.OpUpdate, Payload: models.Payload{"name": id},
			LocalTimestamp: time.Now(), Status: models.StatusPending, MaxAttempts: 3,
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	if _, err := f.svc.Statistics(ctx, backlogOwner); err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if got := testutil.ToFloat64(gauge); got != 3 {
		t.Errorf("backlog after statistics = %v, want 3", got)
	}

	if _, err := f.svc.DrainAll(ctx, backlogOwner); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Errorf("backlog after drain = %v, want 1 (the retrying item)", got)
	}

	fail = false
	if _, err := f.svc.DrainAll(ctx, backlogOwner); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Errorf("backlog after clean drain = %v, want 0", got)
	}
}

func ids(items []*models.QueueItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
