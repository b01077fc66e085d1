package db

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"
)

func newSQLiteStore(t *testing.T) *SQLiteQueueStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewSQLiteQueueStore(context.Background(), filepath.Join(t.TempDir(), "queue.db"), logger)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func pendingItem(id string, priority int, ts time.Time) *models.QueueItem {
	now := time.Now().UTC()
	return &models.QueueItem{
		ID:             id,
		OwnerID:        "clinic-1",
		EntityType:     "patient",
		Operation:      models.OpCreate,
		Payload:        models.Payload{"name": id},
		Priority:       priority,
		LocalTimestamp: ts,
		Status:         models.StatusPending,
		MaxAttempts:    3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSQLiteEnqueueAndGet(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	if err := s.Enqueue(ctx, pendingItem("a", 0, time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Enqueue(ctx, pendingItem("a", 0, time.Now())); !syncerr.Is(err, syncerr.KindBadRequest) {
		t.Errorf("duplicate id: expected BAD_REQUEST, got %v", err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payload["name"] != "a" || got.Status != models.StatusPending || got.OwnerID != "clinic-1" {
		t.Errorf("unexpected item: %+v", got)
	}

	if _, err := s.Get(ctx, "missing"); !syncerr.Is(err, syncerr.KindNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestSQLiteClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	if err := s.Enqueue(ctx, pendingItem("a", 0, time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claim := models.Claim{From: []models.Status{models.StatusPending}, CountAttempt: true}
	item, err := s.Claim(ctx, "a", claim)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if item.Status != models.StatusProcessing || item.AttemptCount != 1 {
		t.Errorf("unexpected claimed item: status=%s attempts=%d", item.Status, item.AttemptCount)
	}

	if _, err := s.Claim(ctx, "a", claim); !syncerr.Is(err, syncerr.KindInProgress) {
		t.Errorf("second claim: expected IN_PROGRESS, got %v", err)
	}
}

func TestSQLiteClaimResetsAttempts(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	item := pendingItem("a", 0, time.Now())
	item.Status = models.StatusFailed
	item.AttemptCount = 3
	if err := s.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.Claim(ctx, "a", models.Claim{
		From:          []models.Status{models.StatusFailed},
		CountAttempt:  true,
		ResetAttempts: true,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.AttemptCount != 1 {
		t.Errorf("expected a fresh budget with one attempt counted, got %d", claimed.AttemptCount)
	}
}

func TestSQLiteListOrdering(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	t1 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	for _, it := range []*models.QueueItem{
		pendingItem("a", 0, t2),
		pendingItem("b", 5, t1),
		pendingItem("c", 0, t1),
	} {
		if err := s.Enqueue(ctx, it); err != nil {
			t.Fatalf("enqueue %s: %v", it.ID, err)
		}
	}

	items, err := s.ListByOwner(ctx, "clinic-1", []models.Status{models.StatusPending}, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "c" || ids[2] != "a" {
		t.Errorf("expected [b c a], got %v", ids)
	}

	limited, err := s.ListByOwner(ctx, "clinic-1", nil, 2)
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 items, got %d", len(limited))
	}

	n, err := s.CountByOwner(ctx, "clinic-1", models.StatusPending)
	if err != nil || n != 3 {
		t.Errorf("count: got %d, %v", n, err)
	}
	owners, err := s.OwnersWithStatus(ctx, models.StatusPending, 0)
	if err != nil || len(owners) != 1 || owners[0] != "clinic-1" {
		t.Errorf("owners: got %v, %v", owners, err)
	}
}

func TestSQLiteUpdatePatch(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	if err := s.Enqueue(ctx, pendingItem("a", 0, time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	err := s.Update(ctx, "a", models.ItemPatch{
		Status:       models.Ptr(models.StatusConflict),
		ErrorMessage: models.Ptr("version mismatch"),
		ConflictData: &models.ConflictData{
			ErrorMessage: "version mismatch",
			LocalData:    models.Payload{"name": "local"},
			RemoteData:   models.Payload{"name": "remote"},
			DetectedAt:   time.Now().UTC(),
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusConflict || got.ErrorMessage != "version mismatch" {
		t.Errorf("unexpected item after patch: %+v", got)
	}
	if got.ConflictData == nil || got.ConflictData.RemoteData["name"] != "remote" {
		t.Errorf("conflict data not persisted: %+v", got.ConflictData)
	}
	if got.Payload["name"] != "a" {
		t.Errorf("original payload must not change, got %v", got.Payload)
	}

	now := time.Now().UTC()
	err = s.Update(ctx, "a", models.ItemPatch{
		Status:       models.Ptr(models.StatusResolved),
		Resolution:   models.Ptr(models.ResolutionUseRemote),
		ResolvedData: models.Payload{"name": "remote"},
		ResolvedBy:   models.Ptr("clinic-1"),
		ResolvedAt:   &now,
		ClearErrors:  true,
	})
	if err != nil {
		t.Fatalf("resolve update: %v", err)
	}
	got, _ = s.Get(ctx, "a")
	if got.ErrorMessage != "" || got.ResolvedAt == nil || got.ResolvedData["name"] != "remote" {
		t.Errorf("unexpected resolved item: %+v", got)
	}

	if err := s.Update(ctx, "missing", models.ItemPatch{Status: models.Ptr(models.StatusSynced)}); !syncerr.Is(err, syncerr.KindNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestSQLiteResetStale(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	plain := pendingItem("plain", 0, time.Now())
	conflicted := pendingItem("conflicted", 0, time.Now())
	conflicted.Status = models.StatusConflict
	for _, it := range []*models.QueueItem{plain, conflicted} {
		if err := s.Enqueue(ctx, it); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := s.Update(ctx, "conflicted", models.ItemPatch{
		ConflictData: &models.ConflictData{ErrorMessage: "stale", DetectedAt: time.Now().UTC()},
	}); err != nil {
		t.Fatalf("seed conflict data: %v", err)
	}

	if _, err := s.Claim(ctx, "plain", models.Claim{From: []models.Status{models.StatusPending}, CountAttempt: true}); err != nil {
		t.Fatalf("claim plain: %v", err)
	}
	if _, err := s.Claim(ctx, "conflicted", models.Claim{From: []models.Status{models.StatusConflict}}); err != nil {
		t.Fatalf("claim conflicted: %v", err)
	}

	// a negative threshold puts the cutoff in the future so both claims count as stale
	n, err := s.ResetStale(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("reset stale: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 released items, got %d", n)
	}

	if got, _ := s.Get(ctx, "plain"); got.Status != models.StatusPending {
		t.Errorf("plain: expected PENDING, got %s", got.Status)
	}
	if got, _ := s.Get(ctx, "conflicted"); got.Status != models.StatusConflict {
		t.Errorf("conflicted: expected CONFLICT, got %s", got.Status)
	}
}

func TestSQLiteResetStaleFailsExhaustedItems(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	item := pendingItem("last", 0, time.Now())
	item.AttemptCount = 2
	if err := s.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.Claim(ctx, "last", models.Claim{From: []models.Status{models.StatusPending}, CountAttempt: true})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.AttemptCount != 3 {
		t.Fatalf("expected final attempt 3/3, got %d", claimed.AttemptCount)
	}

	if n, err := s.ResetStale(ctx, -time.Minute); err != nil || n != 1 {
		t.Fatalf("reset stale: n=%d err=%v", n, err)
	}

	got, err := s.Get(ctx, "last")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusFailed || got.ErrorMessage != AbandonedFinalAttempt {
		t.Errorf("expected FAILED with abandon message, got %s %q", got.Status, got.ErrorMessage)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt count must stay at the budget, got %d", got.AttemptCount)
	}
}

func TestSQLiteDuplicateKeyUsesResultCode(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	if err := s.Enqueue(ctx, pendingItem("a", 0, time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO queue_items (id, owner_id, entity_type, operation, payload, local_timestamp, status, created_at, updated_at)
		VALUES ('a', 'clinic-1', 'patient', 'CREATE', '{}', 0, 'PENDING', 0, 0)`)
	if !isSQLiteDuplicateKey(err) {
		t.Errorf("expected primary key violation, got %v", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO queue_items (id, owner_id, entity_type, operation, payload, local_timestamp, status, created_at, updated_at)
		VALUES ('b', NULL, 'patient', 'CREATE', '{}', 0, 'PENDING', 0, 0)`)
	if err == nil || isSQLiteDuplicateKey(err) {
		t.Errorf("NOT NULL failure must not read as a duplicate key, got %v", err)
	}

	if isSQLiteDuplicateKey(errors.New("UNIQUE constraint failed: queue_items.id")) {
		t.Error("message text alone must not be trusted")
	}
}
