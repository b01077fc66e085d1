package conflict

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"
)

func TestDetect(t *testing.T) {
	remote := map[string]any{"name": "server", models.VersionKey: int64(4)}
	wrapped := fmt.Errorf("apply: %w", syncerr.Conflict(remote, nil))

	ce, ok := Detect(wrapped)
	if !ok {
		t.Fatal("expected wrapped conflict to be detected")
	}
	if ce.Remote["name"] != "server" {
		t.Errorf("remote snapshot lost: %v", ce.Remote)
	}

	for _, err := range []error{
		nil,
		errors.New("timeout"),
		syncerr.Validation("bad field"),
		syncerr.New(syncerr.KindTransient, "unauthorized"),
	} {
		if _, ok := Detect(err); ok {
			t.Errorf("Detect(%v) reported a conflict", err)
		}
	}
}

func conflicted(op models.Operation, local, remote models.Payload) *models.QueueItem {
	return &models.QueueItem{
		ID:        "item-1",
		Operation: op,
		EntityID:  "42",
		Payload:   local,
		Status:    models.StatusConflict,
		ConflictData: &models.ConflictData{
			LocalData:  local,
			RemoteData: remote,
		},
	}
}

func TestPlanResolutionUseLocal(t *testing.T) {
	local := models.Payload{"name": "local", models.VersionKey: float64(1)}
	item := conflicted(models.OpUpdate, local, models.Payload{"name": "remote", models.VersionKey: float64(3)})

	plan, err := PlanResolution(item, models.ResolutionUseLocal, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Skip || plan.Operation != models.OpUpdate {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan.Payload["name"] != "local" || plan.Payload[models.VersionKey] != float64(3) {
		t.Errorf("expected local data pinned to remote version, got %v", plan.Payload)
	}
	if item.Payload[models.VersionKey] != float64(1) {
		t.Error("original payload must not be modified")
	}
}

func TestPlanResolutionRemoteMissing(t *testing.T) {
	update := conflicted(models.OpUpdate, models.Payload{"name": "local", models.VersionKey: float64(1)}, nil)

	plan, err := PlanResolution(update, models.ResolutionUseLocal, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Operation != models.OpSync {
		t.Errorf("expected recreate via SYNC, got %s", plan.Operation)
	}
	if _, ok := plan.Payload[models.VersionKey]; ok {
		t.Error("version guard must be dropped when the row is gone")
	}

	plan, err = PlanResolution(update, models.ResolutionUseRemote, nil)
	if err != nil || !plan.Skip {
		t.Errorf("USE_REMOTE on a deleted row should adopt the absence, got %+v, %v", plan, err)
	}

	del := conflicted(models.OpDelete, nil, nil)
	plan, err = PlanResolution(del, models.ResolutionUseLocal, nil)
	if err != nil || !plan.Skip {
		t.Errorf("USE_LOCAL delete of a deleted row should be a no-op, got %+v, %v", plan, err)
	}
}

func TestPlanResolutionUseRemote(t *testing.T) {
	remote := models.Payload{"name": "remote", models.VersionKey: float64(3)}
	item := conflicted(models.OpUpdate, models.Payload{"name": "local"}, remote)

	plan, err := PlanResolution(item, models.ResolutionUseRemote, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Operation != models.OpSync || plan.Payload["name"] != "remote" {
		t.Errorf("unexpected plan: %+v", plan)
	}
}

func TestPlanResolutionMerge(t *testing.T) {
	remote := models.Payload{"name": "remote", models.VersionKey: float64(7)}
	item := conflicted(models.OpUpdate, models.Payload{"name": "local"}, remote)

	for _, r := range []models.Resolution{models.ResolutionMerge, models.ResolutionManual} {
		if _, err := PlanResolution(item, r, nil); !syncerr.Is(err, syncerr.KindBadRequest) {
			t.Errorf("%s without data: expected BAD_REQUEST, got %v", r, err)
		}
	}

	plan, err := PlanResolution(item, models.ResolutionMerge, models.Payload{"name": "merged"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Payload["name"] != "merged" || plan.Payload[models.VersionKey] != float64(7) {
		t.Errorf("unexpected merge payload: %v", plan.Payload)
	}

	pinned := models.Payload{"name": "manual", models.VersionKey: float64(9)}
	plan, err = PlanResolution(item, models.ResolutionManual, pinned)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Payload[models.VersionKey] != float64(9) {
		t.Errorf("caller supplied version must win, got %v", plan.Payload[models.VersionKey])
	}
}

func TestPlanResolutionPreconditions(t *testing.T) {
	item := conflicted(models.OpUpdate, models.Payload{"a": 1}, nil)
	item.Status = models.StatusPending

	if _, err := PlanResolution(item, models.ResolutionUseLocal, nil); !syncerr.Is(err, syncerr.KindInvalidState) {
		t.Errorf("expected INVALID_STATE, got %v", err)
	}

	item.Status = models.StatusConflict
	if _, err := PlanResolution(item, "KEEP_BOTH", nil); !syncerr.Is(err, syncerr.KindBadRequest) {
		t.Errorf("expected BAD_REQUEST for unknown resolution, got %v", err)
	}
}
