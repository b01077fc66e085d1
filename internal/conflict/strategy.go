package conflict

import (
	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"
)

// Plan is the write that settles a conflict
type Plan struct {
	Operation models.Operation
	Payload   models.Payload
	// Skip means there is nothing to write: the remote absence is adopted as final
	Skip bool
}

// PlanResolution computes the final write for a conflicted item. The item's original
// payload is never modified; the plan carries a copy.
//
// Every plan that writes is guarded by the remote version captured at conflict time, so a
// third writer that slipped in since then produces a fresh conflict instead of being
// silently overwritten.
func PlanResolution(item *models.QueueItem, resolution models.Resolution, merged models.Payload) (Plan, error) {
	if item.Status != models.StatusConflict {
		return Plan{}, syncerr.InvalidState("queue item %s is %s, not %s", item.ID, item.Status, models.StatusConflict)
	}
	if !resolution.Valid() {
		return Plan{}, syncerr.BadRequest("unknown resolution %q", resolution)
	}

	var remote models.Payload
	if item.ConflictData != nil {
		remote = item.ConflictData.RemoteData
	}

	switch resolution {
	case models.ResolutionUseLocal:
		return planUseLocal(item, remote), nil

	case models.ResolutionUseRemote:
		if remote == nil {
			return Plan{Skip: true}, nil
		}
		return Plan{Operation: models.OpSync, Payload: remote.Clone()}, nil

	default: // MERGE and MANUAL share mechanics; the tag only records provenance
		if len(merged) == 0 {
			return Plan{}, syncerr.BadRequest("%s resolution requires merged data", resolution)
		}
		payload := merged.Clone()
		if _, pinned := payload[models.VersionKey]; !pinned {
			pinVersion(payload, remote)
		}
		return Plan{Operation: models.OpSync, Payload: payload}, nil
	}
}

func planUseLocal(item *models.QueueItem, remote models.Payload) Plan {
	op := item.Operation
	switch {
	case op == models.OpDelete && remote == nil:
		// The client wanted the entity gone and it already is
		return Plan{Skip: true}
	case op == models.OpUpdate && remote == nil:
		op = models.OpSync
	case op == models.OpCreate && remote != nil:
		op = models.OpSync
	}

	payload := item.Payload.Clone()
	if payload == nil {
		payload = models.Payload{}
	}
	pinVersion(payload, remote)
	return Plan{Operation: op, Payload: payload}
}

// pinVersion sets the base version to the remote snapshot's version (or drops it when
// the remote does not exist)
func pinVersion(payload, remote models.Payload) {
	if v, ok := remote[models.VersionKey]; ok && v != nil {
		payload[models.VersionKey] = v
		return
	}
	delete(payload, models.VersionKey)
}
