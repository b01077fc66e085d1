package models

import (
	"encoding/json"
	"time"
)

// ItemPatch is a partial update of a queue item. Nil fields are left untouched;
// ClearErrors and ClearConflict reset the respective columns to NULL.
type ItemPatch struct {
	Status        *Status
	AttemptCount  *int
	ErrorMessage  *string
	ErrorDetails  json.RawMessage
	ClearErrors   bool
	ConflictData  *ConflictData
	ClearConflict bool
	Resolution    *Resolution
	ResolvedData  Payload
	ResolvedBy    *string
	ResolvedAt    *time.Time
	SyncedAt      *time.Time
}

// Apply merges the patch into item. Stores that keep rows in memory use it directly;
// SQL stores translate Columns instead.
func (p ItemPatch) Apply(item *QueueItem, now time.Time) {
	if p.Status != nil {
		item.Status = *p.Status
	}
	if p.AttemptCount != nil {
		item.AttemptCount = *p.AttemptCount
	}
	if p.ClearErrors {
		item.ErrorMessage = ""
		item.ErrorDetails = nil
	}
	if p.ErrorMessage != nil {
		item.ErrorMessage = *p.ErrorMessage
	}
	if p.ErrorDetails != nil {
		item.ErrorDetails = append(json.RawMessage(nil), p.ErrorDetails...)
	}
	if p.ClearConflict {
		item.ConflictData = nil
	}
	if p.ConflictData != nil {
		cd := *p.ConflictData
		item.ConflictData = &cd
	}
	if p.Resolution != nil {
		item.Resolution = *p.Resolution
	}
	if p.ResolvedData != nil {
		item.ResolvedData = p.ResolvedData.Clone()
	}
	if p.ResolvedBy != nil {
		item.ResolvedBy = *p.ResolvedBy
	}
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		item.ResolvedAt = &t
	}
	if p.SyncedAt != nil {
		t := *p.SyncedAt
		item.SyncedAt = &t
	}
	item.UpdatedAt = now
}

// Columns renders the patch as column -> value pairs for SQL stores. JSON columns are
// encoded here so every driver receives plain text/bytes.
func (p ItemPatch) Columns(now time.Time) (map[string]any, error) {
	cols := map[string]any{"updated_at": now}
	if p.Status != nil {
		cols["status"] = string(*p.Status)
	}
	if p.AttemptCount != nil {
		cols["attempt_count"] = *p.AttemptCount
	}
	if p.ClearErrors {
		cols["error_message"] = nil
		cols["error_details"] = nil
	}
	if p.ErrorMessage != nil {
		cols["error_message"] = *p.ErrorMessage
	}
	if p.ErrorDetails != nil {
		cols["error_details"] = string(p.ErrorDetails)
	}
	if p.ClearConflict {
		cols["conflict_data"] = nil
	}
	if p.ConflictData != nil {
		b, err := json.Marshal(p.ConflictData)
		if err != nil {
			return nil, err
		}
		cols["conflict_data"] = string(b)
	}
	if p.Resolution != nil {
		cols["resolution"] = string(*p.Resolution)
	}
	if p.ResolvedData != nil {
		b, err := json.Marshal(p.ResolvedData)
		if err != nil {
			return nil, err
		}
		cols["resolved_data"] = string(b)
	}
	if p.ResolvedBy != nil {
		cols["resolved_by"] = *p.ResolvedBy
	}
	if p.ResolvedAt != nil {
		cols["resolved_at"] = *p.ResolvedAt
	}
	if p.SyncedAt != nil {
		cols["synced_at"] = *p.SyncedAt
	}
	return cols, nil
}

// Ptr returns a pointer to v; handy for building patches
func Ptr[T any](v T) *T {
	return &v
}
