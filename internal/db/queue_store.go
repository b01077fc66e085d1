package db

import (
	"encoding/json"
	"fmt"

	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"
)

const queueTable = "queue_items"

// AbandonedFinalAttempt is recorded when a stale item had no retry budget left
const AbandonedFinalAttempt = "worker abandoned final attempt"

// queueColumns is the canonical projection shared by the SQL stores
var queueColumns = []string{
	"id", "owner_id", "entity_type", "entity_id", "operation", "payload", "priority",
	"local_timestamp", "device_id", "session_id", "metadata", "status", "attempt_count",
	"max_attempts", "error_message", "error_details", "conflict_data", "resolution",
	"resolved_data", "resolved_by", "resolved_at", "synced_at", "created_at", "updated_at",
}

func errItemNotFound(id string) error {
	return syncerr.NotFound("queue item %s not found", id)
}

// claimRejected explains why a compare-and-swap into PROCESSING did not happen
func claimRejected(current *models.QueueItem) error {
	if current.Status == models.StatusProcessing {
		return syncerr.New(syncerr.KindInProgress, "queue item %s is already in progress", current.ID)
	}
	return syncerr.InvalidState("queue item %s is %s", current.ID, current.Status)
}

func decodePayload(raw *string) (models.Payload, error) {
	if raw == nil || *raw == "" || *raw == "null" {
		return nil, nil
	}
	var p models.Payload
	if err := json.Unmarshal([]byte(*raw), &p); err != nil {
		return nil, fmt.Errorf("decode payload column: %w", err)
	}
	return p, nil
}

func decodeConflict(raw *string) (*models.ConflictData, error) {
	if raw == nil || *raw == "" || *raw == "null" {
		return nil, nil
	}
	var cd models.ConflictData
	if err := json.Unmarshal([]byte(*raw), &cd); err != nil {
		return nil, fmt.Errorf("decode conflict_data column: %w", err)
	}
	return &cd, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// scannedItem is the intermediate row shape; JSON and nullable columns are decoded in finish
type scannedItem struct {
	item         models.QueueItem
	operation    string
	status       string
	payload      *string
	metadata     *string
	errorMessage *string
	errorDetails *string
	conflict     *string
	resolution   *string
	resolvedData *string
	resolvedBy   *string
}

func (s *scannedItem) finish() (*models.QueueItem, error) {
	var err error
	it := s.item
	it.Operation = models.Operation(s.operation)
	it.Status = models.Status(s.status)
	if it.Payload, err = decodePayload(s.payload); err != nil {
		return nil, err
	}
	if it.Metadata, err = decodePayload(s.metadata); err != nil {
		return nil, err
	}
	if it.ConflictData, err = decodeConflict(s.conflict); err != nil {
		return nil, err
	}
	if it.ResolvedData, err = decodePayload(s.resolvedData); err != nil {
		return nil, err
	}
	it.ErrorMessage = deref(s.errorMessage)
	if s.errorDetails != nil && *s.errorDetails != "" {
		it.ErrorDetails = json.RawMessage(*s.errorDetails)
	}
	it.Resolution = models.Resolution(deref(s.resolution))
	it.ResolvedBy = deref(s.resolvedBy)
	return &it, nil
}

// insertValues renders an item as column -> value for BuildInsert
func insertValues(item *models.QueueItem) (map[string]any, error) {
	payload, err := encodeJSON(item.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	values := map[string]any{
		"id":              item.ID,
		"owner_id":        item.OwnerID,
		"entity_type":     item.EntityType,
		"entity_id":       item.EntityID,
		"operation":       string(item.Operation),
		"payload":         payload,
		"priority":        item.Priority,
		"local_timestamp": item.LocalTimestamp,
		"device_id":       item.DeviceID,
		"session_id":      item.SessionID,
		"status":          string(item.Status),
		"attempt_count":   item.AttemptCount,
		"max_attempts":    item.MaxAttempts,
		"created_at":      item.CreatedAt,
		"updated_at":      item.UpdatedAt,
	}
	if item.Metadata != nil {
		meta, err := encodeJSON(item.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		values["metadata"] = meta
	}
	return values, nil
}
