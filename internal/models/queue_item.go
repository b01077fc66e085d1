package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation a queue item proposes
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpSync   Operation = "SYNC"
)

// Valid reports whether op is one of the known operations
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpSync:
		return true
	}
	return false
}

// RequiresEntityID reports whether the operation targets an existing entity
func (op Operation) RequiresEntityID() bool {
	return op == OpUpdate || op == OpDelete
}

// Status is the position of a queue item in the sync state machine
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSynced     Status = "SYNCED"
	StatusFailed     Status = "FAILED"
	StatusConflict   Status = "CONFLICT"
	StatusResolved   Status = "RESOLVED"
)

// Terminal reports whether no automatic transition leaves s
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusFailed || s == StatusResolved
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSynced, StatusFailed, StatusConflict, StatusResolved:
		return true
	}
	return false
}

// Succeeded reports whether s is one of the successful terminal states
func (s Status) Succeeded() bool {
	return s == StatusSynced || s == StatusResolved
}

// Resolution is the strategy chosen by a caller for a conflicted item
type Resolution string

const (
	ResolutionUseLocal  Resolution = "USE_LOCAL"
	ResolutionUseRemote Resolution = "USE_REMOTE"
	ResolutionMerge     Resolution = "MERGE"
	ResolutionManual    Resolution = "MANUAL"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionUseLocal, ResolutionUseRemote, ResolutionMerge, ResolutionManual:
		return true
	}
	return false
}

// DefaultMaxAttempts applies when the caller does not set a retry budget
const DefaultMaxAttempts = 3

// VersionKey is the payload meta field carrying the base version of the client's copy.
// Handlers strip it before writing and populate it on remote snapshots.
const VersionKey = "_version"

// Payload is the opaque structured data of a mutation
type Payload map[string]any

// Clone returns a shallow copy so callers never alias a stored payload
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ConflictData is the snapshot captured when the canonical store rejects a write
type ConflictData struct {
	ErrorMessage string    `json:"errorMessage"`
	LocalData    Payload   `json:"localData"`
	RemoteData   Payload   `json:"remoteData"`
	DetectedAt   time.Time `json:"detectedAt"`
}

// QueueItem is one proposed mutation originating from a client
type QueueItem struct {
	ID             string          `db:"id" json:"id"`
	OwnerID        string          `db:"owner_id" json:"ownerId"`
	EntityType     string          `db:"entity_type" json:"entityType"`
	EntityID       string          `db:"entity_id" json:"entityId,omitempty"`
	Operation      Operation       `db:"operation" json:"operation"`
	Payload        Payload         `db:"payload" json:"payload"`
	Priority       int             `db:"priority" json:"priority"`
	LocalTimestamp time.Time       `db:"local_timestamp" json:"localTimestamp"`
	DeviceID       string          `db:"device_id" json:"deviceId,omitempty"`
	SessionID      string          `db:"session_id" json:"sessionId,omitempty"`
	Metadata       Payload         `db:"metadata" json:"metadata,omitempty"`
	Status         Status          `db:"status" json:"status"`
	AttemptCount   int             `db:"attempt_count" json:"attemptCount"`
	MaxAttempts    int             `db:"max_attempts" json:"maxAttempts"`
	ErrorMessage   string          `db:"error_message" json:"errorMessage,omitempty"`
	ErrorDetails   json.RawMessage `db:"error_details" json:"errorDetails,omitempty"`
	ConflictData   *ConflictData   `db:"conflict_data" json:"conflictData,omitempty"`
	Resolution     Resolution      `db:"resolution" json:"resolution,omitempty"`
	ResolvedData   Payload         `db:"resolved_data" json:"resolvedData,omitempty"`
	ResolvedBy     string          `db:"resolved_by" json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time      `db:"resolved_at" json:"resolvedAt,omitempty"`
	SyncedAt       *time.Time      `db:"synced_at" json:"syncedAt,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updatedAt"`
}

// EstimateBytes approximates the in-memory weight of the item for batch telemetry
func (i *QueueItem) EstimateBytes() int {
	body, _ := json.Marshal(i.Payload)
	return len(body) + len(i.ID) + len(i.OwnerID) + len(i.EntityType) + len(i.EntityID) + len(i.ErrorMessage)
}

// Less orders items for draining: priority desc, localTimestamp asc, then creation order
func Less(a, b *QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.LocalTimestamp.Equal(b.LocalTimestamp) {
		return a.LocalTimestamp.Before(b.LocalTimestamp)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
