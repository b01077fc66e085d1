package models

import "time"

// ItemEvent is published to the broker whenever a queue item changes outcome.
// Consumers (notifications, dashboards) treat it as a fact, not a command.
type ItemEvent struct {
	EventID    string        `json:"event_id"`
	ItemID     string        `json:"item_id"`
	OwnerID    string        `json:"owner_id"`
	EntityType string        `json:"entity_type"`
	EntityID   string        `json:"entity_id,omitempty"`
	Operation  Operation     `json:"operation"`
	Status     Status        `json:"status"`
	Attempt    int           `json:"attempt"`
	Error      *OutcomeError `json:"error,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// EnqueueRequest is the ingestion shape shared by the HTTP API and the broker consumer
type EnqueueRequest struct {
	OwnerID        string    `json:"ownerId"`
	EntityType     string    `json:"entityType"`
	EntityID       string    `json:"entityId,omitempty"`
	Operation      Operation `json:"operation"`
	Payload        Payload   `json:"payload"`
	Priority       int       `json:"priority"`
	MaxAttempts    int       `json:"maxAttempts,omitempty"`
	LocalTimestamp time.Time `json:"localTimestamp"`
	DeviceID       string    `json:"deviceId,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	Metadata       Payload   `json:"metadata,omitempty"`
}
