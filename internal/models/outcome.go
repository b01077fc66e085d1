package models

import "github.com/Guizzs26/go-sync-queue/internal/syncerr"

// OutcomeError is the structured failure handed to API/UI layers
type OutcomeError struct {
	Kind    syncerr.Kind `json:"kind"`
	Message string       `json:"message"`
}

// Outcome is the result of one process or resolve call
type Outcome struct {
	ItemID   string        `json:"itemId"`
	Status   Status        `json:"status"`
	Result   Payload       `json:"result,omitempty"`
	Retrying bool          `json:"retrying,omitempty"`
	Error    *OutcomeError `json:"error,omitempty"`
}

// Succeeded reports whether the item reached a successful terminal state
func (o Outcome) Succeeded() bool {
	return o.Status.Succeeded()
}

// Statistics is a read-time aggregation of an owner's queue
type Statistics struct {
	Pending        int `json:"pending"`
	Processing     int `json:"processing"`
	Synced         int `json:"synced"`
	Failed         int `json:"failed"`
	Conflict       int `json:"conflict"`
	Resolved       int `json:"resolved"`
	NeedsAttention int `json:"needsAttention"`
}

// DrainResult aggregates one drainAll pass
type DrainResult struct {
	Total     int       `json:"total"`
	Synced    int       `json:"synced"`
	Failed    int       `json:"failed"`
	Retrying  int       `json:"retrying"`
	Conflicts int       `json:"conflicts"`
	Skipped   int       `json:"skipped"`
	Outcomes  []Outcome `json:"outcomes"`
}

// Record folds one outcome into the aggregate
func (r *DrainResult) Record(o Outcome) {
	r.Total++
	r.Outcomes = append(r.Outcomes, o)
	switch {
	case o.Succeeded():
		r.Synced++
	case o.Status == StatusConflict:
		r.Conflicts++
	case o.Status == StatusFailed:
		r.Failed++
	case o.Retrying:
		r.Retrying++
	default:
		r.Skipped++
	}
}
