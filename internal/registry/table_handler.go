package registry

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"
)

const defaultApplyTimeout = 30 * time.Second

// CanonicalStore is the system of record the table handlers write to
type CanonicalStore interface {
	ApplyMutation(ctx context.Context, m models.Mutation) (models.Payload, error)
	FetchCurrent(ctx context.Context, spec models.TableSpec, entityID string) (models.Payload, error)
}

// TableHandler applies mutations for one whitelisted canonical table
type TableHandler struct {
	spec    models.TableSpec
	store   CanonicalStore
	timeout time.Duration
}

func NewTableHandler(spec models.TableSpec, store CanonicalStore, timeout time.Duration) *TableHandler {
	if timeout <= 0 {
		timeout = defaultApplyTimeout
	}
	return &TableHandler{spec: spec, store: store, timeout: timeout}
}

func (h *TableHandler) Apply(ctx context.Context, req Request) (models.Payload, error) {
	if !req.Operation.Valid() {
		return nil, syncerr.Validation("unsupported operation %q", req.Operation)
	}
	if req.Operation.RequiresEntityID() && req.EntityID == "" {
		return nil, syncerr.Validation("%s on %s requires an entity id", req.Operation, h.spec.Table)
	}
	if req.Operation != models.OpDelete && len(req.Payload) == 0 {
		return nil, syncerr.Validation("%s on %s requires a payload", req.Operation, h.spec.Table)
	}

	base, err := BaseVersion(req.Payload)
	if err != nil {
		return nil, err
	}

	// Timeouts are ordinary failures: they surface as TRANSIENT and follow the retry path
	opCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	return h.store.ApplyMutation(opCtx, models.Mutation{
		CorrelationID: req.ItemID,
		Spec:          h.spec,
		Operation:     req.Operation,
		EntityID:      req.EntityID,
		Payload:       req.Payload,
		CallerID:      req.CallerID,
		BaseVersion:   base,
	})
}

func (h *TableHandler) FetchCurrent(ctx context.Context, entityID string) (models.Payload, error) {
	if entityID == "" {
		return nil, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.store.FetchCurrent(opCtx, h.spec, entityID)
}

// RegisterTables registers a TableHandler for every entry of tables
func RegisterTables(r *Registry, tables map[string]models.TableSpec, store CanonicalStore, timeout time.Duration) error {
	for entityType, spec := range tables {
		if err := r.Register(entityType, NewTableHandler(spec, store, timeout)); err != nil {
			return err
		}
	}
	return nil
}

// BaseVersion extracts the client's base version from the payload meta field
func BaseVersion(p models.Payload) (*int64, error) {
	raw, ok := p[models.VersionKey]
	if !ok || raw == nil {
		return nil, nil
	}

	var v int64
	switch n := raw.(type) {
	case float64:
		v = int64(n)
	case int:
		v = int64(n)
	case int32:
		v = int64(n)
	case int64:
		v = n
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return nil, syncerr.Validation("invalid %s: %v", models.VersionKey, err)
		}
		v = parsed
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil, syncerr.Validation("invalid %s: %v", models.VersionKey, err)
		}
		v = parsed
	default:
		return nil, syncerr.Validation("invalid %s type %T", models.VersionKey, raw)
	}
	return &v, nil
}
