// Package registry maps entity-type tags to the handlers that apply mutations against
// the canonical store. Adding an entity type means registering a handler here; the
// processor never changes.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Guizzs26/go-sync-queue/internal/models"
)

// Request is everything a handler needs to apply one queued mutation
type Request struct {
	ItemID    string
	Operation models.Operation
	EntityID  string
	Payload   models.Payload
	CallerID  string
}

// Handler applies a mutation for one entity type. Implementations signal a concurrent
// modification with *syncerr.ConflictError and classify other failures with syncerr kinds.
type Handler interface {
	Apply(ctx context.Context, req Request) (models.Payload, error)
}

// Fetcher is implemented by handlers that can read the current canonical state.
// A nil payload with a nil error means the entity does not exist.
type Fetcher interface {
	FetchCurrent(ctx context.Context, entityID string) (models.Payload, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req Request) (models.Payload, error)

func (f HandlerFunc) Apply(ctx context.Context, req Request) (models.Payload, error) {
	return f(ctx, req)
}

// Registry is safe for concurrent lookups while handlers are being registered
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds entityType to h. Registering the same type twice is an error.
func (r *Registry) Register(entityType string, h Handler) error {
	if entityType == "" || h == nil {
		return fmt.Errorf("registry: entity type and handler are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[entityType]; exists {
		return fmt.Errorf("registry: handler for %q already registered", entityType)
	}
	r.handlers[entityType] = h
	return nil
}

func (r *Registry) Lookup(entityType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[entityType]
	return h, ok
}

// EntityTypes lists the registered tags in lexical order
func (r *Registry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
