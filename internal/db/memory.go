package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"
)

// MemoryQueueStore keeps queue items in process memory. It backs tests and the
// STORE_DRIVER=memory development mode; nothing survives a restart.
type MemoryQueueStore struct {
	mu    sync.RWMutex
	items map[string]*models.QueueItem
	now   func() time.Time
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{
		items: make(map[string]*models.QueueItem),
		now:   time.Now,
	}
}

func (s *MemoryQueueStore) Enqueue(_ context.Context, item *models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; exists {
		return syncerr.BadRequest("queue item %s already exists", item.ID)
	}
	s.items[item.ID] = cloneItem(item)
	return nil
}

func (s *MemoryQueueStore) Get(_ context.Context, id string) (*models.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, errItemNotFound(id)
	}
	return cloneItem(item), nil
}

// Claim performs the compare-and-swap into PROCESSING under the store lock
func (s *MemoryQueueStore) Claim(_ context.Context, id string, c models.Claim) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, errItemNotFound(id)
	}
	if !c.Allows(item.Status) {
		return nil, claimRejected(item)
	}

	item.Status = models.StatusProcessing
	item.AttemptCount = c.Next(item.AttemptCount)
	item.UpdatedAt = s.now()
	return cloneItem(item), nil
}

func (s *MemoryQueueStore) Update(_ context.Context, id string, patch models.ItemPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return errItemNotFound(id)
	}
	patch.Apply(item, s.now())
	return nil
}

func (s *MemoryQueueStore) ListByOwner(_ context.Context, ownerID string, statuses []models.Status, limit int) ([]*models.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.QueueItem
	for _, item := range s.items {
		if item.OwnerID != ownerID {
			continue
		}
		if len(statuses) > 0 && !(models.Claim{From: statuses}).Allows(item.Status) {
			continue
		}
		out = append(out, cloneItem(item))
	}

	sort.Slice(out, func(i, j int) bool { return models.Less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryQueueStore) CountByOwner(_ context.Context, ownerID string, status models.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, item := range s.items {
		if item.OwnerID == ownerID && item.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemoryQueueStore) OwnersWithStatus(_ context.Context, status models.Status, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var owners []string
	for _, item := range s.items {
		if item.Status != status {
			continue
		}
		if _, ok := seen[item.OwnerID]; ok {
			continue
		}
		seen[item.OwnerID] = struct{}{}
		owners = append(owners, item.OwnerID)
	}
	sort.Strings(owners)
	if limit > 0 && len(owners) > limit {
		owners = owners[:limit]
	}
	return owners, nil
}

// ResetStale releases items stuck in PROCESSING for longer than olderThan. Items that
// were mid-resolution go back to CONFLICT, items abandoned on their last attempt become
// FAILED, everything else returns to PENDING.
func (s *MemoryQueueStore) ResetStale(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-olderThan)
	var n int64
	for _, item := range s.items {
		if item.Status == models.StatusProcessing && item.UpdatedAt.Before(cutoff) {
			switch {
			case item.ConflictData != nil:
				item.Status = models.StatusConflict
			case item.AttemptCount >= item.MaxAttempts:
				item.Status = models.StatusFailed
				item.ErrorMessage = AbandonedFinalAttempt
			default:
				item.Status = models.StatusPending
			}
			item.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryQueueStore) Close() error {
	return nil
}

func cloneItem(item *models.QueueItem) *models.QueueItem {
	c := *item
	c.Payload = item.Payload.Clone()
	c.Metadata = item.Metadata.Clone()
	c.ResolvedData = item.ResolvedData.Clone()
	if item.ConflictData != nil {
		cd := *item.ConflictData
		cd.LocalData = cd.LocalData.Clone()
		cd.RemoteData = cd.RemoteData.Clone()
		c.ConflictData = &cd
	}
	return &c
}
