package storage

import (
	"chatsink/backend/internal/models"
	"context"
	"sync"
	"time"
)

// ProgressStore keeps transient snapshots of backfill operations.
// Terminal snapshots are kept for a retention window and then evicted.
type ProgressStore interface {
	Get(ctx context.Context, id string) (*models.BackfillOperation, error)
	Set(ctx context.Context, op *models.BackfillOperation) error
	Delete(ctx context.Context, id string) error
	// Sweep evicts terminal snapshots whose retention window has passed.
	Sweep(ctx context.Context) (int, error)
	// List returns every snapshot currently held.
	List(ctx context.Context) ([]*models.BackfillOperation, error)
}

type memoryEntry struct {
	op        *models.BackfillOperation
	expiresAt time.Time
}

// MemoryProgressStore is a process-local ProgressStore.
type MemoryProgressStore struct {
	mu        sync.RWMutex
	entries   map[string]memoryEntry
	retention time.Duration
	now       func() time.Time
}

// NewMemoryProgressStore creates a store that evicts terminal snapshots after retention.
func NewMemoryProgressStore(retention time.Duration) *MemoryProgressStore {
	return &MemoryProgressStore{
		entries:   make(map[string]memoryEntry),
		retention: retention,
		now:       time.Now,
	}
}

// Get returns a copy of the snapshot, or ErrNotFound.
func (s *MemoryProgressStore) Get(_ context.Context, id string) (*models.BackfillOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.op.Clone(), nil
}

// Set stores a copy of op. A terminal snapshot starts its retention window.
func (s *MemoryProgressStore) Set(_ context.Context, op *models.BackfillOperation) error {
	e := memoryEntry{op: op.Clone()}
	if op.Status.IsTerminal() {
		e.expiresAt = s.now().Add(s.retention)
	}
	s.mu.Lock()
	s.entries[op.ID] = e
	s.mu.Unlock()
	return nil
}

// Delete removes a snapshot. Deleting a missing id is not an error.
func (s *MemoryProgressStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Sweep drops expired terminal snapshots and returns how many were removed.
func (s *MemoryProgressStore) Sweep(_ context.Context) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// List returns copies of all snapshots.
func (s *MemoryProgressStore) List(_ context.Context) ([]*models.BackfillOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.BackfillOperation, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.op.Clone())
	}
	return out, nil
}

// RunSweeper calls Sweep on every tick until ctx is done.
func RunSweeper(ctx context.Context, store ProgressStore, interval time.Duration, onSweep func(removed int, err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Sweep(ctx)
			if onSweep != nil {
				onSweep(n, err)
			}
		}
	}
}
