// Package checkpoint keeps the append-only per-thread log of state
// snapshots and the reducer that folds node updates into thread values.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/agentserver/pkg/storage"
)

// History paging bounds.
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 1000
)

// ClampLimit applies the history paging bounds. Zero selects the default.
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultHistoryLimit
	case limit < 1:
		return 1
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}

type head struct {
	id        string
	createdAt time.Time
}

// Store is the checkpoint log on top of a storage backend. Callers serialize
// appends per thread; the store only guards its own head cache.
type Store struct {
	backend storage.Backend
	now     func() time.Time

	mu    sync.Mutex
	heads map[string]head
}

// NewStore creates a checkpoint store.
func NewStore(backend storage.Backend) *Store {
	return &Store{
		backend: backend,
		now:     time.Now,
		heads:   make(map[string]head),
	}
}

// Append assigns snap a fresh checkpoint id, links it to the current head and
// appends it to the thread's log. The stored snapshot is returned.
func (s *Store) Append(ctx context.Context, threadID string, snap *storage.StateSnapshot) (*storage.StateSnapshot, error) {
	prev, err := s.head(ctx, threadID)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate checkpoint id: %w", err)
	}

	created := s.now().UTC()
	if !created.After(prev.createdAt) {
		created = prev.createdAt.Add(time.Microsecond)
	}

	out := &storage.StateSnapshot{
		Values:             snap.Values,
		Next:               snap.Next,
		Tasks:              snap.Tasks,
		CheckpointID:       id.String(),
		CheckpointNS:       "",
		ParentCheckpointID: prev.id,
		Metadata:           snap.Metadata,
		Interrupts:         snap.Interrupts,
		CreatedAt:          created,
	}
	normalize(out)

	if err := s.backend.AppendCheckpoint(ctx, threadID, out); err != nil {
		return nil, fmt.Errorf("append checkpoint: %w", err)
	}

	s.mu.Lock()
	s.heads[threadID] = head{id: out.CheckpointID, createdAt: created}
	s.mu.Unlock()
	return out, nil
}

func (s *Store) head(ctx context.Context, threadID string) (head, error) {
	s.mu.Lock()
	h, ok := s.heads[threadID]
	s.mu.Unlock()
	if ok {
		return h, nil
	}

	snaps, err := s.backend.ListCheckpoints(ctx, threadID)
	if err != nil {
		return head{}, fmt.Errorf("load checkpoints: %w", err)
	}
	if n := len(snaps); n > 0 {
		h = head{id: snaps[n-1].CheckpointID, createdAt: snaps[n-1].CreatedAt}
	}

	s.mu.Lock()
	s.heads[threadID] = h
	s.mu.Unlock()
	return h, nil
}

// History returns up to limit snapshots newest first. When before is set
// only snapshots strictly older than that checkpoint are returned; an
// unknown before id yields an empty page.
func (s *Store) History(ctx context.Context, threadID string, limit int, before string) ([]*storage.StateSnapshot, error) {
	limit = ClampLimit(limit)

	snaps, err := s.backend.ListCheckpoints(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}

	end := len(snaps)
	if before != "" {
		end = -1
		for i, snap := range snaps {
			if snap.CheckpointID == before {
				end = i
				break
			}
		}
		if end < 0 {
			return []*storage.StateSnapshot{}, nil
		}
	}

	out := make([]*storage.StateSnapshot, 0, min(limit, end))
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, snaps[i])
	}
	return out, nil
}

// LatestSnapshot returns the newest snapshot, or nil when the log is empty.
func (s *Store) LatestSnapshot(ctx context.Context, threadID string) (*storage.StateSnapshot, error) {
	snaps, err := s.backend.ListCheckpoints(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return snaps[len(snaps)-1], nil
}

// Latest returns the newest snapshot's values, or an empty map.
func (s *Store) Latest(ctx context.Context, threadID string) (map[string]any, error) {
	snap, err := s.LatestSnapshot(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.Values == nil {
		return map[string]any{}, nil
	}
	return snap.Values, nil
}

// Count reports the length of a thread's log.
func (s *Store) Count(ctx context.Context, threadID string) (int, error) {
	snaps, err := s.backend.ListCheckpoints(ctx, threadID)
	if err != nil {
		return 0, fmt.Errorf("load checkpoints: %w", err)
	}
	return len(snaps), nil
}

// Truncate drops every snapshot after the first keep.
func (s *Store) Truncate(ctx context.Context, threadID string, keep int) error {
	s.Forget(threadID)
	if err := s.backend.TruncateCheckpoints(ctx, threadID, keep); err != nil {
		return fmt.Errorf("truncate checkpoints: %w", err)
	}
	return nil
}

// Forget drops cached state for a thread, e.g. after it was deleted.
func (s *Store) Forget(threadID string) {
	s.mu.Lock()
	delete(s.heads, threadID)
	s.mu.Unlock()
}

// EmptySnapshot is the state reported for a thread without checkpoints.
func EmptySnapshot() *storage.StateSnapshot {
	snap := &storage.StateSnapshot{}
	normalize(snap)
	return snap
}

func normalize(snap *storage.StateSnapshot) {
	if snap.Values == nil {
		snap.Values = map[string]any{}
	}
	if snap.Next == nil {
		snap.Next = []string{}
	}
	if snap.Tasks == nil {
		snap.Tasks = []storage.Task{}
	}
	if snap.Metadata == nil {
		snap.Metadata = map[string]any{}
	}
	if snap.Interrupts == nil {
		snap.Interrupts = []storage.Interrupt{}
	}
}
