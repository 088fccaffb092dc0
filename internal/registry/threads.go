package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentserver/internal/apperr"
	"github.com/aixgo-dev/agentserver/internal/checkpoint"
	"github.com/aixgo-dev/agentserver/pkg/storage"
)

// if_exists behaviours of thread creation.
const (
	IfExistsRaise     = "raise"
	IfExistsDoNothing = "do_nothing"
)

// Thread search bounds.
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 1000
)

// CreateThreadRequest describes a new thread.
type CreateThreadRequest struct {
	ThreadID string
	Metadata map[string]any
	IfExists string
}

// CreateThread stores a new idle thread. An existing id is a conflict unless
// IfExists is do_nothing, in which case the existing thread is returned.
func (r *Registry) CreateThread(ctx context.Context, owner string, req CreateThreadRequest) (*storage.Thread, error) {
	switch req.IfExists {
	case "", IfExistsRaise, IfExistsDoNothing:
	default:
		return nil, apperr.Validation("if_exists must be one of raise, do_nothing; got %q", req.IfExists)
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	} else if strings.ContainsAny(threadID, " /\t\n") {
		return nil, apperr.Validation("invalid thread_id %q", threadID)
	}

	e := r.entry(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := r.backend.GetThread(ctx, threadID)
	switch {
	case err == nil:
		if req.IfExists == IfExistsDoNothing && existing.OwnerID == owner {
			return existing, nil
		}
		return nil, apperr.Conflict("Thread %s already exists", threadID)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("load thread: %w", err)
	}

	now := r.now().UTC()
	thread := &storage.Thread{
		ThreadID:  threadID,
		OwnerID:   owner,
		Status:    storage.ThreadIdle,
		Metadata:  copyMap(req.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.backend.PutThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("store thread: %w", err)
	}
	e.deleted = false
	r.logger.Debug("thread created", zap.String("thread_id", threadID), zap.String("owner", owner))
	return thread, nil
}

// GetThread returns a thread of owner.
func (r *Registry) GetThread(ctx context.Context, owner, threadID string) (*storage.Thread, error) {
	return r.loadThread(ctx, owner, threadID)
}

// UpdateThread shallow-merges metadata into the thread's metadata.
func (r *Registry) UpdateThread(ctx context.Context, owner, threadID string, metadata map[string]any) (*storage.Thread, error) {
	e := r.entry(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()

	thread, err := r.loadThread(ctx, owner, threadID)
	if err != nil {
		return nil, err
	}
	if thread.Metadata == nil {
		thread.Metadata = map[string]any{}
	}
	for k, v := range metadata {
		thread.Metadata[k] = v
	}
	thread.UpdatedAt = r.now().UTC()
	if err := r.backend.PutThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("store thread: %w", err)
	}
	return thread, nil
}

// DeleteThread stops the thread's runs and removes the thread with its runs
// and checkpoints. Delete hooks run afterwards.
func (r *Registry) DeleteThread(ctx context.Context, owner, threadID string) error {
	if _, err := r.loadThread(ctx, owner, threadID); err != nil {
		return err
	}
	return r.deleteThread(ctx, threadID)
}

func (r *Registry) deleteThread(ctx context.Context, threadID string) error {
	e := r.entry(threadID)
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return apperr.NotFound("Thread %s not found", threadID)
	}
	e.deleted = true
	active, queued := e.active, e.queue
	e.queue = nil
	if active != nil {
		r.wg.Add(1)
	}
	e.mu.Unlock()

	for _, q := range queued {
		r.abandon(ctx, q)
	}
	if active == nil {
		return r.removeThread(ctx, threadID, e)
	}

	// Once marked deleted the thread must be removed, even when the caller
	// stops waiting for the active run.
	active.cancel(errThreadDeleted)
	removed := make(chan error, 1)
	go func() {
		defer r.wg.Done()
		<-active.done
		removed <- r.removeThread(context.WithoutCancel(ctx), threadID, e)
	}()
	select {
	case err := <-removed:
		return err
	case <-ctx.Done():
		return fmt.Errorf("wait for active run: %w", ctx.Err())
	}
}

func (r *Registry) removeThread(ctx context.Context, threadID string, e *threadEntry) error {
	err := r.backend.DeleteThread(ctx, threadID)
	r.checkpoints.Forget(threadID)
	r.dropEntry(threadID, e)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("Thread %s not found", threadID)
	}
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}

	r.hooksMu.RLock()
	hooks := append([]DeleteHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, threadID)
	}
	r.logger.Debug("thread deleted", zap.String("thread_id", threadID))
	return nil
}

// GetState returns the thread's latest snapshot, or an empty snapshot when
// no run has written one yet.
func (r *Registry) GetState(ctx context.Context, owner, threadID string) (*storage.StateSnapshot, error) {
	if _, err := r.loadThread(ctx, owner, threadID); err != nil {
		return nil, err
	}
	snap, err := r.checkpoints.LatestSnapshot(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return checkpoint.EmptySnapshot(), nil
	}
	return snap, nil
}

// History pages through the thread's checkpoints newest first.
func (r *Registry) History(ctx context.Context, owner, threadID string, limit int, before string) ([]*storage.StateSnapshot, error) {
	if _, err := r.loadThread(ctx, owner, threadID); err != nil {
		return nil, err
	}
	return r.checkpoints.History(ctx, threadID, limit, before)
}

// SearchRequest filters and orders threads.
type SearchRequest struct {
	Metadata  map[string]any
	Status    storage.ThreadStatus
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

var sortFields = map[string]func(a, b *storage.Thread) bool{
	"thread_id":  func(a, b *storage.Thread) bool { return a.ThreadID < b.ThreadID },
	"status":     func(a, b *storage.Thread) bool { return a.Status < b.Status },
	"created_at": func(a, b *storage.Thread) bool { return a.CreatedAt.Before(b.CreatedAt) },
	"updated_at": func(a, b *storage.Thread) bool { return a.UpdatedAt.Before(b.UpdatedAt) },
}

func (req *SearchRequest) validate() error {
	if req.Status != "" && !req.Status.Valid() {
		return apperr.Validation("invalid status %q", req.Status)
	}
	if req.SortBy != "" {
		if _, ok := sortFields[req.SortBy]; !ok {
			return apperr.Validation("invalid sort_by %q: must be one of thread_id, status, created_at, updated_at", req.SortBy)
		}
	}
	switch strings.ToLower(req.SortOrder) {
	case "", "asc", "desc":
	default:
		return apperr.Validation("invalid sort_order %q: must be asc or desc", req.SortOrder)
	}
	if req.Offset < 0 {
		return apperr.Validation("offset must not be negative")
	}
	return nil
}

// SearchThreads lists owner's threads matching req. Results default to the
// most recently created first.
func (r *Registry) SearchThreads(ctx context.Context, owner string, req SearchRequest) ([]*storage.Thread, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	threads, err := r.filterThreads(ctx, owner, req)
	if err != nil {
		return nil, err
	}

	sortBy, order := req.SortBy, strings.ToLower(req.SortOrder)
	if sortBy == "" {
		sortBy = "created_at"
		if order == "" {
			order = "desc"
		}
	}
	less := sortFields[sortBy]
	sort.SliceStable(threads, func(i, j int) bool {
		if order == "desc" {
			return less(threads[j], threads[i])
		}
		return less(threads[i], threads[j])
	})

	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultSearchLimit
	case limit > MaxSearchLimit:
		limit = MaxSearchLimit
	}
	if req.Offset >= len(threads) {
		return []*storage.Thread{}, nil
	}
	threads = threads[req.Offset:]
	if len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

// CountThreads counts owner's threads matching the filters of req.
func (r *Registry) CountThreads(ctx context.Context, owner string, req SearchRequest) (int, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}
	threads, err := r.filterThreads(ctx, owner, req)
	if err != nil {
		return 0, err
	}
	return len(threads), nil
}

func (r *Registry) filterThreads(ctx context.Context, owner string, req SearchRequest) ([]*storage.Thread, error) {
	all, err := r.backend.ListThreads(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	out := all[:0]
	for _, t := range all {
		if req.Status != "" && t.Status != req.Status {
			continue
		}
		if !matchMetadata(t.Metadata, req.Metadata) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// matchMetadata reports whether every filter key is present in meta with an
// equal value.
func matchMetadata(meta, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := meta[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
