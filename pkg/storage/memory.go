package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend implements Backend in process memory. It is the default
// backend and the one used by tests.
type MemoryBackend struct {
	mu          sync.RWMutex
	threads     map[string]*Thread
	runs        map[string]*Run
	threadRuns  map[string][]string
	checkpoints map[string][]*StateSnapshot
	crons       map[string]*CronJob
	closed      bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		threads:     make(map[string]*Thread),
		runs:        make(map[string]*Run),
		threadRuns:  make(map[string][]string),
		checkpoints: make(map[string][]*StateSnapshot),
		crons:       make(map[string]*CronJob),
	}
}

func (b *MemoryBackend) PutThread(_ context.Context, thread *Thread) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	c, err := clone(thread)
	if err != nil {
		return err
	}
	b.threads[thread.ThreadID] = c
	return nil
}

func (b *MemoryBackend) GetThread(_ context.Context, threadID string) (*Thread, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	t, ok := b.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t)
}

func (b *MemoryBackend) DeleteThread(_ context.Context, threadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	if _, ok := b.threads[threadID]; !ok {
		return ErrNotFound
	}
	for _, runID := range b.threadRuns[threadID] {
		delete(b.runs, runID)
	}
	delete(b.threadRuns, threadID)
	delete(b.checkpoints, threadID)
	delete(b.threads, threadID)
	return nil
}

func (b *MemoryBackend) ListThreads(_ context.Context, ownerID string) ([]*Thread, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	threads := make([]*Thread, 0, len(b.threads))
	for _, t := range b.threads {
		if t.OwnerID != ownerID {
			continue
		}
		c, err := clone(t)
		if err != nil {
			return nil, err
		}
		threads = append(threads, c)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].ThreadID < threads[j].ThreadID })
	return threads, nil
}

func (b *MemoryBackend) PutRun(_ context.Context, run *Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	c, err := clone(run)
	if err != nil {
		return err
	}
	if _, exists := b.runs[run.RunID]; !exists {
		b.threadRuns[run.ThreadID] = append(b.threadRuns[run.ThreadID], run.RunID)
	}
	b.runs[run.RunID] = c
	return nil
}

func (b *MemoryBackend) GetRun(_ context.Context, runID string) (*Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	r, ok := b.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r)
}

func (b *MemoryBackend) ListRuns(_ context.Context, threadID string) ([]*Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	ids := b.threadRuns[threadID]
	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		r, ok := b.runs[id]
		if !ok {
			continue
		}
		c, err := clone(r)
		if err != nil {
			return nil, err
		}
		runs = append(runs, c)
	}
	return runs, nil
}

func (b *MemoryBackend) AppendCheckpoint(_ context.Context, threadID string, snapshot *StateSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	c, err := clone(snapshot)
	if err != nil {
		return err
	}
	b.checkpoints[threadID] = append(b.checkpoints[threadID], c)
	return nil
}

func (b *MemoryBackend) ListCheckpoints(_ context.Context, threadID string) ([]*StateSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	log := b.checkpoints[threadID]
	out := make([]*StateSnapshot, len(log))
	for i, snap := range log {
		c, err := clone(snap)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func (b *MemoryBackend) TruncateCheckpoints(_ context.Context, threadID string, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	log := b.checkpoints[threadID]
	if keep < 0 {
		keep = 0
	}
	if keep < len(log) {
		b.checkpoints[threadID] = log[:keep:keep]
	}
	return nil
}

func (b *MemoryBackend) PutCron(_ context.Context, job *CronJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	c, err := clone(job)
	if err != nil {
		return err
	}
	b.crons[job.CronID] = c
	return nil
}

func (b *MemoryBackend) GetCron(_ context.Context, cronID string) (*CronJob, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	j, ok := b.crons[cronID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(j)
}

func (b *MemoryBackend) DeleteCron(_ context.Context, cronID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	if _, ok := b.crons[cronID]; !ok {
		return ErrNotFound
	}
	delete(b.crons, cronID)
	return nil
}

func (b *MemoryBackend) ListCrons(_ context.Context, ownerID string) ([]*CronJob, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	jobs := make([]*CronJob, 0, len(b.crons))
	for _, j := range b.crons {
		if ownerID != "" && j.OwnerID != ownerID {
			continue
		}
		c, err := clone(j)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, c)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (b *MemoryBackend) Ping(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
