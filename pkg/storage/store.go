package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	// ErrNotFound is returned when an entity doesn't exist.
	ErrNotFound = errors.New("entity not found")
	// ErrStorageClosed is returned when operating on a closed backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// Backend abstracts durable persistence of threads, runs, checkpoints and
// cron jobs. Implementations must be safe for concurrent use.
type Backend interface {
	// PutThread creates or replaces a thread.
	PutThread(ctx context.Context, thread *Thread) error

	// GetThread returns ErrNotFound if the thread doesn't exist.
	GetThread(ctx context.Context, threadID string) (*Thread, error)

	// DeleteThread removes a thread together with its runs and checkpoints.
	// Returns ErrNotFound if the thread doesn't exist.
	DeleteThread(ctx context.Context, threadID string) error

	// ListThreads returns all threads of an owner.
	ListThreads(ctx context.Context, ownerID string) ([]*Thread, error)

	// PutRun creates or replaces a run.
	PutRun(ctx context.Context, run *Run) error

	// GetRun returns ErrNotFound if the run doesn't exist.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns returns the runs of a thread in creation order.
	ListRuns(ctx context.Context, threadID string) ([]*Run, error)

	// AppendCheckpoint adds a snapshot at the end of a thread's log.
	AppendCheckpoint(ctx context.Context, threadID string, snapshot *StateSnapshot) error

	// ListCheckpoints returns a thread's log in creation order.
	ListCheckpoints(ctx context.Context, threadID string) ([]*StateSnapshot, error)

	// TruncateCheckpoints keeps only the first keep snapshots of a thread's log.
	TruncateCheckpoints(ctx context.Context, threadID string, keep int) error

	// PutCron creates or replaces a cron job.
	PutCron(ctx context.Context, job *CronJob) error

	// GetCron returns ErrNotFound if the job doesn't exist.
	GetCron(ctx context.Context, cronID string) (*CronJob, error)

	// DeleteCron returns ErrNotFound if the job doesn't exist.
	DeleteCron(ctx context.Context, cronID string) error

	// ListCrons returns every stored cron job. An empty ownerID lists all owners.
	ListCrons(ctx context.Context, ownerID string) ([]*CronJob, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}
