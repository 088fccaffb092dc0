// Package registry is the authoritative record of threads and runs. It
// enforces at most one active run per thread and resolves conflicting run
// requests according to their multitask strategy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentserver/agent"
	"github.com/aixgo-dev/agentserver/internal/apperr"
	"github.com/aixgo-dev/agentserver/internal/checkpoint"
	"github.com/aixgo-dev/agentserver/internal/executor"
	"github.com/aixgo-dev/agentserver/pkg/observability"
	"github.com/aixgo-dev/agentserver/pkg/storage"
)

// DefaultMaxQueuePerThread bounds the enqueue strategy.
const DefaultMaxQueuePerThread = 100

const unknownBaseline = -1

// URLValidator checks outbound webhook URLs.
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// DeleteHook is called after a thread and its history were removed.
type DeleteHook func(ctx context.Context, threadID string)

// Options configures a Registry.
type Options struct {
	MaxQueuePerThread int
	// ReplayLimit and SubscriberBuffer size each run's event broker.
	ReplayLimit      int
	SubscriberBuffer int
	Webhooks         *executor.WebhookSender
	WebhookValidator URLValidator
	Metrics          *observability.Metrics
	Logger           *zap.Logger
}

// Registry owns thread and run state. Operations on one thread are
// serialized by that thread's lock; different threads never contend.
type Registry struct {
	backend     storage.Backend
	checkpoints *checkpoint.Store
	exec        *executor.Executor
	assistants  *agent.Registry
	webhooks    *executor.WebhookSender
	validator   URLValidator
	metrics     *observability.Metrics
	logger      *zap.Logger

	maxQueue         int
	replayLimit      int
	subscriberBuffer int
	now              func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	threads map[string]*threadEntry

	runsMu sync.RWMutex
	runs   map[string]*runEntry

	hooksMu sync.RWMutex
	hooks   []DeleteHook
}

// threadEntry serializes every read-modify-write of one thread's active
// run, queue and checkpoint head.
type threadEntry struct {
	mu      sync.Mutex
	active  *runEntry
	queue   []*runEntry
	deleted bool
}

// runEntry tracks a run that has not finished yet.
type runEntry struct {
	run       *storage.Run
	assistant *agent.Assistant
	graph     agent.Graph
	broker    *executor.Broker
	ctx       context.Context
	cancel    context.CancelCauseFunc
	// baseline is the checkpoint count when the run started; rollback
	// truncates back to it. unknownBaseline disables truncation.
	baseline int
	// finished is set once the executor returned; the run can no longer
	// be cancelled.
	finished atomic.Bool
	done     chan struct{}

	// set before done is closed
	result *storage.Run
	values map[string]any
}

// New creates a registry.
func New(backend storage.Backend, checkpoints *checkpoint.Store, exec *executor.Executor, assistants *agent.Registry, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	maxQueue := opts.MaxQueuePerThread
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueuePerThread
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		backend:          backend,
		checkpoints:      checkpoints,
		exec:             exec,
		assistants:       assistants,
		webhooks:         opts.Webhooks,
		validator:        opts.WebhookValidator,
		metrics:          metrics,
		logger:           logger.Named("registry"),
		maxQueue:         maxQueue,
		replayLimit:      opts.ReplayLimit,
		subscriberBuffer: opts.SubscriberBuffer,
		now:              time.Now,
		baseCtx:          ctx,
		baseCancel:       cancel,
		threads:          make(map[string]*threadEntry),
		runs:             make(map[string]*runEntry),
	}
}

// OnThreadDeleted registers a hook run after every thread deletion.
func (r *Registry) OnThreadDeleted(hook DeleteHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Shutdown interrupts every active run and waits for them to stop.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.baseCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", ctx.Err())
	}
}

// ActiveRuns reports the number of runs that are pending or running.
func (r *Registry) ActiveRuns() int {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()
	return len(r.runs)
}

func (r *Registry) entry(threadID string) *threadEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.threads[threadID]
	if !ok {
		e = &threadEntry{}
		r.threads[threadID] = e
	}
	return e
}

func (r *Registry) dropEntry(threadID string, e *threadEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.threads[threadID] == e {
		delete(r.threads, threadID)
	}
}

func (r *Registry) lookupRun(runID string) (*runEntry, bool) {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()
	re, ok := r.runs[runID]
	return re, ok
}

func (r *Registry) trackRun(re *runEntry) {
	r.runsMu.Lock()
	r.runs[re.run.RunID] = re
	r.runsMu.Unlock()
}

func (r *Registry) untrackRun(runID string) {
	r.runsMu.Lock()
	delete(r.runs, runID)
	r.runsMu.Unlock()
}

// loadThread fetches a thread and hides other owners' threads.
func (r *Registry) loadThread(ctx context.Context, owner, threadID string) (*storage.Thread, error) {
	thread, err := r.backend.GetThread(ctx, threadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("Thread %s not found", threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if thread.OwnerID != owner {
		return nil, apperr.NotFound("Thread %s not found", threadID)
	}
	return thread, nil
}
