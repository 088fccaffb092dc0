package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentserver/agent"
	"github.com/aixgo-dev/agentserver/internal/apperr"
	"github.com/aixgo-dev/agentserver/internal/executor"
	"github.com/aixgo-dev/agentserver/pkg/storage"
)

// errThreadDeleted cancels the runs of a thread that is being deleted.
var errThreadDeleted = errors.New("thread deleted")

// on_completion values.
const (
	OnCompletionDelete = "delete"
	OnCompletionKeep   = "keep"
)

// Cancel actions.
const (
	CancelInterrupt = "interrupt"
	CancelRollback  = "rollback"
)

// StreamModes lists the selectable stream modes.
var StreamModes = []string{executor.EventValues, executor.EventUpdates, executor.EventMessages}

// RunRequest holds the parameters of a new run.
type RunRequest struct {
	AssistantID       string
	MultitaskStrategy storage.MultitaskStrategy
	Input             json.RawMessage
	Metadata          map[string]any
	Config            map[string]any
	Context           map[string]any
	InterruptBefore   []string
	InterruptAfter    []string
	StreamMode        []string
	Webhook           string
	OnCompletion      string
}

// RunHandle is a freshly created run and the broker carrying its events.
type RunHandle struct {
	Run    *storage.Run
	Broker *executor.Broker

	entry *runEntry
}

// Wait blocks until the run is terminal and returns its final record and
// the thread values it left behind. It works even when the run's thread is
// deleted on completion.
func (h *RunHandle) Wait(ctx context.Context) (*storage.Run, map[string]any, error) {
	select {
	case <-h.entry.done:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	values := h.entry.values
	if values == nil {
		values = map[string]any{}
	}
	return h.entry.result, values, nil
}

func (r *Registry) validateRun(req *RunRequest) error {
	if req.AssistantID == "" {
		return apperr.Validation("assistant_id is required")
	}
	if req.MultitaskStrategy == "" {
		req.MultitaskStrategy = storage.MultitaskEnqueue
	}
	if !req.MultitaskStrategy.Valid() {
		return apperr.Validation("invalid multitask_strategy %q: must be one of reject, enqueue, interrupt, rollback", req.MultitaskStrategy)
	}
	if len(req.StreamMode) == 0 {
		req.StreamMode = []string{executor.EventValues}
	}
	for _, m := range req.StreamMode {
		if !slices.Contains(StreamModes, m) {
			return apperr.Validation("invalid stream_mode %q: must be one of values, updates, messages", m)
		}
	}
	switch req.OnCompletion {
	case "", OnCompletionDelete, OnCompletionKeep:
	default:
		return apperr.Validation("invalid on_completion %q: must be delete or keep", req.OnCompletion)
	}
	if _, err := executor.DecodeInput(req.Input); err != nil {
		return apperr.Validation("invalid input: %v", err)
	}
	if req.Webhook != "" && r.validator != nil {
		if err := r.validator.ValidateURL(req.Webhook); err != nil {
			return apperr.Validation("invalid webhook: %v", err)
		}
	}
	return nil
}

// CreateRun creates a run on a thread of owner and resolves it against the
// thread's active run:
//
//   - no active run: the run starts immediately and the thread becomes busy
//   - reject: a conflict is returned and nothing changes
//   - enqueue: the run waits behind every earlier run of the thread
//   - interrupt: the active run is interrupted and the new run goes next
//   - rollback: as interrupt, and the active run's checkpoints are discarded
func (r *Registry) CreateRun(ctx context.Context, owner, threadID string, req RunRequest) (*RunHandle, error) {
	if err := r.validateRun(&req); err != nil {
		return nil, err
	}
	assistant, graph, err := r.assistants.Resolve(req.AssistantID)
	if err != nil {
		return nil, apperr.NotFound("Assistant %s not found", req.AssistantID)
	}

	e := r.entry(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()

	thread, err := r.loadThread(ctx, owner, threadID)
	if err != nil {
		return nil, err
	}
	if e.deleted {
		return nil, apperr.NotFound("Thread %s not found", threadID)
	}

	if e.active != nil {
		r.metrics.RecordMultitask(string(req.MultitaskStrategy))
		switch req.MultitaskStrategy {
		case storage.MultitaskReject:
			return nil, apperr.Conflict("Thread %s is busy with run %s", threadID, e.active.run.RunID)
		case storage.MultitaskEnqueue:
			if len(e.queue) >= r.maxQueue {
				return nil, apperr.Conflict("Thread %s has %d queued runs", threadID, len(e.queue))
			}
		}
	}

	re, err := r.newRun(ctx, owner, thread, assistant, graph, req)
	if err != nil {
		return nil, err
	}
	handle := &RunHandle{Run: cloneRun(re.run), Broker: re.broker, entry: re}

	if e.active == nil {
		if err := r.markBusy(ctx, thread); err != nil {
			return nil, err
		}
		r.start(e, re)
		return handle, nil
	}

	switch req.MultitaskStrategy {
	case storage.MultitaskInterrupt:
		e.active.cancel(executor.ErrInterrupted)
		e.queue = append([]*runEntry{re}, e.queue...)
	case storage.MultitaskRollback:
		e.active.cancel(executor.ErrRolledBack)
		e.queue = append([]*runEntry{re}, e.queue...)
	default:
		e.queue = append(e.queue, re)
	}
	r.metrics.AddQueued(1)
	r.logger.Debug("run queued",
		zap.String("run_id", re.run.RunID),
		zap.String("thread_id", threadID),
		zap.String("strategy", string(req.MultitaskStrategy)),
		zap.String("behind", e.active.run.RunID),
	)
	return handle, nil
}

func (r *Registry) newRun(ctx context.Context, owner string, thread *storage.Thread, assistant *agent.Assistant, graph agent.Graph, req RunRequest) (*runEntry, error) {
	now := r.now().UTC()
	run := &storage.Run{
		RunID:             uuid.New().String(),
		ThreadID:          thread.ThreadID,
		AssistantID:       assistant.AssistantID,
		OwnerID:           owner,
		Status:            storage.RunPending,
		MultitaskStrategy: req.MultitaskStrategy,
		Metadata:          copyMap(req.Metadata),
		Kwargs: storage.RunKwargs{
			Input:           req.Input,
			Config:          req.Config,
			Context:         req.Context,
			InterruptBefore: req.InterruptBefore,
			InterruptAfter:  req.InterruptAfter,
			StreamMode:      req.StreamMode,
			Webhook:         req.Webhook,
			OnCompletion:    req.OnCompletion,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.backend.PutRun(ctx, run); err != nil {
		return nil, fmt.Errorf("store run: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(r.baseCtx)
	re := &runEntry{
		run:       run,
		assistant: assistant,
		graph:     graph,
		broker:    executor.NewBroker(r.replayLimit, r.subscriberBuffer),
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.trackRun(re)
	return re, nil
}

func (r *Registry) markBusy(ctx context.Context, thread *storage.Thread) error {
	if thread.Status == storage.ThreadBusy {
		return nil
	}
	thread.Status = storage.ThreadBusy
	thread.UpdatedAt = r.now().UTC()
	if err := r.backend.PutThread(ctx, thread); err != nil {
		return fmt.Errorf("store thread: %w", err)
	}
	return nil
}

// start makes re the thread's active run. The caller holds e.mu.
func (r *Registry) start(e *threadEntry, re *runEntry) {
	e.active = re
	r.wg.Add(1)
	go r.drive(e, re)
}

// drive executes re and hands the thread to the next queued run.
func (r *Registry) drive(e *threadEntry, re *runEntry) {
	defer r.wg.Done()
	ctx := context.WithoutCancel(re.ctx)
	threadID := re.run.ThreadID

	baseline, err := r.checkpoints.Count(ctx, threadID)
	if err != nil {
		r.logger.Warn("count checkpoints", zap.String("thread_id", threadID), zap.Error(err))
		baseline = unknownBaseline
	}
	re.baseline = baseline

	res := r.exec.Execute(re.ctx, &executor.Job{
		Run:       re.run,
		Assistant: re.assistant,
		Graph:     re.graph,
		Broker:    re.broker,
	})
	re.finished.Store(true)
	re.cancel(nil)

	e.mu.Lock()
	if res.Status == storage.RunInterrupted && errors.Is(res.Err, executor.ErrRolledBack) && !e.deleted {
		r.rollback(ctx, re)
	}

	var next *runEntry
	if !e.deleted && len(e.queue) > 0 {
		next, e.queue = e.queue[0], e.queue[1:]
		r.metrics.AddQueued(-1)
	}
	e.active = nil

	deleteThread := false
	if !e.deleted {
		status := res.Status.ThreadStatus()
		if next != nil {
			status = storage.ThreadBusy
		}
		r.setThreadStatus(ctx, threadID, status)
		deleteThread = next == nil && re.run.Kwargs.OnCompletion == OnCompletionDelete
		if values, err := r.checkpoints.Latest(ctx, threadID); err == nil {
			re.values = values
		}
	}
	re.result = cloneRun(re.run)
	if next != nil {
		r.start(e, next)
	}
	e.mu.Unlock()

	re.broker.Close()
	r.untrackRun(re.run.RunID)
	close(re.done)

	if re.run.Kwargs.Webhook != "" && r.webhooks != nil {
		if err := r.webhooks.Send(ctx, re.run.Kwargs.Webhook, re.result); err != nil {
			r.logger.Warn("webhook delivery failed",
				zap.String("run_id", re.run.RunID),
				zap.String("url", re.run.Kwargs.Webhook),
				zap.String("kind", string(apperr.KindOf(err))),
				zap.Error(err),
			)
		}
	}
	if deleteThread {
		if err := r.deleteThread(ctx, threadID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			r.logger.Warn("delete thread on completion", zap.String("thread_id", threadID), zap.Error(err))
		}
	}
}

// rollback discards the checkpoints re wrote. Without a known baseline the
// log is left alone rather than risk older history.
func (r *Registry) rollback(ctx context.Context, re *runEntry) {
	if re.baseline == unknownBaseline {
		r.logger.Warn("rollback skipped: checkpoint baseline unknown",
			zap.String("run_id", re.run.RunID),
			zap.String("thread_id", re.run.ThreadID),
		)
		return
	}
	if err := r.checkpoints.Truncate(ctx, re.run.ThreadID, re.baseline); err != nil {
		r.logger.Warn("roll back checkpoints", zap.String("run_id", re.run.RunID), zap.Error(err))
	}
}

func (r *Registry) setThreadStatus(ctx context.Context, threadID string, status storage.ThreadStatus) {
	thread, err := r.backend.GetThread(ctx, threadID)
	if err != nil {
		r.logger.Warn("load thread for status update", zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	thread.Status = status
	thread.UpdatedAt = r.now().UTC()
	if err := r.backend.PutThread(ctx, thread); err != nil {
		r.logger.Warn("store thread status", zap.String("thread_id", threadID), zap.Error(err))
	}
}

// abandon finishes a queued run that never started.
func (r *Registry) abandon(ctx context.Context, re *runEntry) {
	ctx = context.WithoutCancel(ctx)
	re.cancel(executor.ErrInterrupted)
	re.run.Status = storage.RunInterrupted
	re.run.UpdatedAt = r.now().UTC()
	if err := r.backend.PutRun(ctx, re.run); err != nil {
		r.logger.Warn("store abandoned run", zap.String("run_id", re.run.RunID), zap.Error(err))
	}
	r.metrics.AddQueued(-1)
	r.metrics.RunCancelledBeforeStart(re.run.AssistantID, string(storage.RunInterrupted))
	re.result = cloneRun(re.run)
	re.broker.Close()
	r.untrackRun(re.run.RunID)
	close(re.done)
}

// CancelRun stops a pending or running run. With rollback the run's
// checkpoints are discarded as well. Cancelling a finished run is a conflict.
func (r *Registry) CancelRun(ctx context.Context, owner, threadID, runID, action string) error {
	var cause error
	switch action {
	case "", CancelInterrupt:
		cause = executor.ErrInterrupted
	case CancelRollback:
		cause = executor.ErrRolledBack
	default:
		return apperr.Validation("invalid action %q: must be interrupt or rollback", action)
	}

	run, err := r.loadRun(ctx, owner, threadID, runID)
	if err != nil {
		return err
	}

	e := r.entry(run.ThreadID)
	e.mu.Lock()
	if e.active != nil && e.active.run.RunID == runID {
		if e.active.finished.Load() {
			e.mu.Unlock()
			return apperr.Conflict("Run %s has already finished", runID)
		}
		e.active.cancel(cause)
		e.mu.Unlock()
		r.logger.Info("run cancelled", zap.String("run_id", runID), zap.String("action", action))
		return nil
	}
	for i, q := range e.queue {
		if q.run.RunID == runID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			e.mu.Unlock()
			r.abandon(ctx, q)
			r.logger.Info("queued run cancelled", zap.String("run_id", runID))
			return nil
		}
	}
	e.mu.Unlock()
	return apperr.Conflict("Run %s is already %s", runID, run.Status)
}

// GetRun returns a run of owner. An empty threadID matches any thread.
func (r *Registry) GetRun(ctx context.Context, owner, threadID, runID string) (*storage.Run, error) {
	return r.loadRun(ctx, owner, threadID, runID)
}

// ListRuns returns a thread's runs newest first.
func (r *Registry) ListRuns(ctx context.Context, owner, threadID string, limit, offset int) ([]*storage.Run, error) {
	if _, err := r.loadThread(ctx, owner, threadID); err != nil {
		return nil, err
	}
	runs, err := r.backend.ListRuns(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })

	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if offset < 0 || offset >= len(runs) {
		return []*storage.Run{}, nil
	}
	runs = runs[offset:]
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// JoinRun returns the run and, while it is still pending or running, the
// broker carrying its events. A finished run has a nil broker.
func (r *Registry) JoinRun(ctx context.Context, owner, threadID, runID string) (*storage.Run, *executor.Broker, error) {
	run, err := r.loadRun(ctx, owner, threadID, runID)
	if err != nil {
		return nil, nil, err
	}
	if re, ok := r.lookupRun(runID); ok {
		return run, re.broker, nil
	}
	return run, nil, nil
}

// WaitRun blocks until the run is terminal and returns its final record and
// the thread values it left behind.
func (r *Registry) WaitRun(ctx context.Context, owner, threadID, runID string) (*storage.Run, map[string]any, error) {
	run, err := r.loadRun(ctx, owner, threadID, runID)
	if err != nil {
		return nil, nil, err
	}
	if re, ok := r.lookupRun(runID); ok {
		select {
		case <-re.done:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		values := re.values
		if values == nil {
			values = map[string]any{}
		}
		return re.result, values, nil
	}
	values, err := r.checkpoints.Latest(ctx, run.ThreadID)
	if err != nil {
		return nil, nil, err
	}
	return run, values, nil
}

// loadRun fetches a run, hiding other owners' runs and runs of other threads.
func (r *Registry) loadRun(ctx context.Context, owner, threadID, runID string) (*storage.Run, error) {
	if threadID != "" {
		if _, err := r.loadThread(ctx, owner, threadID); err != nil {
			return nil, err
		}
	}
	run, err := r.backend.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("Run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if run.OwnerID != owner || (threadID != "" && run.ThreadID != threadID) {
		return nil, apperr.NotFound("Run %s not found", runID)
	}
	return run, nil
}

func cloneRun(run *storage.Run) *storage.Run {
	out := *run
	out.Metadata = copyMap(run.Metadata)
	return &out
}
