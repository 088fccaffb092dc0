// Package executor drives a single run through its state machine: it invokes
// the agent graph, folds its updates into checkpoints and publishes the
// run's events on a Broker.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentserver/agent"
	"github.com/aixgo-dev/agentserver/internal/checkpoint"
	"github.com/aixgo-dev/agentserver/pkg/observability"
	"github.com/aixgo-dev/agentserver/pkg/storage"
)

// Cancellation causes. A run whose context is cancelled with ErrInterrupted
// or ErrRolledBack ends interrupted; one whose deadline passes ends with
// status timeout.
var (
	ErrInterrupted = errors.New("run interrupted")
	ErrRolledBack  = errors.New("run rolled back")
	ErrTimeout     = errors.New("run timed out")
)

// ErrRecursionLimit is reported when a graph produces more updates than the
// run's recursion limit allows.
var ErrRecursionLimit = errors.New("recursion limit reached")

const wildcard = "*"

// Options configures an Executor.
type Options struct {
	// DefaultTimeout applies to runs without a timeout of their own. Zero
	// disables it.
	DefaultTimeout time.Duration
	Metrics        *observability.Metrics
	Logger         *zap.Logger
}

// Executor runs jobs. It is safe for concurrent use; the caller guarantees
// that at most one job per thread executes at a time.
type Executor struct {
	backend     storage.Backend
	checkpoints *checkpoint.Store
	metrics     *observability.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
	timeout     time.Duration
	now         func() time.Time
}

// New creates an executor.
func New(backend storage.Backend, checkpoints *checkpoint.Store, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Executor{
		backend:     backend,
		checkpoints: checkpoints,
		metrics:     metrics,
		logger:      logger.Named("executor"),
		tracer:      observability.Tracer("github.com/aixgo-dev/agentserver/internal/executor"),
		timeout:     opts.DefaultTimeout,
		now:         time.Now,
	}
}

// Job is one run ready to execute.
type Job struct {
	// Run is owned by the executor until Execute returns.
	Run       *storage.Run
	Assistant *agent.Assistant
	Graph     agent.Graph
	Broker    *Broker
}

// Result is the terminal outcome of a job.
type Result struct {
	Status storage.RunStatus
	Err    error
}

// Execute moves the run from pending to running to a terminal status. It
// persists the run record on every transition but leaves thread status and
// broker shutdown to the caller.
func (e *Executor) Execute(ctx context.Context, job *Job) Result {
	run := job.Run
	pub := context.WithoutCancel(ctx)
	started := e.now()

	cfg := agent.ParseRunConfig(mergeConfig(job.Assistant.Config, run.Kwargs.Config))
	timeout := e.timeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
		defer cancel()
	}

	ctx, span := e.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		observability.Attr("run.id", run.RunID),
		observability.Attr("thread.id", run.ThreadID),
		observability.Attr("assistant.id", run.AssistantID),
	))
	defer span.End()

	log := e.logger.With(zap.String("run_id", run.RunID), zap.String("thread_id", run.ThreadID))

	run.Status = storage.RunRunning
	run.UpdatedAt = started.UTC()
	if err := e.backend.PutRun(pub, run); err != nil {
		log.Warn("persist running status", zap.Error(err))
	}
	e.metrics.RunStarted()
	log.Debug("run started", zap.String("assistant_id", run.AssistantID))

	job.Broker.Publish(pub, Event{Type: EventMetadata, Data: map[string]any{
		"run_id":  run.RunID,
		"attempt": job.Broker.Attempt(),
	}})

	status, err := e.execute(ctx, pub, job, cfg)

	switch status {
	case storage.RunError:
		job.Broker.Publish(pub, Event{Type: EventError, Data: map[string]any{
			"error": err.Error(),
			"code":  "execution_error",
		}})
	case storage.RunTimeout:
		job.Broker.Publish(pub, Event{Type: EventError, Data: map[string]any{
			"error": fmt.Sprintf("run exceeded timeout of %s", timeout),
			"code":  "timeout",
		}})
	}

	run.Status = status
	run.UpdatedAt = e.now().UTC()
	if err != nil && (status == storage.RunError || status == storage.RunTimeout) {
		run.Error = err.Error()
	}
	if perr := e.backend.PutRun(pub, run); perr != nil {
		log.Warn("persist terminal status", zap.Error(perr))
	}

	elapsed := e.now().Sub(started)
	e.metrics.RunFinished(run.AssistantID, string(status), elapsed)
	span.SetAttributes(observability.Attr("run.status", string(status)))
	if status == storage.RunError || status == storage.RunTimeout {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	fields := []zap.Field{zap.String("status", string(status)), zap.Duration("elapsed", elapsed)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if status == storage.RunError {
		log.Warn("run failed", fields...)
	} else {
		log.Info("run finished", fields...)
	}
	return Result{Status: status, Err: err}
}

func (e *Executor) execute(ctx, pub context.Context, job *Job, cfg agent.RunConfig) (storage.RunStatus, error) {
	run := job.Run

	head, err := e.checkpoints.LatestSnapshot(ctx, run.ThreadID)
	if err != nil {
		return classify(ctx, err)
	}
	values := map[string]any{}
	var pending []string
	step := -1
	if head != nil {
		values = head.Values
		pending = head.Next
		step = stepOf(head) + 1
	}

	input, err := DecodeInput(run.Kwargs.Input)
	if err != nil {
		return storage.RunError, err
	}

	if input != nil {
		values = checkpoint.Merge(values, input)
		if _, err := e.write(ctx, run, values, nil, nil, e.metadata(run, cfg, "input", step, map[string]any{"__start__": input})); err != nil {
			return classify(ctx, err)
		}
		step++
		pending = nil
	}
	job.Broker.Publish(pub, Event{Type: EventValues, Data: values})

	if slices.Contains(run.Kwargs.InterruptBefore, wildcard) {
		return storage.RunInterrupted, nil
	}

	stream, err := job.Graph.Invoke(ctx, agent.Invocation{
		RunID:       run.RunID,
		ThreadID:    run.ThreadID,
		AssistantID: run.AssistantID,
		Values:      values,
		Input:       input,
		Next:        pending,
		Config:      cfg,
		Context:     run.Kwargs.Context,
	})
	if err != nil {
		return classify(ctx, err)
	}
	defer stream.Close()

	updates := 0
	for {
		if ctx.Err() != nil {
			return classify(ctx, ctx.Err())
		}

		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return storage.RunSuccess, nil
		}
		if err != nil {
			return classify(ctx, err)
		}

		if delta.Message != nil {
			job.Broker.Publish(pub, Event{Type: EventMessages, Data: []any{delta.Message, e.messageMetadata(run, delta)}})
		}
		if delta.Update == nil {
			continue
		}

		updates++
		if updates > cfg.RecursionLimit {
			return storage.RunError, fmt.Errorf("%w: %d updates without completing", ErrRecursionLimit, cfg.RecursionLimit)
		}

		values = checkpoint.Merge(values, delta.Update)
		interrupts := interruptsFor(run, delta)
		meta := e.metadata(run, cfg, "loop", step, map[string]any{delta.Node: delta.Update})
		if _, err := e.write(ctx, run, values, delta.Next, interrupts, meta); err != nil {
			return classify(ctx, err)
		}
		step++

		job.Broker.Publish(pub, Event{Type: EventUpdates, Data: map[string]any{delta.Node: delta.Update}})
		job.Broker.Publish(pub, Event{Type: EventValues, Data: values})

		if len(interrupts) > 0 {
			return storage.RunInterrupted, nil
		}
	}
}

func (e *Executor) write(ctx context.Context, run *storage.Run, values map[string]any, next []string, interrupts []storage.Interrupt, meta map[string]any) (*storage.StateSnapshot, error) {
	tasks := make([]storage.Task, 0, len(next))
	for _, n := range next {
		tasks = append(tasks, storage.Task{ID: run.RunID + ":" + n, Name: n})
	}
	snap, err := e.checkpoints.Append(ctx, run.ThreadID, &storage.StateSnapshot{
		Values:     values,
		Next:       next,
		Tasks:      tasks,
		Metadata:   meta,
		Interrupts: interrupts,
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordCheckpoint()
	return snap, nil
}

func (e *Executor) metadata(run *storage.Run, cfg agent.RunConfig, source string, step int, writes map[string]any) map[string]any {
	meta := map[string]any{
		"source":       source,
		"step":         step,
		"run_id":       run.RunID,
		"thread_id":    run.ThreadID,
		"assistant_id": run.AssistantID,
		"writes":       writes,
	}
	if len(cfg.Tags) > 0 {
		meta["tags"] = cfg.Tags
	}
	return meta
}

func (e *Executor) messageMetadata(run *storage.Run, delta *agent.Delta) map[string]any {
	meta := make(map[string]any, len(delta.Message.Metadata)+4)
	for k, v := range delta.Message.Metadata {
		meta[k] = v
	}
	meta["run_id"] = run.RunID
	meta["thread_id"] = run.ThreadID
	meta["assistant_id"] = run.AssistantID
	if _, ok := meta["langgraph_node"]; !ok {
		meta["langgraph_node"] = delta.Node
	}
	return meta
}

func interruptsFor(run *storage.Run, delta *agent.Delta) []storage.Interrupt {
	var out []storage.Interrupt
	after := run.Kwargs.InterruptAfter
	if slices.Contains(after, delta.Node) || slices.Contains(after, wildcard) {
		out = append(out, storage.Interrupt{Node: delta.Node, When: "after", RunID: run.RunID})
	}
	before := run.Kwargs.InterruptBefore
	for _, n := range delta.Next {
		if slices.Contains(before, n) || slices.Contains(before, wildcard) {
			out = append(out, storage.Interrupt{Node: n, When: "before", RunID: run.RunID})
		}
	}
	return out
}

// classify maps a failure to a terminal status. Context cancellation wins
// over the error the graph reported, since graphs usually surface it as
// their own error.
func classify(ctx context.Context, err error) (storage.RunStatus, error) {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrTimeout) {
			return storage.RunTimeout, cause
		}
		return storage.RunInterrupted, cause
	}
	return storage.RunError, err
}

func stepOf(snap *storage.StateSnapshot) int {
	switch v := snap.Metadata["step"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return -1
}

// DecodeInput reads a run input. An object is used as a state update, null
// or absent input means resume, and a bare string or list is taken as
// messages.
func DecodeInput(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	switch in := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return in, nil
	case string, []any:
		return map[string]any{checkpoint.MessagesKey: in}, nil
	}
	return nil, fmt.Errorf("input must be an object, got %s", string(raw))
}

// mergeConfig overlays run config on assistant config, merging the
// configurable maps one level deep.
func mergeConfig(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if k == "configurable" {
			merged := map[string]any{}
			if b, ok := base[k].(map[string]any); ok {
				for bk, bv := range b {
					merged[bk] = bv
				}
			}
			if o, ok := v.(map[string]any); ok {
				for key, ov := range o {
					merged[key] = ov
				}
			}
			out[k] = merged
			continue
		}
		out[k] = v
	}
	return out
}
