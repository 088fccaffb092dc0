package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aixgo-dev/agentserver/agent"
	"github.com/aixgo-dev/agentserver/internal/apperr"
	"github.com/aixgo-dev/agentserver/internal/checkpoint"
	"github.com/aixgo-dev/agentserver/internal/executor"
	"github.com/aixgo-dev/agentserver/pkg/observability"
	"github.com/aixgo-dev/agentserver/pkg/storage"
)

const owner = "owner-a"

// gate writes one update and then holds the run open until released.
type gate struct {
	release chan struct{}
	started chan string
	once    sync.Once
}

func newGate() *gate {
	return &gate{release: make(chan struct{}), started: make(chan string, 16)}
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) Invoke(ctx context.Context, inv agent.Invocation) (agent.Stream, error) {
	s := agent.NewChannelStream(ctx, 1)
	go func() {
		g.started <- inv.RunID
		if err := s.Send(&agent.Delta{Node: "step", Update: map[string]any{"step": inv.RunID}}); err != nil {
			s.Finish(err)
			return
		}
		select {
		case <-g.release:
			s.Finish(nil)
		case <-s.Context().Done():
			s.Finish(s.Context().Err())
		}
	}()
	return s, nil
}

// stubborn ignores cancellation and only finishes when released.
type stubborn struct {
	release chan struct{}
	started chan struct{}
}

func (g *stubborn) Invoke(context.Context, agent.Invocation) (agent.Stream, error) {
	close(g.started)
	return g, nil
}

func (g *stubborn) Recv() (*agent.Delta, error) {
	<-g.release
	return nil, io.EOF
}

func (g *stubborn) Close() error { return nil }

// flakyCheckpoints fails the next failures checkpoint reads.
type flakyCheckpoints struct {
	*storage.MemoryBackend
	failures atomic.Int32
}

func (b *flakyCheckpoints) ListCheckpoints(ctx context.Context, threadID string) ([]*storage.StateSnapshot, error) {
	if b.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return b.MemoryBackend.ListCheckpoints(ctx, threadID)
}

type fixture struct {
	reg        *Registry
	assistants *agent.Registry
	gate       *gate
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, storage.NewMemoryBackend())
}

func newFixtureWith(t *testing.T, backend storage.Backend) *fixture {
	t.Helper()
	cps := checkpoint.NewStore(backend)
	metrics := observability.NewMetrics()
	logger := zaptest.NewLogger(t)
	exec := executor.New(backend, cps, executor.Options{Metrics: metrics, Logger: logger})

	g := newGate()
	assistants := agent.NewRegistry()
	assistants.RegisterGraph("gate", g)

	reg := New(backend, cps, exec, assistants, Options{Metrics: metrics, Logger: logger})
	t.Cleanup(func() {
		g.open()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return &fixture{reg: reg, assistants: assistants, gate: g}
}

func (f *fixture) thread(t *testing.T) *storage.Thread {
	t.Helper()
	th, err := f.reg.CreateThread(context.Background(), owner, CreateThreadRequest{})
	require.NoError(t, err)
	return th
}

func (f *fixture) run(t *testing.T, threadID, assistant string, strategy storage.MultitaskStrategy, input string) *RunHandle {
	t.Helper()
	req := RunRequest{AssistantID: assistant, MultitaskStrategy: strategy}
	if input != "" {
		req.Input = json.RawMessage(input)
	}
	h, err := f.reg.CreateRun(context.Background(), owner, threadID, req)
	require.NoError(t, err)
	return h
}

func (f *fixture) wait(t *testing.T, threadID, runID string) *storage.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, _, err := f.reg.WaitRun(ctx, owner, threadID, runID)
	require.NoError(t, err)
	return run
}

func (f *fixture) awaitStart(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.gate.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
		return ""
	}
}

func TestCreateThreadIfExists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	th, err := f.reg.CreateThread(ctx, owner, CreateThreadRequest{ThreadID: "t-1", Metadata: map[string]any{"a": "b"}})
	require.NoError(t, err)
	assert.Equal(t, storage.ThreadIdle, th.Status)

	_, err = f.reg.CreateThread(ctx, owner, CreateThreadRequest{ThreadID: "t-1"})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	same, err := f.reg.CreateThread(ctx, owner, CreateThreadRequest{ThreadID: "t-1", IfExists: IfExistsDoNothing})
	require.NoError(t, err)
	assert.Equal(t, "b", same.Metadata["a"])

	_, err = f.reg.CreateThread(ctx, owner, CreateThreadRequest{IfExists: "replace"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUpdateThreadMergesMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.reg.CreateThread(ctx, owner, CreateThreadRequest{ThreadID: "t-1", Metadata: map[string]any{"a": "1", "b": "2"}})
	require.NoError(t, err)

	th, err := f.reg.UpdateThread(ctx, owner, "t-1", map[string]any{"b": "3", "c": "4"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "b": "3", "c": "4"}, th.Metadata)
}

func TestOwnerIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th := f.thread(t)

	_, err := f.reg.GetThread(ctx, "someone-else", th.ThreadID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.reg.History(ctx, "someone-else", th.ThreadID, 10, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	err = f.reg.DeleteThread(ctx, "someone-else", th.ThreadID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	count, err := f.reg.CountThreads(ctx, "someone-else", SearchRequest{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRunLifecycleUpdatesThread(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t)

	h := f.run(t, th.ThreadID, "gate", "", `"2+2?"`)
	assert.Equal(t, storage.RunPending, h.Run.Status)
	f.awaitStart(t)

	busy, err := f.reg.GetThread(context.Background(), owner, th.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, storage.ThreadBusy, busy.Status)

	f.gate.open()
	run := f.wait(t, th.ThreadID, h.Run.RunID)
	assert.Equal(t, storage.RunSuccess, run.Status)

	idle, err := f.reg.GetThread(context.Background(), owner, th.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, storage.ThreadIdle, idle.Status)
	assert.True(t, idle.UpdatedAt.After(th.UpdatedAt) || idle.UpdatedAt.Equal(th.UpdatedAt))
}

func TestRejectLeavesActiveRunAlone(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t)

	first := f.run(t, th.ThreadID, "gate", "", `"hi"`)
	f.awaitStart(t)

	_, err := f.reg.CreateRun(context.Background(), owner, th.ThreadID, RunRequest{
		AssistantID:       "gate",
		MultitaskStrategy: storage.MultitaskReject,
	})
	require.ErrorIs(t, err, apperr.ErrConflict)

	runs, err := f.reg.ListRuns(context.Background(), owner, th.ThreadID, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.RunRunning, runs[0].Status)

	f.gate.open()
	assert.Equal(t, storage.RunSuccess, f.wait(t, th.ThreadID, first.Run.RunID).Status)
}

func TestEnqueueRunsInOrder(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t)

	a := f.run(t, th.ThreadID, "gate", "", `"a"`)
	require.Equal(t, a.Run.RunID, f.awaitStart(t))
	b := f.run(t, th.ThreadID, "gate", storage.MultitaskEnqueue, `"b"`)
	c := f.run(t, th.ThreadID, "gate", "", `"c"`)

	stored, err := f.reg.GetRun(context.Background(), owner, th.ThreadID, b.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunPending, stored.Status)

	f.gate.open()
	assert.Equal(t, b.Run.RunID, f.awaitStart(t))
	assert.Equal(t, c.Run.RunID, f.awaitStart(t))
	for _, h := range []*RunHandle{a, b, c} {
		assert.Equal(t, storage.RunSuccess, f.wait(t, th.ThreadID, h.Run.RunID).Status)
	}
}

func TestInterruptStopsActiveRun(t *testing.T) {
	f := newFixture(t)
	th := f.thread(t)

	first := f.run(t, th.ThreadID, "gate", "", `"one"`)
	f.awaitStart(t)
	second := f.run(t, th.ThreadID, agent.EchoGraphID, storage.MultitaskInterrupt, `"two"`)

	assert.Equal(t, storage.RunInterrupted, f.wait(t, th.ThreadID, first.Run.RunID).Status)
	assert.Equal(t, storage.RunSuccess, f.wait(t, th.ThreadID, second.Run.RunID).Status)

	thread, err := f.reg.GetThread(context.Background(), owner, th.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, storage.ThreadIdle, thread.Status)
}

func TestRollbackDiscardsCheckpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th := f.thread(t)

	base := f.run(t, th.ThreadID, agent.EchoGraphID, "", `"hello"`)
	f.wait(t, th.ThreadID, base.Run.RunID)
	before, err := f.reg.History(ctx, owner, th.ThreadID, 100, "")
	require.NoError(t, err)
	require.Len(t, before, 2)

	doomed := f.run(t, th.ThreadID, "gate", "", `"doomed"`)
	f.awaitStart(t)
	require.Eventually(t, func() bool {
		h, err := f.reg.History(ctx, owner, th.ThreadID, 100, "")
		return err == nil && len(h) == 4
	}, 5*time.Second, 10*time.Millisecond)

	next := f.run(t, th.ThreadID, agent.EchoGraphID, storage.MultitaskRollback, `"again"`)
	assert.Equal(t, storage.RunInterrupted, f.wait(t, th.ThreadID, doomed.Run.RunID).Status)
	assert.Equal(t, storage.RunSuccess, f.wait(t, th.ThreadID, next.Run.RunID).Status)

	after, err := f.reg.History(ctx, owner, th.ThreadID, 100, "")
	require.NoError(t, err)
	require.Len(t, after, 4)
	assert.Equal(t, before[0].CheckpointID, after[2].CheckpointID)
	assert.Equal(t, before[1].CheckpointID, after[3].CheckpointID)

	state, err := f.reg.GetState(ctx, owner, th.ThreadID)
	require.NoError(t, err)
	assert.NotContains(t, state.Values, "step")
	msgs := agent.ParseMessages(state.Values["messages"])
	require.Len(t, msgs, 4)
	assert.Equal(t, "again", msgs[2].Text())
}

func TestRollbackKeepsHistoryWhenBaselineUnknown(t *testing.T) {
	backend := &flakyCheckpoints{MemoryBackend: storage.NewMemoryBackend()}
	f := newFixtureWith(t, backend)
	ctx := context.Background()
	th := f.thread(t)

	base := f.run(t, th.ThreadID, agent.EchoGraphID, "", `"hello"`)
	f.wait(t, th.ThreadID, base.Run.RunID)
	before, err := f.reg.History(ctx, owner, th.ThreadID, 100, "")
	require.NoError(t, err)
	require.Len(t, before, 2)

	backend.failures.Store(1)
	doomed := f.run(t, th.ThreadID, "gate", "", `"doomed"`)
	f.awaitStart(t)
	require.Eventually(t, func() bool {
		h, err := f.reg.History(ctx, owner, th.ThreadID, 100, "")
		return err == nil && len(h) == 4
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.reg.CancelRun(ctx, owner, th.ThreadID, doomed.Run.RunID, CancelRollback))
	assert.Equal(t, storage.RunInterrupted, f.wait(t, th.ThreadID, doomed.Run.RunID).Status)

	after, err := f.reg.History(ctx, owner, th.ThreadID, 100, "")
	require.NoError(t, err)
	require.Len(t, after, 4)
	assert.Equal(t, before[0].CheckpointID, after[2].CheckpointID)
	assert.Equal(t, before[1].CheckpointID, after[3].CheckpointID)
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th := f.thread(t)

	active := f.run(t, th.ThreadID, "gate", "", `"x"`)
	f.awaitStart(t)
	queued := f.run(t, th.ThreadID, "gate", "", `"y"`)

	require.NoError(t, f.reg.CancelRun(ctx, owner, th.ThreadID, queued.Run.RunID, CancelInterrupt))
	assert.Equal(t, storage.RunInterrupted, f.wait(t, th.ThreadID, queued.Run.RunID).Status)

	require.NoError(t, f.reg.CancelRun(ctx, owner, th.ThreadID, active.Run.RunID, ""))
	assert.Equal(t, storage.RunInterrupted, f.wait(t, th.ThreadID, active.Run.RunID).Status)

	err := f.reg.CancelRun(ctx, owner, th.ThreadID, active.Run.RunID, CancelInterrupt)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	thread, err := f.reg.GetThread(ctx, owner, th.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, storage.ThreadInterrupted, thread.Status)
}

func TestCancelAfterExecutionIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th := f.thread(t)

	h := f.run(t, th.ThreadID, "gate", "", `"x"`)
	f.awaitStart(t)
	h.entry.finished.Store(true)

	err := f.reg.CancelRun(ctx, owner, th.ThreadID, h.Run.RunID, CancelInterrupt)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	f.gate.open()
	assert.Equal(t, storage.RunSuccess, f.wait(t, th.ThreadID, h.Run.RunID).Status)
}

func TestDeleteThreadOutlivesCaller(t *testing.T) {
	f := newFixture(t)
	g := &stubborn{release: make(chan struct{}), started: make(chan struct{})}
	f.assistants.RegisterGraph("stubborn", g)
	th := f.thread(t)

	f.run(t, th.ThreadID, "stubborn", "", `"x"`)
	<-g.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.reg.DeleteThread(ctx, owner, th.ThreadID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(g.release)

	bg := context.Background()
	require.Eventually(t, func() bool {
		_, err := f.reg.GetThread(bg, owner, th.ThreadID)
		return errors.Is(err, apperr.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, f.reg.DeleteThread(bg, owner, th.ThreadID), apperr.ErrNotFound)
	_, err = f.reg.CreateRun(bg, owner, th.ThreadID, RunRequest{AssistantID: agent.EchoGraphID})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	recreated, err := f.reg.CreateThread(bg, owner, CreateThreadRequest{ThreadID: th.ThreadID})
	require.NoError(t, err)
	assert.Equal(t, storage.ThreadIdle, recreated.Status)
}

func TestDeleteThreadRemovesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th := f.thread(t)

	var hooked []string
	f.reg.OnThreadDeleted(func(_ context.Context, id string) { hooked = append(hooked, id) })

	done := f.run(t, th.ThreadID, agent.EchoGraphID, "", `"hi"`)
	f.wait(t, th.ThreadID, done.Run.RunID)
	running := f.run(t, th.ThreadID, "gate", "", `"again"`)
	f.awaitStart(t)

	require.NoError(t, f.reg.DeleteThread(ctx, owner, th.ThreadID))
	assert.Equal(t, []string{th.ThreadID}, hooked)

	_, err := f.reg.GetState(ctx, owner, th.ThreadID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.reg.History(ctx, owner, th.ThreadID, 10, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.reg.GetRun(ctx, owner, "", running.Run.RunID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.reg.GetRun(ctx, owner, "", done.Run.RunID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Zero(t, f.reg.ActiveRuns())
}

func TestOnCompletionDeleteRemovesThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th := f.thread(t)

	h, err := f.reg.CreateRun(ctx, owner, th.ThreadID, RunRequest{
		AssistantID:  agent.EchoGraphID,
		Input:        json.RawMessage(`"bye"`),
		OnCompletion: OnCompletionDelete,
	})
	require.NoError(t, err)

	_, values, err := f.reg.WaitRun(ctx, owner, th.ThreadID, h.Run.RunID)
	require.NoError(t, err)
	assert.Len(t, agent.ParseMessages(values["messages"]), 2)

	require.Eventually(t, func() bool {
		_, err := f.reg.GetThread(ctx, owner, th.ThreadID)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCreateRunValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th := f.thread(t)

	_, err := f.reg.CreateRun(ctx, owner, th.ThreadID, RunRequest{AssistantID: "missing"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.reg.CreateRun(ctx, owner, "no-such-thread", RunRequest{AssistantID: agent.EchoGraphID})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.reg.CreateRun(ctx, owner, th.ThreadID, RunRequest{AssistantID: agent.EchoGraphID, MultitaskStrategy: "yolo"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.reg.CreateRun(ctx, owner, th.ThreadID, RunRequest{AssistantID: agent.EchoGraphID, StreamMode: []string{"debug"}})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.reg.CreateRun(ctx, owner, th.ThreadID, RunRequest{AssistantID: agent.EchoGraphID, Input: json.RawMessage(`42`)})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSearchThreads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, env := range []string{"prod", "dev", "prod"} {
		_, err := f.reg.CreateThread(ctx, owner, CreateThreadRequest{
			ThreadID: string(rune('a' + i)),
			Metadata: map[string]any{"env": env},
		})
		require.NoError(t, err)
	}

	prod, err := f.reg.SearchThreads(ctx, owner, SearchRequest{
		Metadata: map[string]any{"env": "prod"},
		SortBy:   "thread_id",
	})
	require.NoError(t, err)
	require.Len(t, prod, 2)
	assert.Equal(t, "a", prod[0].ThreadID)
	assert.Equal(t, "c", prod[1].ThreadID)

	page, err := f.reg.SearchThreads(ctx, owner, SearchRequest{SortBy: "thread_id", SortOrder: "desc", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ThreadID)

	n, err := f.reg.CountThreads(ctx, owner, SearchRequest{Status: storage.ThreadIdle})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = f.reg.SearchThreads(ctx, owner, SearchRequest{SortBy: "color"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
