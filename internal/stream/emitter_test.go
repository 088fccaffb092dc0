package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aixgo-dev/agentserver/internal/executor"
	"github.com/aixgo-dev/agentserver/pkg/observability"
	"github.com/aixgo-dev/agentserver/pkg/storage"
)

type sseEvent struct {
	Event string
	Data  string
}

func parse(t *testing.T, body string) []sseEvent {
	t.Helper()
	require.True(t, strings.HasSuffix(body, "\n\n"), "stream must end with a blank line")
	var out []sseEvent
	for _, block := range strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n") {
		lines := strings.Split(block, "\n")
		require.Len(t, lines, 2, "block %q", block)
		require.True(t, strings.HasPrefix(lines[0], "event: "))
		require.True(t, strings.HasPrefix(lines[1], "data: "))
		out = append(out, sseEvent{
			Event: strings.TrimPrefix(lines[0], "event: "),
			Data:  strings.TrimPrefix(lines[1], "data: "),
		})
	}
	return out
}

func names(events []sseEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Event
	}
	return out
}

func newEmitter(t *testing.T) *Emitter {
	return NewEmitter(observability.NewMetrics(), zaptest.NewLogger(t))
}

func testRun(modes ...string) *storage.Run {
	return &storage.Run{RunID: "run-1", ThreadID: "thread-1", Kwargs: storage.RunKwargs{StreamMode: modes}}
}

func TestWriterFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteEvent("values", map[string]any{"a": "line\nbreak"}))
	require.NoError(t, w.WriteEvent("end", nil))
	assert.Equal(t, "event: values\ndata: {\"a\":\"line\\nbreak\"}\n\nevent: end\ndata: \n\n", buf.String())
}

func TestSetHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetHeaders(rec.Header(), "t1", "r1")
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Equal(t, "/threads/t1/runs/r1/stream", rec.Header().Get("Location"))
	assert.Equal(t, "/threads/t1/runs/r1", rec.Header().Get("Content-Location"))

	SetHeaders(rec.Header(), "", "r1")
	assert.Equal(t, "/runs/r1/stream", rec.Header().Get("Location"))
	assert.Equal(t, "/runs/r1", rec.Header().Get("Content-Location"))
}

func TestLiveFiltersModesAndEndsWithEnd(t *testing.T) {
	ctx := context.Background()
	b := executor.NewBroker(0, 0)
	b.Publish(ctx, executor.Event{Type: executor.EventMetadata, Data: map[string]any{"run_id": "run-1", "attempt": 1}})
	b.Publish(ctx, executor.Event{Type: executor.EventValues, Data: map[string]any{"n": 1}})
	b.Publish(ctx, executor.Event{Type: executor.EventMessages, Data: []any{"tok", map[string]any{}}})
	b.Publish(ctx, executor.Event{Type: executor.EventUpdates, Data: map[string]any{"agent": map[string]any{}}})
	b.Publish(ctx, executor.Event{Type: executor.EventError, Data: map[string]any{"error": "boom"}})
	b.Close()

	var buf bytes.Buffer
	require.NoError(t, newEmitter(t).Live(ctx, NewWriter(&buf), testRun(), b))

	events := parse(t, buf.String())
	assert.Equal(t, []string{"metadata", "values", "error", "end"}, names(events))
	assert.JSONEq(t, `{"run_id":"run-1","attempt":1}`, events[0].Data)
	assert.Equal(t, "", events[3].Data)
}

func TestLiveSynthesizesMetadataForRunThatNeverStarted(t *testing.T) {
	b := executor.NewBroker(0, 0)
	b.Close()

	var buf bytes.Buffer
	require.NoError(t, newEmitter(t).Live(context.Background(), NewWriter(&buf), testRun(), b))
	assert.Equal(t, []string{"metadata", "end"}, names(parse(t, buf.String())))
}

func TestLiveForwardsEventsAsProduced(t *testing.T) {
	ctx := context.Background()
	b := executor.NewBroker(0, 1)

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- newEmitter(t).Live(ctx, NewWriter(&buf), testRun("values", "updates"), b)
	}()

	b.Publish(ctx, executor.Event{Type: executor.EventMetadata, Data: map[string]any{"run_id": "run-1", "attempt": 1}})
	for i := range 5 {
		b.Publish(ctx, executor.Event{Type: executor.EventUpdates, Data: map[string]any{"n": i}})
	}
	b.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
	events := parse(t, buf.String())
	require.Len(t, events, 7)
	for i := range 5 {
		var data map[string]int
		require.NoError(t, json.Unmarshal([]byte(events[i+1].Data), &data))
		assert.Equal(t, i, data["n"])
	}
}

func TestLiveDisconnectLeavesRunAlone(t *testing.T) {
	b := executor.NewBroker(0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	err := newEmitter(t).Live(ctx, NewWriter(&buf), testRun(), b)
	assert.ErrorIs(t, err, context.Canceled)
	select {
	case <-b.Done():
		t.Fatal("disconnect closed the run's broker")
	default:
	}
}

func TestJoinFinishedRun(t *testing.T) {
	run := testRun()
	run.Status = storage.RunSuccess

	var buf bytes.Buffer
	err := newEmitter(t).Join(context.Background(), NewWriter(&buf), JoinSource{
		Run:    run,
		Values: map[string]any{"messages": []any{}},
	})
	require.NoError(t, err)

	events := parse(t, buf.String())
	assert.Equal(t, []string{"metadata", "values", "updates", "end"}, names(events))
	assert.JSONEq(t, `{"__end__":{"run_id":"run-1","status":"success"}}`, events[2].Data)
}

func TestJoinActiveRunCountsAttempts(t *testing.T) {
	ctx := context.Background()
	b := executor.NewBroker(0, 0)
	b.Publish(ctx, executor.Event{Type: executor.EventMetadata, Data: map[string]any{"run_id": "run-1", "attempt": b.Attempt()}})
	b.Publish(ctx, executor.Event{Type: executor.EventValues, Data: map[string]any{"n": 1}})
	b.Close()

	var buf bytes.Buffer
	err := newEmitter(t).Join(ctx, NewWriter(&buf), JoinSource{Run: testRun(), Broker: b, Values: map[string]any{"n": 1}})
	require.NoError(t, err)

	events := parse(t, buf.String())
	assert.Equal(t, []string{"metadata", "values", "values", "end"}, names(events))
	assert.JSONEq(t, `{"run_id":"run-1","attempt":2}`, events[0].Data)
}
