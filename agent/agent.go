package agent

import "context"

// Graph is the agent collaborator a run invokes. Implementations stream
// incremental deltas; the run executor turns them into checkpoints and
// stream events.
type Graph interface {
	// Invoke starts the agent against the thread's current values.
	// The returned stream must honor ctx cancellation in Recv.
	Invoke(ctx context.Context, inv Invocation) (Stream, error)
}

// GraphFunc adapts a function to Graph.
type GraphFunc func(ctx context.Context, inv Invocation) (Stream, error)

// Invoke calls f.
func (f GraphFunc) Invoke(ctx context.Context, inv Invocation) (Stream, error) {
	return f(ctx, inv)
}

// Invocation carries everything a graph sees for one run.
type Invocation struct {
	RunID       string
	ThreadID    string
	AssistantID string

	// Values is the thread state after the run input was applied.
	Values map[string]any

	// Input is the raw run input (may be nil when resuming).
	Input map[string]any

	// Next lists nodes pending from the checkpoint being resumed.
	Next []string

	Config  RunConfig
	Context map[string]any
}

// Stream yields deltas until io.EOF.
type Stream interface {
	Recv() (*Delta, error)
	Close() error
}

// Delta is one increment produced by a graph.
type Delta struct {
	// Node names the node that produced the delta.
	Node string

	// Update is a partial state update. When non-nil it is merged into the
	// thread values and checkpointed.
	Update map[string]any

	// Next lists the nodes scheduled to run after this update.
	Next []string

	// Message is a token-level chunk of model output.
	Message *MessageChunk
}

// MessageChunk is a streamed fragment of an AI message.
type MessageChunk struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"-"`
}
