package agent

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// EchoGraphID is the graph id of the built-in echo agent.
const EchoGraphID = "echo"

// EchoGraph answers the latest human message with its own text. It streams
// the reply word by word as message chunks and then emits the complete AI
// message as an update of node "agent". It needs no external service and is
// the default graph.
type EchoGraph struct{}

// Invoke implements Graph.
func (EchoGraph) Invoke(ctx context.Context, inv Invocation) (Stream, error) {
	var text string
	if last := LastMessage(inv.Values, MessageHuman); last != nil {
		text = last.Text()
	}
	if inv.Config.SystemPrompt != "" {
		text = inv.Config.SystemPrompt + " " + text
	}

	id := uuid.New().String()
	var deltas []*Delta
	words := strings.Fields(text)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		deltas = append(deltas, &Delta{
			Node:    "agent",
			Message: &MessageChunk{ID: id, Type: MessageAI, Content: w, Metadata: map[string]any{"langgraph_node": "agent"}},
		})
	}
	reply := &Message{ID: id, Type: MessageAI, Content: text}
	deltas = append(deltas, &Delta{
		Node:   "agent",
		Update: map[string]any{"messages": []any{reply.ToMap()}},
	})
	return &SliceStream{Deltas: deltas}, nil
}
