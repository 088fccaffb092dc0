// Package agent defines the agent collaborator that runs invoke.
//
// A Graph receives the thread's current values plus the run input and
// returns a Stream of Deltas. Deltas carrying an Update are merged into the
// thread and checkpointed by the run executor; deltas carrying a Message are
// forwarded to clients as token-level "messages" events.
//
// # Implementing a graph
//
//	g := agent.GraphFunc(func(ctx context.Context, inv agent.Invocation) (agent.Stream, error) {
//	    reply := agent.NewMessage(agent.MessageAI, "hello")
//	    return &agent.SliceStream{Deltas: []*agent.Delta{{
//	        Node:   "greeter",
//	        Update: map[string]any{"messages": []any{reply.ToMap()}},
//	    }}}, nil
//	})
//
//	reg := agent.NewRegistry()
//	reg.RegisterGraph("greeter", g)
//
// Graphs that produce output asynchronously use ChannelStream.
//
// # Built-in graphs
//
// EchoGraph ("echo") repeats the last human message and needs no external
// service. ChatGraph ("chat") streams completions from an OpenAI-compatible
// endpoint.
package agent
