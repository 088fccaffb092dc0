package agent_test

import (
	"context"
	"fmt"
	"io"

	"github.com/aixgo-dev/agentserver/agent"
)

func ExampleGraphFunc() {
	greeter := agent.GraphFunc(func(ctx context.Context, inv agent.Invocation) (agent.Stream, error) {
		name := "stranger"
		if last := agent.LastMessage(inv.Values, agent.MessageHuman); last != nil {
			name = last.Text()
		}
		reply := agent.NewMessage(agent.MessageAI, "hello "+name)
		return &agent.SliceStream{Deltas: []*agent.Delta{{
			Node:   "greeter",
			Update: map[string]any{"messages": []any{reply.ToMap()}},
		}}}, nil
	})

	reg := agent.NewRegistry()
	reg.RegisterGraph("greeter", greeter)

	_, g, _ := reg.Resolve("greeter")
	s, _ := g.Invoke(context.Background(), agent.Invocation{
		Values: map[string]any{"messages": []any{"gopher"}},
	})
	defer s.Close()
	for {
		d, err := s.Recv()
		if err == io.EOF {
			break
		}
		fmt.Println(d.Node, agent.ParseMessages(d.Update["messages"])[0].Text())
	}
	// Output: greeter hello gopher
}
