package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// ChatGraphID is the graph id of the OpenAI-backed chat agent.
const ChatGraphID = "chat"

// ChatStreamer is the subset of the OpenAI client used by ChatGraph.
type ChatStreamer interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// ChatGraph is a single-node graph that sends the thread's messages to an
// OpenAI-compatible chat completion endpoint and streams the answer.
type ChatGraph struct {
	client       ChatStreamer
	defaultModel string
}

// ChatOptions configures NewChatGraph.
type ChatOptions struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewChatGraph creates a chat graph with a go-openai client.
func NewChatGraph(opts ChatOptions) *ChatGraph {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return NewChatGraphWithClient(openai.NewClientWithConfig(cfg), opts.Model)
}

// NewChatGraphWithClient creates a chat graph with a custom client (useful for testing).
func NewChatGraphWithClient(client ChatStreamer, model string) *ChatGraph {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &ChatGraph{client: client, defaultModel: model}
}

// Invoke implements Graph.
func (g *ChatGraph) Invoke(ctx context.Context, inv Invocation) (Stream, error) {
	model := g.defaultModel
	if inv.Config.Model != "" {
		model = inv.Config.Model
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    chatMessages(inv),
		Temperature: float32(inv.Config.Temperature),
		MaxTokens:   inv.Config.MaxTokens,
		Stream:      true,
	}

	upstream, err := g.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create chat completion stream: %w", err)
	}

	out := NewChannelStream(ctx, 16)
	go func() {
		defer upstream.Close()
		id := uuid.New().String()
		var full strings.Builder
		for {
			resp, err := upstream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				out.Finish(fmt.Errorf("receive chat chunk: %w", err))
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			piece := resp.Choices[0].Delta.Content
			full.WriteString(piece)
			chunk := &MessageChunk{ID: id, Type: MessageAI, Content: piece, Metadata: map[string]any{
				"langgraph_node": "model",
				"ls_model_name":  model,
			}}
			if err := out.Send(&Delta{Node: "model", Message: chunk}); err != nil {
				out.Finish(err)
				return
			}
		}
		reply := &Message{ID: id, Type: MessageAI, Content: full.String()}
		if err := out.Send(&Delta{Node: "model", Update: map[string]any{"messages": []any{reply.ToMap()}}}); err != nil {
			out.Finish(err)
			return
		}
		out.Finish(nil)
	}()
	return out, nil
}

func chatMessages(inv Invocation) []openai.ChatCompletionMessage {
	var msgs []openai.ChatCompletionMessage
	if inv.Config.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: inv.Config.SystemPrompt})
	}
	for _, m := range ParseMessages(inv.Values["messages"]) {
		var role string
		switch m.Type {
		case MessageHuman:
			role = openai.ChatMessageRoleUser
		case MessageAI:
			role = openai.ChatMessageRoleAssistant
		case MessageSystem:
			role = openai.ChatMessageRoleSystem
		default:
			// tool results need the originating call, which plain chat does not carry
			continue
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Text()})
	}
	return msgs
}
