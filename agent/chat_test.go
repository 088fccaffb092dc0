package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func sseServer(t *testing.T, pieces []string, seen *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, p := range pieces {
			chunk := map[string]any{
				"id":      "cmpl-1",
				"object":  "chat.completion.chunk",
				"model":   "test-model",
				"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": p}}},
			}
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestChatGraphStreams(t *testing.T) {
	var req openai.ChatCompletionRequest
	srv := sseServer(t, []string{"4", " is", " the answer"}, &req)
	defer srv.Close()

	g := NewChatGraph(ChatOptions{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "test-model"})
	inv := Invocation{
		Values: map[string]any{"messages": []any{
			map[string]any{"type": "human", "content": "2+2?"},
			map[string]any{"type": "tool", "content": "ignored"},
		}},
		Config: RunConfig{SystemPrompt: "be brief", Temperature: 0.1, MaxTokens: 10},
	}
	s, err := g.Invoke(context.Background(), inv)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	deltas := drain(t, s)
	if len(deltas) != 4 {
		t.Fatalf("expected 3 chunks and 1 update, got %d", len(deltas))
	}
	final := ParseMessages(deltas[3].Update["messages"])
	if len(final) != 1 || final[0].Text() != "4 is the answer" {
		t.Errorf("unexpected final message %v", deltas[3].Update)
	}

	if req.Model != "test-model" {
		t.Errorf("expected model test-model, got %s", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != openai.ChatMessageRoleSystem || req.Messages[1].Content != "2+2?" {
		t.Errorf("unexpected request messages %+v", req.Messages)
	}
}

func TestChatGraphModelOverride(t *testing.T) {
	var req openai.ChatCompletionRequest
	srv := sseServer(t, []string{"ok"}, &req)
	defer srv.Close()

	g := NewChatGraph(ChatOptions{APIKey: "test", BaseURL: srv.URL + "/v1"})
	s, err := g.Invoke(context.Background(), Invocation{Config: RunConfig{Model: "override"}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	drain(t, s)
	if req.Model != "override" {
		t.Errorf("expected override model, got %s", req.Model)
	}
}
