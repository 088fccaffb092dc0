package agent

import (
	"github.com/google/uuid"
)

// Message types as stored in thread values.
const (
	MessageHuman  = "human"
	MessageAI     = "ai"
	MessageSystem = "system"
	MessageTool   = "tool"
)

// Message is a conversation message as kept under the "messages" key of a
// thread's values.
type Message struct {
	// ID is a unique identifier, generated when missing.
	ID string

	// Type is one of human, ai, system or tool.
	Type string

	// Content is a string or a list of content blocks.
	Content any

	// Name optionally identifies the author.
	Name string

	// ToolCallID links a tool message to the call it answers.
	ToolCallID string
}

// NewMessage creates a message with a fresh ID.
func NewMessage(msgType string, content any) *Message {
	return &Message{
		ID:      uuid.New().String(),
		Type:    msgType,
		Content: content,
	}
}

// Text returns the content when it is a plain string.
func (m *Message) Text() string {
	if s, ok := m.Content.(string); ok {
		return s
	}
	return ""
}

// ToMap renders the message in its stored form.
func (m *Message) ToMap() map[string]any {
	out := map[string]any{
		"id":      m.ID,
		"type":    m.Type,
		"content": m.Content,
	}
	if m.Name != "" {
		out["name"] = m.Name
	}
	if m.ToolCallID != "" {
		out["tool_call_id"] = m.ToolCallID
	}
	return out
}

// roleTypes maps chat roles onto message types.
var roleTypes = map[string]string{
	"user":      MessageHuman,
	"human":     MessageHuman,
	"assistant": MessageAI,
	"ai":        MessageAI,
	"system":    MessageSystem,
	"developer": MessageSystem,
	"tool":      MessageTool,
}

// ParseMessage converts a loosely shaped value into a Message. It accepts a
// bare string (treated as human), or a map carrying "type" or "role".
// ok is false when v cannot be read as a message.
func ParseMessage(v any) (msg *Message, ok bool) {
	switch m := v.(type) {
	case *Message:
		return m, m != nil
	case string:
		return NewMessage(MessageHuman, m), true
	case map[string]any:
		msg = &Message{Content: m["content"]}
		kind, _ := m["type"].(string)
		if kind == "" {
			kind, _ = m["role"].(string)
		}
		t, known := roleTypes[kind]
		if !known {
			return nil, false
		}
		msg.Type = t
		msg.ID, _ = m["id"].(string)
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		msg.Name, _ = m["name"].(string)
		msg.ToolCallID, _ = m["tool_call_id"].(string)
		if msg.Content == nil {
			msg.Content = ""
		}
		return msg, true
	}
	return nil, false
}

// ParseMessages reads a single message or a list of messages. Entries that are
// not messages are skipped.
func ParseMessages(v any) []*Message {
	list, isList := v.([]any)
	if !isList {
		if msg, ok := ParseMessage(v); ok {
			return []*Message{msg}
		}
		return nil
	}
	out := make([]*Message, 0, len(list))
	for _, item := range list {
		if msg, ok := ParseMessage(item); ok {
			out = append(out, msg)
		}
	}
	return out
}

// LastMessage returns the most recent message of the given type in values, or nil.
func LastMessage(values map[string]any, msgType string) *Message {
	msgs := ParseMessages(values["messages"])
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == msgType {
			return msgs[i]
		}
	}
	return nil
}
