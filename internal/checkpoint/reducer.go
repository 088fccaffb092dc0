package checkpoint

import (
	"github.com/aixgo-dev/agentserver/agent"
)

// MessagesKey is the state key reduced by message id instead of overwritten.
const MessagesKey = "messages"

// Merge folds update into values and returns the new state; values is not
// modified. The messages key appends messages, replacing any with the same
// id. Every other key is overwritten.
func Merge(values, update map[string]any) map[string]any {
	out := make(map[string]any, len(values)+len(update))
	for k, v := range values {
		out[k] = v
	}
	for k, v := range update {
		if k == MessagesKey {
			out[k] = mergeMessages(values[k], v)
			continue
		}
		out[k] = v
	}
	return out
}

func mergeMessages(existing, incoming any) []any {
	current := agent.ParseMessages(existing)
	index := make(map[string]int, len(current))
	out := make([]any, 0, len(current))
	for _, m := range current {
		index[m.ID] = len(out)
		out = append(out, m.ToMap())
	}
	for _, m := range agent.ParseMessages(incoming) {
		if i, ok := index[m.ID]; ok {
			out[i] = m.ToMap()
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m.ToMap())
	}
	return out
}
