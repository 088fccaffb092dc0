package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrAssistantNotFound is returned when neither an assistant nor a graph matches.
var ErrAssistantNotFound = errors.New("assistant not found")

// Assistant binds a graph to a default configuration.
type Assistant struct {
	AssistantID string         `json:"assistant_id" yaml:"assistant_id"`
	GraphID     string         `json:"graph_id" yaml:"graph_id"`
	Name        string         `json:"name" yaml:"name"`
	Config      map[string]any `json:"config" yaml:"config"`
}

// Registry resolves assistant ids to graphs. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	graphs     map[string]Graph
	assistants map[string]*Assistant
}

// NewRegistry creates a registry holding the built-in echo graph.
func NewRegistry() *Registry {
	r := &Registry{
		graphs:     make(map[string]Graph),
		assistants: make(map[string]*Assistant),
	}
	r.RegisterGraph(EchoGraphID, EchoGraph{})
	return r
}

// RegisterGraph makes a graph available under id.
func (r *Registry) RegisterGraph(id string, g Graph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[id] = g
}

// AddAssistant registers an assistant. Its graph must already be registered.
func (r *Registry) AddAssistant(a Assistant) error {
	if a.AssistantID == "" {
		return errors.New("assistant_id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.graphs[a.GraphID]; !ok {
		return fmt.Errorf("assistant %s: unknown graph %q", a.AssistantID, a.GraphID)
	}
	r.assistants[a.AssistantID] = &a
	return nil
}

// Resolve looks up id as an assistant id first and as a graph id second.
// A graph id resolves to a synthetic assistant whose id is the graph id.
func (r *Registry) Resolve(id string) (*Assistant, Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.assistants[id]; ok {
		return a, r.graphs[a.GraphID], nil
	}
	for _, a := range r.assistants {
		if a.GraphID == id {
			return a, r.graphs[a.GraphID], nil
		}
	}
	if g, ok := r.graphs[id]; ok {
		return &Assistant{AssistantID: id, GraphID: id, Name: id}, g, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrAssistantNotFound, id)
}

// Assistants lists registered assistants ordered by id.
func (r *Registry) Assistants() []Assistant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Assistant, 0, len(r.assistants))
	for _, a := range r.assistants {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssistantID < out[j].AssistantID })
	return out
}
