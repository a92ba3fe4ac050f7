package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// Registry stores workflow definitions by name.
type Registry interface {
	// Register adds def, replacing any definition with the same name.
	Register(def *WorkflowDefinition) error
	// Get returns ErrWorkflowNotFound for unknown names.
	Get(name string) (*WorkflowDefinition, error)
	// Unregister removes name and reports whether it was present.
	Unregister(name string) bool
	Exists(name string) bool
	// List returns every definition sorted by name.
	List() []*WorkflowDefinition
}

// MemoryRegistry is a concurrency-safe in-process Registry.
type MemoryRegistry struct {
	mu   sync.RWMutex
	defs map[string]*WorkflowDefinition
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{defs: make(map[string]*WorkflowDefinition)}
}

// Register stores def under its name, replacing any previous definition.
func (r *MemoryRegistry) Register(def *WorkflowDefinition) error {
	if def == nil || def.name == "" {
		return fmt.Errorf("%w: definition must have a name", ErrInvalidWorkflow)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.name] = def
	return nil
}

// Get returns the definition registered under name.
func (r *MemoryRegistry) Get(name string) (*WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return def, nil
}

// Unregister removes name and reports whether it was present.
func (r *MemoryRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.defs[name]
	delete(r.defs, name)
	return ok
}

// Exists reports whether name is registered.
func (r *MemoryRegistry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// List returns a fresh slice; definitions themselves are immutable.
func (r *MemoryRegistry) List() []*WorkflowDefinition {
	r.mu.RLock()
	out := make([]*WorkflowDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
