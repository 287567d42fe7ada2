package executor

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNilDriver is returned when a binding carries no driver
	ErrNilDriver = errors.New("tool binding has no driver")

	// ErrEmptyToolName is returned when a driver reports an empty name
	ErrEmptyToolName = errors.New("tool binding has an empty name")

	// ErrDuplicateTool is returned when two bindings share a tool name
	ErrDuplicateTool = errors.New("tool already bound")

	// ErrNoActions is returned when a binding permits no actions
	ErrNoActions = errors.New("tool binding permits no actions")
)

// Registry is an immutable set of tool bindings. It is built once and never
// mutated; replacing the tool set means building a new Registry and handing
// it to Executor.Reload, which swaps an atomic pointer. Lookups therefore
// take no locks.
type Registry struct {
	bindings map[string]*ToolBinding
}

// NewRegistry validates the bindings and builds a registry from them
func NewRegistry(bindings ...*ToolBinding) (*Registry, error) {
	byName := make(map[string]*ToolBinding, len(bindings))
	for _, b := range bindings {
		if b == nil || b.Driver == nil {
			return nil, ErrNilDriver
		}
		name := b.Driver.Name()
		if name == "" {
			return nil, ErrEmptyToolName
		}
		if _, exists := byName[name]; exists {
			return nil, fmt.Errorf("tool %q: %w", name, ErrDuplicateTool)
		}
		if len(b.Actions) == 0 {
			return nil, fmt.Errorf("tool %q: %w", name, ErrNoActions)
		}
		byName[name] = b
	}
	return &Registry{bindings: byName}, nil
}

// Binding returns the binding for a tool name
func (r *Registry) Binding(name string) (*ToolBinding, bool) {
	b, ok := r.bindings[name]
	return b, ok
}

// Tools returns all bound tool names in sorted order
func (r *Registry) Tools() []string {
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of bound tools
func (r *Registry) Count() int {
	return len(r.bindings)
}
