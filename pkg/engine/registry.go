package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a workflow.
type Factory func() (Workflow, error)

// Registry maps workflow names to workflows. Workflows are registered
// explicitly at start-up; nothing is discovered at runtime.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// workflows maps name to built workflow.
	workflows map[string]Workflow
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]Workflow)}
}

// builtins lists every workflow shipped with poncho.
var builtins = map[string]Factory{
	DeleteInstancesName:  NewDeleteInstances,
	RestartInstancesName: NewRestartInstances,
}

// BuiltinNames returns the names of the shipped workflows, sorted.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry registers the named builtin workflows. An empty list
// enables every builtin.
func DefaultRegistry(enabled []string) (*Registry, error) {
	if len(enabled) == 0 {
		enabled = BuiltinNames()
	}
	r := NewRegistry()
	for _, name := range enabled {
		factory, ok := builtins[name]
		if !ok {
			return nil, NewUnknownWorkflowError(name)
		}
		if err := r.Register(name, factory); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register builds and stores a workflow under name.
func (r *Registry) Register(name string, factory Factory) error {
	wf, err := factory()
	if err != nil {
		return fmt.Errorf("failed to build workflow %s: %w", name, err)
	}
	if wf.Name() != name {
		return fmt.Errorf("workflow registered as %s reports name %s", name, wf.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[name]; exists {
		return NewPermanentError(fmt.Sprintf("workflow %s already registered", name), nil).
			WithCode(ErrCodeAlreadyRegistered)
	}
	r.workflows[name] = wf
	return nil
}

// MustRegister is Register for package initialisation and tests.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Resolve returns the workflow registered under name.
func (r *Registry) Resolve(name string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[name]
	if !ok {
		return nil, NewUnknownWorkflowError(name)
	}
	return wf, nil
}

// List returns the registered workflows sorted by name.
func (r *Registry) List() []Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// IsTerminal reports whether state is terminal for wf.
func IsTerminal(wf Workflow, state string) bool {
	for _, s := range wf.TerminalStates() {
		if s == state {
			return true
		}
	}
	return false
}
