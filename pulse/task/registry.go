package task

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages modules by name.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	modules map[string]*Module
	mu      sync.RWMutex
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Register adds a module.
// Panics on duplicate names or invalid modules; registration happens at startup.
func (r *Registry) Register(m *Module) {
	if err := m.Validate(); err != nil {
		panic(err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[m.Name]; exists {
		panic(fmt.Sprintf("module already registered: %s", m.Name))
	}
	r.modules[m.Name] = m
}

// Get retrieves a module by name, or nil.
func (r *Registry) Get(name string) *Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modules[name]
}

// Names returns registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
