package transport

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps transport type names to factories. The CLI registers the
// available variants at startup and the engine picks one by config.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory to the registry.
func (r *Registry) Register(factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if factory == nil {
		return fmt.Errorf("factory is nil")
	}

	r.factories[factory.Type()] = factory
	return nil
}

// Get retrieves a factory by type.
func (r *Registry) Get(transportType string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[transportType]
	if !ok {
		return nil, fmt.Errorf("transport factory not found: %s", transportType)
	}
	return f, nil
}

// List returns all registered transport types.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create creates a transport using the factory matching config.Type.
func (r *Registry) Create(config Config) (Transport, error) {
	f, err := r.Get(config.Type)
	if err != nil {
		return nil, err
	}

	if err := f.Validate(config); err != nil {
		return nil, err
	}

	return f.Create(config)
}
