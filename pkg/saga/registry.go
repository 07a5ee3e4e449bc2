package saga

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the static routing table from event type to the definitions
// that react to it. Built once at startup; never mutated afterwards except
// by explicit Register calls.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	byEvent map[string][]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:    make(map[string]*Definition),
		byEvent: make(map[string][]*Definition),
	}
}

// Register adds a definition and indexes its listened events.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("register: nil definition")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.defs[def.Name()]; dup {
		return fmt.Errorf("register %q: %w", def.Name(), ErrDuplicateDefinition)
	}
	r.defs[def.Name()] = def
	for _, eventType := range def.EventTypes() {
		r.byEvent[eventType] = append(r.byEvent[eventType], def)
	}
	return nil
}

// MustRegister is Register, panicking on error. Intended for startup wiring.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definitions listening to an event type; zero matches is
// not an error.
func (r *Registry) Lookup(eventType string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byEvent[eventType]
}

// Definition returns a registered definition by saga type.
func (r *Registry) Definition(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// EventTypes returns every listened event type, sorted. The event dispatcher
// binding subscribes the manager to exactly this set.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.byEvent))
	for t := range r.byEvent {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
