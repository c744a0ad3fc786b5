package adapter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/njoerd114/siterelay/internal/model"
)

// ErrNoFactory is returned by [Registry.FactoryFor] when no factory has been
// registered for a site type.
var ErrNoFactory = errors.New("no adapter factory registered")

// Registry maps site types to adapter factories. It is populated at startup
// and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[model.SiteType]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[model.SiteType]Factory)}
}

// Register makes a factory available for the given type. Registering an
// unset type or the same type twice is a programming error and panics.
func (r *Registry) Register(t model.SiteType, f Factory) {
	if !t.IsSet() {
		panic("adapter: cannot register a factory for an unset site type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[t]; exists {
		panic(fmt.Sprintf("adapter: duplicate registration for %q", t))
	}
	r.factories[t] = f
}

// FactoryFor returns the factory registered for t.
func (r *Registry) FactoryFor(t model.SiteType) (Factory, error) {
	r.mu.RLock()
	f, ok := r.factories[t]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("site type %s: %w", t, ErrNoFactory)
	}
	return f, nil
}

// Types returns the registered types in detection order.
func (r *Registry) Types() []model.SiteType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.SiteType
	for _, t := range model.SiteTypes() {
		if _, ok := r.factories[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
