package job

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registration binds a job name to its handler.
type Registration struct {
	Name     string
	Handler  Handler
	Attempts int
}

// Registry maps job names to handlers. It is written at boot and sealed
// before the dispatcher starts; lookups after that are read-only.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Registration
	sealed   bool
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Registration)}
}

// Register binds name to h. Registering a name twice is a configuration
// error and fails with ErrDuplicateHandler.
func (r *Registry) Register(name string, h Handler, opts ...RegisterOption) error {
	name = strings.TrimSpace(name)
	if name == "" || h == nil {
		return fmt.Errorf("register %q: %w", name, ErrInvalidJobType)
	}

	reg := Registration{Name: name, Handler: h, Attempts: 1}
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %q: %w", name, ErrRegistrySealed)
	}
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateHandler)
	}
	r.handlers[name] = reg
	return nil
}

// MustRegister is Register for boot code where a failure is fatal.
func (r *Registry) MustRegister(name string, h Handler, opts ...RegisterOption) {
	if err := r.Register(name, h, opts...); err != nil {
		panic(err)
	}
}

// Resolve returns the registration for name or ErrUnknownJobType.
func (r *Registry) Resolve(name string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[name]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %q", ErrUnknownJobType, name)
	}
	return reg, nil
}

func (r *Registry) Has(name string) bool {
	_, err := r.Resolve(name)
	return err == nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}
