package effect

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/satindergrewal/loophost/internal/audio"
)

// Request carries what a factory needs to build a unit.
type Request struct {
	Descriptor Descriptor
	// Format is the host's processing format, offered as a hint. Units
	// report what they actually want through PreferredFormat.
	Format audio.Format
}

// Factory builds one unit. It may block, for example while an out of
// process implementation starts, and should honour ctx.
type Factory func(ctx context.Context, req Request) (Unit, error)

// Registration is one registry entry.
type Registration struct {
	Descriptor Descriptor
	Name       string
	factory    Factory
}

// Registry maps descriptor identities to factories. Entries are added at
// startup and live for the process lifetime.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[key]Registration)}
}

// Register associates desc with a factory.
func (r *Registry) Register(desc Descriptor, name string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("register %s: nil factory", desc)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.key()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, desc)
	}
	r.entries[desc.key()] = Registration{Descriptor: desc, Name: name, factory: factory}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(desc Descriptor, name string, factory Factory) {
	if err := r.Register(desc, name, factory); err != nil {
		panic("effect registry: " + err.Error())
	}
}

// Lookup returns the registration for desc.
func (r *Registry) Lookup(desc Descriptor) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[desc.key()]
	return reg, ok
}

// Registered reports whether desc has a factory.
func (r *Registry) Registered(desc Descriptor) bool {
	_, ok := r.Lookup(desc)
	return ok
}

// List returns all registrations ordered by descriptor text.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.String() < out[j].Descriptor.String()
	})
	return out
}
