package registry

import (
	"sort"
	"sync"

	"github.com/cuemby/colony/pkg/types"
)

// Registry is a concurrent map of descriptor id to ServiceDescriptor
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]types.ServiceDescriptor
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		descriptors: make(map[string]types.ServiceDescriptor),
	}
}

// Put stores desc under its identity, replacing any previous value
func (r *Registry) Put(desc types.ServiceDescriptor) {
	desc.Spec = desc.Spec.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[desc.ID()] = desc
}

// Get returns a copy of the descriptor with the given id
func (r *Registry) Get(id string) (types.ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.descriptors[id]
	if !ok {
		return types.ServiceDescriptor{}, false
	}
	desc.Spec = desc.Spec.Clone()
	return desc, true
}

// Update applies fn to the stored descriptor. It returns the updated copy,
// or false when id is unknown.
func (r *Registry) Update(id string, fn func(*types.ServiceDescriptor)) (types.ServiceDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.descriptors[id]
	if !ok {
		return types.ServiceDescriptor{}, false
	}
	fn(&desc)
	r.descriptors[id] = desc

	desc.Spec = desc.Spec.Clone()
	return desc, true
}

// Remove deletes the descriptor with the given id
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.descriptors[id]; !ok {
		return false
	}
	delete(r.descriptors, id)
	return true
}

// Len returns the number of descriptors
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}

// Snapshot returns a copy of the whole map
func (r *Registry) Snapshot() map[string]types.ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]types.ServiceDescriptor, len(r.descriptors))
	for id, desc := range r.descriptors {
		desc.Spec = desc.Spec.Clone()
		out[id] = desc
	}
	return out
}

// List returns every descriptor ordered by host, service name and rank
func (r *Registry) List() []types.ServiceDescriptor {
	r.mu.RLock()
	out := make([]types.ServiceDescriptor, 0, len(r.descriptors))
	for _, desc := range r.descriptors {
		desc.Spec = desc.Spec.Clone()
		out = append(out, desc)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		if out[i].Spec.Name != out[j].Spec.Name {
			return out[i].Spec.Name < out[j].Spec.Name
		}
		return out[i].Rank < out[j].Rank
	})
	return out
}

// ListByHost returns the descriptors placed on host, in List order
func (r *Registry) ListByHost(host string) []types.ServiceDescriptor {
	var out []types.ServiceDescriptor
	for _, desc := range r.List() {
		if desc.Host == host {
			out = append(out, desc)
		}
	}
	return out
}

// CountByState tallies descriptors per state
func (r *Registry) CountByState() map[types.State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[types.State]int)
	for _, desc := range r.descriptors {
		counts[desc.State]++
	}
	return counts
}
