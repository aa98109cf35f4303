package config

import (
	"errors"
	"sort"
	"sync"
)

// ErrHierarchyNotFound is returned by Get for unknown hierarchy IDs.
var ErrHierarchyNotFound = errors.New("hierarchy not found")

// HierarchyRegistry is the in-memory store of named hierarchies the run
// executor resolves from. The persistent CRUD store behind it is an external
// collaborator; the executor only ever reads.
type HierarchyRegistry struct {
	mu          sync.RWMutex
	hierarchies map[string]HierarchyConfig
}

// NewHierarchyRegistry creates an empty registry.
func NewHierarchyRegistry() *HierarchyRegistry {
	return &HierarchyRegistry{hierarchies: make(map[string]HierarchyConfig)}
}

// Put stores or replaces a hierarchy. The value is copied; callers cannot
// mutate a registered hierarchy afterwards.
func (r *HierarchyRegistry) Put(h HierarchyConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hierarchies[h.ID] = h
}

// Get returns a copy of the hierarchy with the given ID.
func (r *HierarchyRegistry) Get(id string) (HierarchyConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hierarchies[id]
	if !ok {
		return HierarchyConfig{}, ErrHierarchyNotFound
	}
	return h, nil
}

// IDs returns the registered hierarchy IDs in sorted order.
func (r *HierarchyRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.hierarchies))
	for id := range r.hierarchies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered hierarchies.
func (r *HierarchyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hierarchies)
}
