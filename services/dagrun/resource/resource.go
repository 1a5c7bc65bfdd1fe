// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resource arbitrates exclusive access to named shared resources.
//
// Resources are created on first reference and live as long as their
// Registry. A Manager acquires every resource a node declares in ascending id
// order, all or nothing, which rules out circular waits between nodes.
package resource

import (
	"sort"
	"sync"
)

// Resource is a named resource with an exclusive, holder-tracked lock.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Resource struct {
	id     string
	mu     sync.Mutex
	holder string
}

// ID returns the resource id.
func (r *Resource) ID() string {
	return r.id
}

// TryLock attempts to take the lock for holder without blocking.
//
// Re-acquiring by the current holder succeeds.
func (r *Resource) TryLock(holder string) error {
	if holder == "" {
		return &LockError{ID: r.id, Err: ErrEmptyHolder}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.holder {
	case "", holder:
		r.holder = holder
		return nil
	default:
		return &LockError{ID: r.id, Holder: holder, Owner: r.holder, Err: ErrResourceLocked}
	}
}

// Unlock releases the lock if holder owns it.
func (r *Resource) Unlock(holder string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder == "" || r.holder != holder {
		return &LockError{ID: r.id, Holder: holder, Owner: r.holder, Err: ErrNotHeld}
	}
	r.holder = ""
	return nil
}

// Holder returns the current holder token, or "" when free.
func (r *Resource) Holder() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holder
}

// Registry is the process-wide table of resources, keyed by id.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]*Resource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*Resource)}
}

// Get returns the resource with id, creating it on first use.
func (g *Registry) Get(id string) *Resource {
	g.mu.RLock()
	r, ok := g.resources[id]
	g.mu.RUnlock()
	if ok {
		return r
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.resources[id]; ok {
		return r
	}
	r = &Resource{id: id}
	g.resources[id] = r
	return r
}

// Lookup returns the resource with id if it has been referenced.
func (g *Registry) Lookup(id string) (*Resource, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.resources[id]
	return r, ok
}

// IDs returns the ids of all known resources, ascending.
func (g *Registry) IDs() []string {
	g.mu.RLock()
	ids := make([]string, 0, len(g.resources))
	for id := range g.resources {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
