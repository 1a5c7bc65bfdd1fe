// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resource

import (
	"log/slog"
	"slices"
)

// Manager acquires and releases sets of resources on behalf of node executions.
//
// Description:
//
//	AcquireAll sorts the requested ids and try-locks them in that order. The
//	first failure releases everything the call took and reports false, so a
//	caller never blocks while holding a resource. Combined with the global
//	ordering this prevents deadlock between overlapping resource sets.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Manager struct {
	registry *Registry
	logger   *slog.Logger
}

// NewManager creates a manager over registry. A nil registry gets a fresh
// one; a nil logger uses slog.Default().
func NewManager(registry *Registry, logger *slog.Logger) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{registry: registry, logger: logger}
}

// Registry returns the underlying registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// AcquireAll locks every resource in ids for holder, or none of them.
//
// Inputs:
//
//	holder - Unique token for this node execution. Must be non-empty.
//	ids - Resource ids. Order and duplicates are irrelevant.
//
// Outputs:
//
//	bool - True if every resource is now held by holder.
func (m *Manager) AcquireAll(holder string, ids []string) bool {
	if holder == "" {
		return false
	}
	ordered := normalize(ids)
	acquired := make([]*Resource, 0, len(ordered))

	for _, id := range ordered {
		r := m.registry.Get(id)
		if err := r.TryLock(holder); err != nil {
			m.logger.Debug("resource contention",
				"resource", id,
				"holder", holder,
				"error", err)
			for i := len(acquired) - 1; i >= 0; i-- {
				_ = acquired[i].Unlock(holder)
			}
			return false
		}
		acquired = append(acquired, r)
	}
	return true
}

// ReleaseAll releases every resource in ids that holder owns.
//
// Resources not held by holder are skipped, so calling it twice is harmless.
// Returns the number of resources released.
func (m *Manager) ReleaseAll(holder string, ids []string) int {
	released := 0
	for _, id := range normalize(ids) {
		r, ok := m.registry.Lookup(id)
		if !ok {
			continue
		}
		if err := r.Unlock(holder); err == nil {
			released++
		}
	}
	return released
}

// normalize returns ids sorted ascending with duplicates removed.
func normalize(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
