// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events carries run lifecycle notifications from the executor to
// interested consumers such as the websocket stream.
package events

import "time"

// Type identifies an event.
type Type string

const (
	// RunStarted is emitted once when a run begins.
	RunStarted Type = "run_started"

	// NodeDispatched is emitted when a node is handed to the engine.
	NodeDispatched Type = "node_dispatched"

	// NodeSucceeded is emitted when a node completes successfully.
	NodeSucceeded Type = "node_succeeded"

	// NodeFailed is emitted when a node fails permanently.
	NodeFailed Type = "node_failed"

	// RunCompleted is emitted once, last, when a run resolves.
	RunCompleted Type = "run_completed"
)

// Event is one run lifecycle notification.
type Event struct {
	RunID     string    `json:"run_id"`
	Type      Type      `json:"type"`
	NodeID    int       `json:"node_id"`
	Attempts  int       `json:"attempts,omitempty"`
	HasFailed bool      `json:"has_failed,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Terminal reports whether no further events follow for the run.
func (e Event) Terminal() bool {
	return e.Type == RunCompleted
}

// Observer receives events. Observe must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev Event) {
	f(ev)
}

// Nop discards every event.
var Nop Observer = ObserverFunc(func(Event) {})
