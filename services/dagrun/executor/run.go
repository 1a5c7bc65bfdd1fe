// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"time"
)

// Response is the result of a DAG run.
type Response struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Name is the graph name, if any.
	Name string `json:"name,omitempty"`

	// Nodes is the number of nodes in the graph.
	Nodes int `json:"nodes"`

	// HasFailed is true if any node failed permanently or the run was aborted.
	HasFailed bool `json:"has_failed"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// Duration is the wall-clock time until every dispatched node was terminal.
	Duration time.Duration `json:"duration"`

	// Err is the run-level cause (cancellation or invariant violation).
	// Node failures are reported only through HasFailed.
	Err error `json:"-"`
}

// Run is a handle on a submitted DAG run.
//
// Thread Safety: Safe for concurrent use.
type Run struct {
	id   string
	done chan struct{}
	resp Response
}

func newRun(id string) *Run {
	return &Run{id: id, done: make(chan struct{})}
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.id
}

// Done is closed when the run resolves.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run resolves or ctx ends.
//
// Outputs:
//
//	Response - The run result; valid only when error is nil.
//	error - ctx.Err() if ctx ended first.
func (r *Run) Wait(ctx context.Context) (Response, error) {
	select {
	case <-r.done:
		return r.resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Result returns the response if the run has resolved.
func (r *Run) Result() (Response, bool) {
	select {
	case <-r.done:
		return r.resp, true
	default:
		return Response{}, false
	}
}

// resolve publishes resp. Called exactly once.
func (r *Run) resolve(resp Response) {
	r.resp = resp
	close(r.done)
}
