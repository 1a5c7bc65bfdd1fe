// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates an engine configuration that cannot run.
	ErrInvalidConfig = errors.New("invalid engine config")

	// ErrExecutionFailure marks a node that failed permanently.
	ErrExecutionFailure = errors.New("node execution failed")

	// ErrResourceUnavailable indicates a node's resources could not all be
	// acquired. It is transient and always retried.
	ErrResourceUnavailable = errors.New("resources not available")

	// ErrInjectedFailure is the cause recorded for simulated failures.
	ErrInjectedFailure = errors.New("simulated failure")

	// ErrNodePanic is the cause recorded when a node's action panics.
	ErrNodePanic = errors.New("node panicked")

	// ErrEngineClosed indicates the engine stopped before the node finished.
	ErrEngineClosed = errors.New("engine closed")

	// ErrNilNode indicates ExecuteAsync was called without a node.
	ErrNilNode = errors.New("node is nil")
)

// ExecutionError is the permanent failure of one node.
type ExecutionError struct {
	// NodeID is the failed node.
	NodeID int

	// Attempts is how many times the action was attempted.
	Attempts int

	// Err is the cause of the final failure.
	Err error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("node %d failed after %d attempt(s): %v", e.NodeID, e.Attempts, e.Err)
}

// Unwrap exposes both ErrExecutionFailure and the cause to errors.Is.
func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecutionFailure, e.Err}
}
