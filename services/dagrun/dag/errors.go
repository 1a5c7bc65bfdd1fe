// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel errors for the dag package.
var (
	// ErrValidation is matched by every error Build returns.
	ErrValidation = errors.New("dag validation failed")

	// ErrNilNode is returned when a spec carries a nil node.
	ErrNilNode = errors.New("node must not be nil")

	// ErrDuplicateNode is returned when two specs share an id.
	ErrDuplicateNode = errors.New("node with this id already exists")

	// ErrUnknownNodeReference is returned when a dependency names a missing node.
	ErrUnknownNodeReference = errors.New("dependency references a non-existing node")

	// ErrCycleDetected is returned when the graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected in DAG")

	// ErrGraphTooLarge is returned when the node count reaches MaxNodes.
	ErrGraphTooLarge = errors.New("graph is too large")

	// ErrInvalidNodeID is returned when a node id falls outside 0..N-1.
	ErrInvalidNodeID = errors.New("node id outside the dense range 0..N-1")
)

// ValidationError wraps a validation sentinel with the node that caused it.
type ValidationError struct {
	NodeID int
	Err    error
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("node %d: %v", e.NodeID, e.Err)
}

// Unwrap returns the underlying sentinel.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a ValidationError.
func NewValidationError(nodeID int, err error) *ValidationError {
	return &ValidationError{NodeID: nodeID, Err: err}
}

// CycleError provides details about a detected cycle.
//
// Path lists the node ids along the cycle, starting and ending with the same id
// (a self-loop on node 3 is reported as [3 3]).
type CycleError struct {
	Path []int
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = strconv.Itoa(id)
	}
	return fmt.Sprintf("cycle detected: %s", strings.Join(parts, " -> "))
}

// Unwrap returns ErrCycleDetected.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// Is reports whether target is ErrValidation.
func (e *CycleError) Is(target error) bool {
	return target == ErrValidation
}

// NewCycleError creates a CycleError.
func NewCycleError(path []int) *CycleError {
	return &CycleError{Path: path}
}
