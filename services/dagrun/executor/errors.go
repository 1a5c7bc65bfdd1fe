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

import "errors"

var (
	// ErrInvariantViolation indicates a dependent's in-degree went below zero.
	// The run is aborted and reported as failed.
	ErrInvariantViolation = errors.New("execution invariant violated")

	// ErrNilRunner indicates the executor was built without a node runner.
	ErrNilRunner = errors.New("node runner is nil")

	// ErrNilDag indicates Submit was called without a graph.
	ErrNilDag = errors.New("dag is nil")

	// ErrUnknownFailurePolicy indicates an unrecognized policy name.
	ErrUnknownFailurePolicy = errors.New("unknown failure policy")
)
