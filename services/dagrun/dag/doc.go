// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag provides the validated, immutable graph model executed by dagrun.
//
// An ExecutionDag holds:
//   - A node table indexed by dense integer id (0..N-1)
//   - An adjacency list pointing from each dependency to its dependents
//   - The in-degree (number of unmet dependencies) of every node
//
// Graphs are built once with Build, which validates size, identity,
// references and acyclicity before anything executes. The structure is never
// mutated afterwards; executors take a private in-degree copy per run via
// InDegreeSnapshot, so one ExecutionDag may be executed concurrently.
//
// # Thread Safety
//
// ExecutionDag is safe for concurrent read access. Node implementations must
// be safe for concurrent use when the same graph is run more than once at a time.
//
// # Example
//
//	fetch := dag.NewFuncNode(1, func(ctx context.Context) error { return fetchAll(ctx) })
//	index := dag.NewFuncNode(0, indexFn).WithResources("search-index")
//
//	graph, err := dag.Build([]dag.Spec{
//	    {Node: index, DependsOn: []int{1}},
//	    {Node: fetch},
//	})
package dag
