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
	"fmt"
	"math"
	"slices"
)

// MaxNodes is the exclusive upper bound on the number of nodes in a graph.
// In-degrees are tracked as int32 during execution.
const MaxNodes = math.MaxInt32

// ExecutionDag is the validated, immutable graph handed to the executor.
//
// Description:
//
//	Holds the node table indexed by id, the adjacency list (dependency to
//	dependents), each node's dependency list, and the in-degree of every node.
//	Built only through Build; never modified afterwards.
//
// Thread Safety:
//
//	Safe for concurrent read access. Slices returned by accessors are shared
//	and must not be modified by callers.
type ExecutionDag struct {
	name         string
	nodes        []Node
	adjacency    [][]int // dependency -> dependents
	dependencies [][]int // node -> dependencies
	inDegree     []int
	edges        int
}

// Name returns the graph's name (may be empty).
func (d *ExecutionDag) Name() string {
	return d.name
}

// Len returns the number of nodes.
func (d *ExecutionDag) Len() int {
	return len(d.nodes)
}

// EdgeCount returns the number of dependency edges.
func (d *ExecutionDag) EdgeCount() int {
	return d.edges
}

// Node returns a node by id.
//
// Inputs:
//
//	id - The node id.
//
// Outputs:
//
//	Node - The node if found.
//	bool - True if found.
func (d *ExecutionDag) Node(id int) (Node, bool) {
	if id < 0 || id >= len(d.nodes) {
		return nil, false
	}
	return d.nodes[id], true
}

// Dependents returns the ids of the nodes that depend on id.
func (d *ExecutionDag) Dependents(id int) []int {
	if id < 0 || id >= len(d.adjacency) {
		return nil
	}
	return d.adjacency[id]
}

// Dependencies returns the ids of the nodes id depends on.
func (d *ExecutionDag) Dependencies(id int) []int {
	if id < 0 || id >= len(d.dependencies) {
		return nil
	}
	return d.dependencies[id]
}

// InDegree returns the number of dependencies of id.
func (d *ExecutionDag) InDegree(id int) int {
	if id < 0 || id >= len(d.inDegree) {
		return 0
	}
	return d.inDegree[id]
}

// InDegreeSnapshot returns a fresh copy of the in-degree table.
//
// Each execution mutates its own copy, so concurrent runs of the same graph
// never observe each other's progress.
func (d *ExecutionDag) InDegreeSnapshot() []int {
	return slices.Clone(d.inDegree)
}

// Roots returns the ids of nodes without dependencies, ascending.
func (d *ExecutionDag) Roots() []int {
	roots := make([]int, 0)
	for id, deg := range d.inDegree {
		if deg == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// BuildOption configures Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	name     string
	maxNodes int
}

// WithName sets the graph name used in logs, spans and run history.
func WithName(name string) BuildOption {
	return func(o *buildOptions) {
		o.name = name
	}
}

// WithMaxNodes lowers the node limit. Values outside (0, MaxNodes] are ignored.
func WithMaxNodes(n int) BuildOption {
	return func(o *buildOptions) {
		if n > 0 && n <= MaxNodes {
			o.maxNodes = n
		}
	}
}

// Build validates the specs and constructs the graph.
//
// Description:
//
//	Validation runs in a fixed order and stops at the first failure:
//	  1. Size: the node count must stay below the limit (ErrGraphTooLarge).
//	  2. Identity: no nil nodes, ids within 0..N-1, no duplicates.
//	  3. References: every dependency id names an existing node.
//	  4. Acyclicity: iterative DFS, self-loops included (CycleError).
//	Duplicate dependency ids on a single node collapse into one edge.
//
// Inputs:
//
//	specs - Nodes and their dependency ids. May be empty.
//	opts - Optional name and size limit.
//
// Outputs:
//
//	*ExecutionDag - The validated graph.
//	error - Non-nil if validation fails; always matches ErrValidation.
func Build(specs []Spec, opts ...BuildOption) (*ExecutionDag, error) {
	o := buildOptions{maxNodes: MaxNodes}
	for _, opt := range opts {
		opt(&o)
	}

	n := len(specs)
	if n >= o.maxNodes {
		return nil, fmt.Errorf("%w: %w: %d nodes, limit %d", ErrValidation, ErrGraphTooLarge, n, o.maxNodes)
	}

	nodes := make([]Node, n)
	for i, spec := range specs {
		if spec.Node == nil {
			return nil, fmt.Errorf("%w: %w: spec %d", ErrValidation, ErrNilNode, i)
		}
		id := spec.Node.ID()
		if id < 0 || id >= n {
			return nil, NewValidationError(id, ErrInvalidNodeID)
		}
		if nodes[id] != nil {
			return nil, NewValidationError(id, ErrDuplicateNode)
		}
		nodes[id] = spec.Node
	}

	adjacency := make([][]int, n)
	dependencies := make([][]int, n)
	inDegree := make([]int, n)
	edges := 0

	for _, spec := range specs {
		id := spec.Node.ID()
		deps := make([]int, 0, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			if dep < 0 || dep >= n {
				return nil, NewValidationError(id, fmt.Errorf("%w: %d", ErrUnknownNodeReference, dep))
			}
			if slices.Contains(deps, dep) {
				continue
			}
			deps = append(deps, dep)
		}
		for _, dep := range deps {
			adjacency[dep] = append(adjacency[dep], id)
			inDegree[id]++
			edges++
		}
		dependencies[id] = deps
	}

	for i := range adjacency {
		if adjacency[i] == nil {
			adjacency[i] = []int{}
		}
		slices.Sort(adjacency[i])
	}

	if path := detectCycle(adjacency); path != nil {
		return nil, NewCycleError(path)
	}

	return &ExecutionDag{
		name:         o.name,
		nodes:        nodes,
		adjacency:    adjacency,
		dependencies: dependencies,
		inDegree:     inDegree,
		edges:        edges,
	}, nil
}

// detectCycle returns the first cycle found, or nil if the graph is acyclic.
//
// Iterative DFS with an explicit frame stack: visited marks nodes already
// explored from any root, onStack marks nodes on the current path. An edge
// into an onStack node closes a cycle.
func detectCycle(adjacency [][]int) []int {
	n := len(adjacency)
	visited := make([]bool, n)
	onStack := make([]bool, n)
	stack := make([]dfsFrame, 0, 16)

	for root := 0; root < n; root++ {
		if visited[root] {
			continue
		}
		visited[root] = true
		onStack[root] = true
		stack = append(stack[:0], dfsFrame{node: root})

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(adjacency[top.node]) {
				child := adjacency[top.node][top.next]
				top.next++

				if onStack[child] {
					return cyclePath(stack, child)
				}
				if !visited[child] {
					visited[child] = true
					onStack[child] = true
					stack = append(stack, dfsFrame{node: child})
				}
				continue
			}

			onStack[top.node] = false
			stack = stack[:len(stack)-1]
		}
	}

	return nil
}

// dfsFrame is one level of the explicit DFS stack; next indexes the
// adjacency entry to explore when the frame is resumed.
type dfsFrame struct {
	node int
	next int
}

// cyclePath extracts the cycle closing at target from the DFS stack.
func cyclePath(stack []dfsFrame, target int) []int {
	start := 0
	for i, f := range stack {
		if f.node == target {
			start = i
			break
		}
	}
	path := make([]int, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, f.node)
	}
	return append(path, target)
}
