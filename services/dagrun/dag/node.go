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
	"context"
	"fmt"
)

// DefaultPriority is the neutral scheduling priority. Lower values run first.
const DefaultPriority = 0

// Node represents a single unit of work in the graph.
//
// Description:
//
//	Node is the capability set the executor needs from a work item: identity,
//	scheduling priority, the shared resources it needs exclusively, and the
//	action itself. Dependencies are declared separately in Spec so the same
//	node implementation can be wired into different graphs.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use. Execute may be called
//	concurrently with other nodes, and again after a failed attempt.
type Node interface {
	// ID returns the node's dense identifier (0..N-1 within its graph).
	ID() int

	// Priority returns the scheduling priority. Lower values are selected first.
	Priority() int

	// Resources returns the identifiers of resources held exclusively while
	// Execute runs. Order is irrelevant; duplicates are ignored.
	Resources() []string

	// Execute performs the unit of work.
	//
	// Inputs:
	//   ctx - Context for cancellation.
	//
	// Outputs:
	//   error - Non-nil on failure. The engine decides whether to retry.
	Execute(ctx context.Context) error
}

// BaseNode provides a partial implementation of the Node interface.
//
// Description:
//
//	BaseNode implements identity, priority and resources. Embed this in
//	concrete node implementations and override Execute.
//
// Example:
//
//	type CompactNode struct {
//	    dag.BaseNode
//	    store *Store
//	}
//
//	func (n *CompactNode) Execute(ctx context.Context) error {
//	    return n.store.Compact(ctx)
//	}
type BaseNode struct {
	NodeID        int
	NodePriority  int
	NodeResources []string
}

// ID returns the node's identifier.
func (n *BaseNode) ID() int {
	return n.NodeID
}

// Priority returns the node's scheduling priority.
func (n *BaseNode) Priority() int {
	return n.NodePriority
}

// Resources returns the resources the node needs exclusively.
func (n *BaseNode) Resources() []string {
	if n.NodeResources == nil {
		return []string{}
	}
	return n.NodeResources
}

// Execute returns an error if called directly.
// Concrete implementations must override this method.
func (n *BaseNode) Execute(_ context.Context) error {
	return fmt.Errorf("node %d: BaseNode.Execute must be overridden by concrete implementation", n.NodeID)
}

// FuncNode wraps a function as a Node for simple cases.
//
// Example:
//
//	node := dag.NewFuncNode(2, func(ctx context.Context) error {
//	    return nil
//	}).WithPriority(-1).WithResources("db")
type FuncNode struct {
	BaseNode
	fn func(context.Context) error
}

// NewFuncNode creates a node from a function.
//
// Inputs:
//
//	id - The node id.
//	fn - The function to execute.
//
// Outputs:
//
//	*FuncNode - The function node with default priority and no resources.
func NewFuncNode(id int, fn func(context.Context) error) *FuncNode {
	return &FuncNode{
		BaseNode: BaseNode{
			NodeID:       id,
			NodePriority: DefaultPriority,
		},
		fn: fn,
	}
}

// Execute runs the wrapped function.
func (n *FuncNode) Execute(ctx context.Context) error {
	if n.fn == nil {
		return fmt.Errorf("node %d: no function to execute", n.NodeID)
	}
	return n.fn(ctx)
}

// WithPriority sets the scheduling priority for a FuncNode.
func (n *FuncNode) WithPriority(p int) *FuncNode {
	n.NodePriority = p
	return n
}

// WithResources sets the exclusive resources for a FuncNode.
func (n *FuncNode) WithResources(ids ...string) *FuncNode {
	n.NodeResources = append([]string(nil), ids...)
	return n
}

// Spec pairs a node with the ids of the nodes it depends on.
type Spec struct {
	Node      Node
	DependsOn []int
}
