// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schedule

import "time"

type entry[T any] struct {
	value    T
	priority int
	readyAt  time.Time
	seq      uint64
	index    int // position in delayedHeap while waiting
}

// readyHeap orders eligible entries by priority, ready time, then insertion.
type readyHeap[T any] []*entry[T]

func (h readyHeap[T]) Len() int { return len(h) }

func (h readyHeap[T]) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.readyAt.Equal(b.readyAt) {
		return a.readyAt.Before(b.readyAt)
	}
	return a.seq < b.seq
}

func (h readyHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap[T]) Push(x any) { *h = append(*h, x.(*entry[T])) }

func (h *readyHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// delayedHeap orders waiting entries by ready time, then insertion.
type delayedHeap[T any] []*entry[T]

func (h delayedHeap[T]) Len() int { return len(h) }

func (h delayedHeap[T]) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}

func (h delayedHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap[T]) Push(x any) {
	e := x.(*entry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *delayedHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
