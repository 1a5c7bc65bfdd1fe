// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schedule provides the thread-safe work queue shared by engine workers.
//
// Items become eligible at their ready time. Among eligible items the lowest
// priority value is taken first, then the earliest ready time, then insertion
// order. Items waiting out a delay sit in a separate heap and occupy no
// consumer while they wait.
package schedule

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Push and Pop after Close.
var ErrClosed = errors.New("queue closed")

// Ticket identifies one pushed item for Expedite.
type Ticket uint64

// Queue is a priority queue with delayed eligibility.
//
// Thread Safety:
//
//	Safe for concurrent use by any number of producers and consumers.
type Queue[T any] struct {
	mu      sync.Mutex
	ready   readyHeap[T]
	delayed delayedHeap[T]
	waiting map[Ticket]*entry[T]
	seq     uint64
	closed  bool

	wake chan struct{}
	done chan struct{}
	now  func() time.Time
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		waiting: make(map[Ticket]*entry[T]),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Push adds value with the given priority, eligible after delay.
//
// A delay <= 0 makes the item eligible immediately.
func (q *Queue[T]) Push(value T, priority int, delay time.Duration) error {
	_, err := q.Schedule(value, priority, delay)
	return err
}

// Schedule is Push returning a Ticket that can bring a delayed item forward.
func (q *Queue[T]) Schedule(value T, priority int, delay time.Duration) (Ticket, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrClosed
	}
	q.seq++
	e := &entry[T]{
		value:    value,
		priority: priority,
		readyAt:  q.now().Add(max(delay, 0)),
		seq:      q.seq,
		index:    -1,
	}
	ticket := Ticket(e.seq)
	if delay > 0 {
		heap.Push(&q.delayed, e)
		q.waiting[ticket] = e
	} else {
		heap.Push(&q.ready, e)
	}
	q.mu.Unlock()

	q.signal()
	return ticket, nil
}

// Expedite makes a still-delayed item eligible now.
//
// Outputs:
//
//	bool - false if the item is already eligible, popped, or the queue is closed.
func (q *Queue[T]) Expedite(ticket Ticket) bool {
	q.mu.Lock()
	e, ok := q.waiting[ticket]
	if !ok || q.closed {
		q.mu.Unlock()
		return false
	}
	delete(q.waiting, ticket)
	heap.Remove(&q.delayed, e.index)
	e.readyAt = q.now()
	heap.Push(&q.ready, e)
	q.mu.Unlock()

	q.signal()
	return true
}

// Pop blocks until an item is eligible and removes it.
//
// Outputs:
//
//	T - The highest-ranked eligible item.
//	error - ctx.Err() if ctx ends first, ErrClosed if the queue is closed.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}

		now := q.now()
		q.promote(now)

		if q.ready.Len() > 0 {
			e := heap.Pop(&q.ready).(*entry[T])
			more := q.ready.Len() > 0 || q.delayed.Len() > 0
			q.mu.Unlock()
			if more {
				// Pass the wake-up on so another idle consumer re-evaluates.
				q.signal()
			}
			return e.value, nil
		}

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if q.delayed.Len() > 0 {
			timer = time.NewTimer(q.delayed[0].readyAt.Sub(now))
			timerC = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return zero, ctx.Err()
		case <-q.done:
			stopTimer(timer)
			return zero, ErrClosed
		case <-q.wake:
		case <-timerC:
		}
		stopTimer(timer)
	}
}

// Len returns the number of eligible and delayed items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len()
}

// Delayed returns the number of items still waiting for their ready time.
func (q *Queue[T]) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delayed.Len()
}

// Close rejects further pushes, releases blocked consumers and returns the
// items that were never popped, eligible items first. Subsequent calls
// return nil.
func (q *Queue[T]) Close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)

	remaining := make([]T, 0, q.ready.Len()+q.delayed.Len())
	for q.ready.Len() > 0 {
		remaining = append(remaining, heap.Pop(&q.ready).(*entry[T]).value)
	}
	for q.delayed.Len() > 0 {
		remaining = append(remaining, heap.Pop(&q.delayed).(*entry[T]).value)
	}
	clear(q.waiting)
	return remaining
}

// promote moves every delayed item whose ready time has passed to the ready heap.
// Caller holds q.mu.
func (q *Queue[T]) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].readyAt.After(now) {
		e := heap.Pop(&q.delayed).(*entry[T])
		delete(q.waiting, Ticket(e.seq))
		heap.Push(&q.ready, e)
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
