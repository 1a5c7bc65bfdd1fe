// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 256

// defaultRetain is how many completed runs the hub remembers.
const defaultRetain = 1024

// Hub fans events out to per-run subscribers.
//
// Description:
//
//	Delivery never blocks the publisher: an event that does not fit in a
//	subscriber's buffer is dropped for that subscriber and counted. The
//	subscription is closed after the run's RunCompleted event. Subscribing
//	to a recently completed run yields its RunCompleted event and closes.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]map[*Subscription]struct{}
	completed map[string]Event
	order     []string
	buffer    int
	retain    int
	dropped   atomic.Int64
	logger    *slog.Logger
}

// NewHub creates a hub. buffer <= 0 selects DefaultBuffer; a nil logger
// uses slog.Default().
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:      make(map[string]map[*Subscription]struct{}),
		completed: make(map[string]Event),
		buffer:    buffer,
		retain:    defaultRetain,
		logger:    logger,
	}
}

// Observe publishes ev to the subscribers of ev.RunID.
func (h *Hub) Observe(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[ev.RunID] {
		select {
		case sub.ch <- ev:
		default:
			if h.dropped.Add(1) == 1 {
				h.logger.Warn("event subscriber too slow, dropping events", slog.String("run_id", ev.RunID))
			}
		}
	}

	if ev.Terminal() {
		for sub := range h.subs[ev.RunID] {
			sub.closeLocked()
		}
		delete(h.subs, ev.RunID)
		h.rememberLocked(ev)
	}
}

// Subscribe returns a subscription to the events of runID.
func (h *Hub) Subscribe(runID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{hub: h, runID: runID, ch: make(chan Event, h.buffer)}
	if last, ok := h.completed[runID]; ok {
		sub.ch <- last
		sub.closeLocked()
		return sub
	}

	set, ok := h.subs[runID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[runID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Subscribers returns the number of open subscriptions for runID.
func (h *Hub) Subscribers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

// Dropped returns how many events were dropped for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) rememberLocked(ev Event) {
	if _, ok := h.completed[ev.RunID]; ok {
		return
	}
	h.completed[ev.RunID] = ev
	h.order = append(h.order, ev.RunID)
	if len(h.order) > h.retain {
		delete(h.completed, h.order[0])
		h.order = h.order[1:]
	}
}

// Subscription is a stream of one run's events.
type Subscription struct {
	hub    *Hub
	runID  string
	ch     chan Event
	closed bool
}

// Events returns the channel of events. It is closed after RunCompleted or Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	if set, ok := s.hub.subs[s.runID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.hub.subs, s.runID)
		}
	}
	s.closeLocked()
}

// closeLocked closes the channel once. Caller holds hub.mu.
func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
