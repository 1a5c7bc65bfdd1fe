// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry defines the closed set of retry policies applied to failed
// node attempts.
//
// A Strategy is an immutable value. The decision function is pure, so one
// Strategy may be shared by every engine worker and every DAG run.
package retry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrInvalidStrategy is returned when a strategy is constructed with invalid parameters.
var ErrInvalidStrategy = errors.New("invalid retry strategy")

// Kind identifies a Strategy variant.
type Kind int

const (
	// KindNone never retries.
	KindNone Kind = iota

	// KindFixedCount retries up to MaxRetries times with a constant delay.
	KindFixedCount

	// KindInfinite retries forever with a constant delay.
	KindInfinite

	// KindExponential retries up to MaxRetries times with base*multiplier^attempt delays.
	KindExponential
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFixedCount:
		return "fixed"
	case KindInfinite:
		return "infinite"
	case KindExponential:
		return "exponential"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Strategy decides whether a failed attempt is retried and after what delay.
//
// The zero value is the None strategy. Construct other variants with
// FixedCount, Infinite or ExponentialBackoff, which validate their parameters.
type Strategy struct {
	kind       Kind
	maxRetries int
	delay      time.Duration
	multiplier float64

	// schedule holds the leading exponential delays; shared read-only.
	schedule []time.Duration
}

// None returns a strategy that never retries.
func None() Strategy {
	return Strategy{kind: KindNone}
}

// FixedCount returns a strategy that retries up to maxRetries times,
// waiting delay before each retry.
//
// Inputs:
//
//	maxRetries - Number of retries after the first attempt. Must be > 0.
//	delay - Wait before each retry. Must be >= 0.
func FixedCount(maxRetries int, delay time.Duration) (Strategy, error) {
	if maxRetries <= 0 {
		return Strategy{}, fmt.Errorf("%w: max retries must be greater than 0, got %d", ErrInvalidStrategy, maxRetries)
	}
	if delay < 0 {
		return Strategy{}, fmt.Errorf("%w: delay must be >= 0, got %s", ErrInvalidStrategy, delay)
	}
	return Strategy{kind: KindFixedCount, maxRetries: maxRetries, delay: delay}, nil
}

// Infinite returns a strategy that always retries, waiting delay before each retry.
func Infinite(delay time.Duration) (Strategy, error) {
	if delay < 0 {
		return Strategy{}, fmt.Errorf("%w: delay must be >= 0, got %s", ErrInvalidStrategy, delay)
	}
	return Strategy{kind: KindInfinite, delay: delay}, nil
}

// ExponentialBackoff returns a strategy that retries up to maxRetries times,
// waiting base*multiplier^attempt before the retry that follows attempt.
//
// Inputs:
//
//	maxRetries - Number of retries after the first attempt. Must be > 0.
//	base - Delay after the first failed attempt. Must be > 0.
//	multiplier - Growth factor per attempt. Must be > 1.
func ExponentialBackoff(maxRetries int, base time.Duration, multiplier float64) (Strategy, error) {
	if maxRetries <= 0 {
		return Strategy{}, fmt.Errorf("%w: max retries must be greater than 0, got %d", ErrInvalidStrategy, maxRetries)
	}
	if base <= 0 {
		return Strategy{}, fmt.Errorf("%w: base delay must be greater than 0, got %s", ErrInvalidStrategy, base)
	}
	if !(multiplier > 1) || math.IsInf(multiplier, 0) {
		return Strategy{}, fmt.Errorf("%w: multiplier must be greater than 1, got %v", ErrInvalidStrategy, multiplier)
	}
	return Strategy{
		kind:       KindExponential,
		maxRetries: maxRetries,
		delay:      base,
		multiplier: multiplier,
		schedule:   exponentialSchedule(base, multiplier, maxRetries),
	}, nil
}

// Kind returns the strategy variant.
func (s Strategy) Kind() Kind {
	return s.kind
}

// MaxRetries returns the retry budget (0 for None and Infinite).
func (s Strategy) MaxRetries() int {
	return s.maxRetries
}

// Decide reports whether the attempt that just failed should be retried and,
// if so, how long to wait first. Attempts are numbered from 0.
//
// This is the only place the variants are distinguished; adding a Kind means
// adding a case here.
func (s Strategy) Decide(attempt int) (retry bool, delay time.Duration) {
	switch s.kind {
	case KindNone:
		return false, 0
	case KindFixedCount:
		return attempt < s.maxRetries, s.delay
	case KindInfinite:
		return true, s.delay
	case KindExponential:
		if attempt >= s.maxRetries {
			return false, 0
		}
		return true, s.exponentialDelay(attempt)
	}
	panic(fmt.Sprintf("retry: unhandled strategy kind %s", s.kind))
}

// ShouldRetry reports whether the attempt that just failed should be retried.
func (s Strategy) ShouldRetry(attempt int) bool {
	retry, _ := s.Decide(attempt)
	return retry
}

// Delay returns the wait before retrying after attempt. Zero when no retry follows.
func (s Strategy) Delay(attempt int) time.Duration {
	_, delay := s.Decide(attempt)
	return delay
}

// String describes the strategy for logs.
func (s Strategy) String() string {
	switch s.kind {
	case KindFixedCount:
		return fmt.Sprintf("fixed(max=%d, delay=%s)", s.maxRetries, s.delay)
	case KindInfinite:
		return fmt.Sprintf("infinite(delay=%s)", s.delay)
	case KindExponential:
		return fmt.Sprintf("exponential(max=%d, base=%s, multiplier=%g)", s.maxRetries, s.delay, s.multiplier)
	}
	return s.kind.String()
}

// maxScheduleLen bounds the precomputed exponential schedule.
const maxScheduleLen = 1024

const maxDuration = time.Duration(math.MaxInt64)

// exponentialSchedule steps one backoff sequence with no randomization
// through the first min(maxRetries, maxScheduleLen) delays, stopping early
// once the interval saturates at the maximum duration.
func exponentialSchedule(base time.Duration, multiplier float64, maxRetries int) []time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         maxDuration,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	n := min(maxRetries, maxScheduleLen)
	schedule := make([]time.Duration, 0, n)
	for len(schedule) < n {
		d := b.NextBackOff()
		schedule = append(schedule, d)
		if d == maxDuration {
			break
		}
	}
	return schedule
}

// exponentialDelay returns base*multiplier^attempt, saturating at the
// maximum duration. Attempts past the schedule continue geometrically from
// its last entry.
func (s Strategy) exponentialDelay(attempt int) time.Duration {
	if attempt < len(s.schedule) {
		return s.schedule[attempt]
	}
	last := s.schedule[len(s.schedule)-1]
	if last == maxDuration {
		return maxDuration
	}
	f := float64(last) * math.Pow(s.multiplier, float64(attempt-len(s.schedule)+1))
	if math.IsInf(f, 0) || math.IsNaN(f) || f >= float64(math.MaxInt64) {
		return maxDuration
	}
	return time.Duration(f)
}
