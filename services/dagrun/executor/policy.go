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

import (
	"fmt"
	"strings"
)

// FailurePolicy selects what happens to already dispatched nodes when a
// node fails permanently.
type FailurePolicy int

const (
	// StopScheduling dispatches nothing further; dispatched nodes run to
	// completion, retries included.
	StopScheduling FailurePolicy = iota

	// AbortPending also cancels the run context, so dispatched nodes that
	// have not started, or are waiting to retry, fail without running.
	AbortPending
)

// String returns the configuration name of the policy.
func (p FailurePolicy) String() string {
	switch p {
	case StopScheduling:
		return "stop_scheduling"
	case AbortPending:
		return "abort_pending"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParseFailurePolicy parses a policy name. Empty selects StopScheduling.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stop_scheduling":
		return StopScheduling, nil
	case "abort_pending":
		return AbortPending, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFailurePolicy, s)
}
