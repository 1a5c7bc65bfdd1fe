// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resource

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceLocked indicates the resource is held by another holder.
	ErrResourceLocked = errors.New("resource is locked by another holder")

	// ErrNotHeld indicates a release by a holder that does not own the lock.
	ErrNotHeld = errors.New("resource not held by caller")

	// ErrEmptyHolder indicates a lock operation without a holder token.
	ErrEmptyHolder = errors.New("holder token is empty")
)

// LockError describes a failed lock operation on one resource.
type LockError struct {
	// ID is the resource id.
	ID string

	// Holder is the token that attempted the operation.
	Holder string

	// Owner is the current holder, if any.
	Owner string

	// Err is the underlying sentinel.
	Err error
}

// Error implements the error interface.
func (e *LockError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("resource %q: %v (holder %s)", e.ID, e.Err, e.Owner)
	}
	return fmt.Sprintf("resource %q: %v", e.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *LockError) Unwrap() error {
	return e.Err
}
