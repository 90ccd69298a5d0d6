// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a referenced item, request or template as absent.
// Callers match it with errors.Is.
var ErrNotFound = errors.New("not found")

// StateTransitionError reports an illegal state move. It is a
// programmer or data-integrity error and is never silently swallowed.
type StateTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}

// ValidationError reports a transition into a state whose required
// artifact is missing. It indicates an upstream step bug.
type ValidationError struct {
	Status Status
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed entering %s: %s (%s)", e.Status, e.Reason, e.Field)
}
