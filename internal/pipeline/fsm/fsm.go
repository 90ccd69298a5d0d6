// SPDX-License-Identifier: MIT

// Package fsm holds the pipeline status rules. All functions are pure;
// persistence and side-effects live with the orchestrator.
package fsm

import "github.com/fetcharr/fetcharr/internal/pipeline/model"

// forwardOrder is the natural progression of a healthy item. FAILED and
// CANCELLED sit outside the order and are reachable from any non-terminal
// status.
var forwardOrder = []model.Status{
	model.StatusPending,
	model.StatusSearching,
	model.StatusFound,
	model.StatusDiscovered,
	model.StatusDownloading,
	model.StatusDownloaded,
	model.StatusEncoding,
	model.StatusEncoded,
	model.StatusDelivering,
	model.StatusCompleted,
}

var rank = func() map[model.Status]int {
	m := make(map[model.Status]int, len(forwardOrder))
	for i, s := range forwardOrder {
		m[s] = i
	}
	return m
}()

// AllStatuses lists every pipeline status in a stable order.
var AllStatuses = append(append([]model.Status{}, forwardOrder...),
	model.StatusFailed, model.StatusCancelled)

// CanTransition reports whether moving from -> to is legal.
func CanTransition(from, to model.Status) bool {
	if from.IsTerminal() {
		return from == model.StatusFailed && to == model.StatusPending
	}
	if to == model.StatusFailed || to == model.StatusCancelled {
		return true
	}
	fromRank, fromOK := rank[from]
	toRank, toOK := rank[to]
	if !fromOK || !toOK {
		return false
	}
	return toRank >= fromRank
}

// Transition validates the move and returns the new status, or a
// StateTransitionError naming the violated rule.
func Transition(from, to model.Status) (model.Status, error) {
	if CanTransition(from, to) {
		return to, nil
	}
	reason := "transition not allowed"
	switch {
	case from == model.StatusFailed:
		reason = "FAILED can only transition to PENDING"
	case from.IsTerminal():
		reason = "cannot leave terminal state"
	default:
		if fromRank, ok := rank[from]; ok {
			if toRank, ok := rank[to]; ok && toRank < fromRank {
				reason = "cannot move backwards"
			}
		}
	}
	return from, &model.StateTransitionError{From: from, To: to, Reason: reason}
}

// NextStates lists every legal destination from the given status.
// Terminal states never list themselves: COMPLETED and CANCELLED have no
// exits, FAILED can only be re-queued as PENDING.
func NextStates(from model.Status) []model.Status {
	out := make([]model.Status, 0, len(AllStatuses))
	for _, to := range AllStatuses {
		if from.IsTerminal() && to == from {
			continue
		}
		if CanTransition(from, to) {
			out = append(out, to)
		}
	}
	return out
}

// IsTerminal reports whether the status is final.
func IsTerminal(s model.Status) bool { return s.IsTerminal() }

// ForwardRank returns the position of s in the forward order. ok is
// false for FAILED and CANCELLED, which sit outside the progression.
func ForwardRank(s model.Status) (int, bool) {
	r, ok := rank[s]
	return r, ok
}

// RequiresValidation marks statuses that are only entered after an
// artifact (release selection, download handle, encoded file) exists in
// the item's step context.
func RequiresValidation(s model.Status) bool {
	switch s {
	case model.StatusFound, model.StatusDiscovered, model.StatusDownloaded, model.StatusEncoded:
		return true
	}
	return false
}

// CanRetry marks statuses with a retryable operation in flight.
func CanRetry(s model.Status) bool {
	switch s {
	case model.StatusSearching, model.StatusDownloading, model.StatusEncoding,
		model.StatusDelivering, model.StatusFailed:
		return true
	}
	return false
}

// NextPipelineStatus returns the single natural forward step, skipping
// DISCOVERED. ok is false for terminal states.
func NextPipelineStatus(s model.Status) (next model.Status, ok bool) {
	switch s {
	case model.StatusPending:
		return model.StatusSearching, true
	case model.StatusSearching:
		return model.StatusFound, true
	case model.StatusFound, model.StatusDiscovered:
		return model.StatusDownloading, true
	case model.StatusDownloading:
		return model.StatusDownloaded, true
	case model.StatusDownloaded:
		return model.StatusEncoding, true
	case model.StatusEncoding:
		return model.StatusEncoded, true
	case model.StatusEncoded:
		return model.StatusDelivering, true
	case model.StatusDelivering:
		return model.StatusCompleted, true
	}
	return "", false
}
