// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package controller drives one in-flight generation per session.
package controller

// =============================================================================
// GENERATION STATE
// =============================================================================

// State represents the lifecycle stage of a generation.
type State string

const (
	// StateIdle indicates the session has no in-flight generation
	StateIdle State = "Idle"

	// StateQueued indicates a send was accepted but the backend call has
	// not started yet (admission wait included)
	StateQueued State = "Queued"

	// StateStreaming indicates the first chunk has arrived and text is
	// accumulating
	StateStreaming State = "Streaming"

	// StateCompleted indicates the backend delivered its final chunk
	StateCompleted State = "Completed"

	// StateCancelled indicates cancellation was requested and honored
	StateCancelled State = "Cancelled"

	// StateErrored indicates a backend failure other than cancellation
	StateErrored State = "Errored"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether the state ends the generation.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateErrored:
		return true
	}
	return false
}

// isValidTransition checks whether a state change is allowed.
// Valid flow: Idle -> Queued -> Streaming -> Completed/Cancelled/Errored,
// with Queued allowed to terminate directly (cancel or failure before the
// first chunk). Same-state transitions are idempotent.
func isValidTransition(from, to State) bool {
	if from == to {
		return true
	}

	switch from {
	case StateIdle:
		return to == StateQueued
	case StateQueued:
		return to == StateStreaming || to.IsTerminal()
	case StateStreaming:
		return to.IsTerminal()
	default:
		// Terminal states never transition
		return false
	}
}
