// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

// =============================================================================
// ERRORS
// =============================================================================

// StoreError represents a store-level error. It implements the error
// interface and supports errors.Is comparison by message.
type StoreError struct {
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing store errors.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

var (
	// ErrSessionNotFound is returned when a session id has no row.
	ErrSessionNotFound = &StoreError{Message: "session not found"}

	// ErrUserNotFound is returned when a user id or username has no row.
	ErrUserNotFound = &StoreError{Message: "user not found"}

	// ErrMessageNotFound is returned when a (session, seq) pair has no row.
	ErrMessageNotFound = &StoreError{Message: "message not found"}

	// ErrDuplicateUsername is returned when creating a user with a taken name.
	ErrDuplicateUsername = &StoreError{Message: "username already taken"}

	// ErrBadCredentials is returned when authentication fails.
	ErrBadCredentials = &StoreError{Message: "invalid username or password"}

	// ErrLastAdmin is returned when an operation would remove the only admin.
	ErrLastAdmin = &StoreError{Message: "cannot remove the last admin"}

	// ErrTerminalMessage is returned on attempts to mutate a message whose
	// status is already terminal.
	ErrTerminalMessage = &StoreError{Message: "message is terminal"}
)
