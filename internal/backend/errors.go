// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import "errors"

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorKind categorizes client errors for handling policy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota

	// KindUnavailable covers connection refused and connect timeouts.
	// Retryable by policy.
	KindUnavailable

	// KindProtocol covers malformed or unexpected responses. Not retryable.
	KindProtocol

	// KindCancelled is cooperative cancellation, not an error condition.
	KindCancelled
)

// Error represents an error from the backend client.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports kind equality so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for the stable taxonomy.
var (
	ErrUnavailable = &Error{Kind: KindUnavailable, Message: "backend unavailable"}
	ErrProtocol    = &Error{Kind: KindProtocol, Message: "backend protocol error"}
	ErrCancelled   = &Error{Kind: KindCancelled, Message: "generation cancelled"}
)

// IsUnavailable checks whether an error indicates the backend is unreachable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsProtocol checks whether an error is a non-retryable protocol failure.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsCancelled checks whether an error is a cooperative cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
