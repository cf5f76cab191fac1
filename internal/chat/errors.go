// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the facade the presentation layer talks to.
package chat

import (
	"errors"
	"fmt"

	"github.com/hamwisk/HamChat/internal/attach"
	"github.com/hamwisk/HamChat/internal/backend"
	"github.com/hamwisk/HamChat/internal/controller"
	"github.com/hamwisk/HamChat/internal/registry"
	"github.com/hamwisk/HamChat/internal/store"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// The facade's stable error set. Component errors never cross the facade
// boundary in their internal form.
var (
	// ErrSessionBusy indicates a concurrent send while a generation is
	// active on the session. User-correctable; never retried automatically.
	ErrSessionBusy = errors.New("session busy")

	// ErrNotFound indicates the session or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates the caller lacks access to the session.
	ErrForbidden = errors.New("forbidden")

	// ErrBackendUnavailable indicates the backend could not be reached
	// after retry.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendProtocol indicates a malformed backend response.
	ErrBackendProtocol = errors.New("backend protocol error")

	// ErrAttachmentNotFound indicates an unknown staged attachment id.
	ErrAttachmentNotFound = errors.New("attachment not found")

	// ErrAttachmentUnreadable indicates the attachment source could not be
	// read; nothing was staged.
	ErrAttachmentUnreadable = errors.New("attachment unreadable")

	// ErrStorageWrite indicates a persistence failure.
	ErrStorageWrite = errors.New("storage write failure")
)

// translate maps component errors onto the facade taxonomy, keeping the
// original as the wrapped cause.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, controller.ErrSessionBusy):
		return fmt.Errorf("%w: %v", ErrSessionBusy, err)
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrUserNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, registry.ErrForbidden):
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	case errors.Is(err, attach.ErrAttachmentNotFound):
		return fmt.Errorf("%w: %v", ErrAttachmentNotFound, err)
	case errors.Is(err, attach.ErrAttachmentUnreadable):
		return fmt.Errorf("%w: %v", ErrAttachmentUnreadable, err)
	case backend.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	case backend.IsProtocol(err):
		return fmt.Errorf("%w: %v", ErrBackendProtocol, err)
	default:
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
}
