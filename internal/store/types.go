// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

// =============================================================================
// ROLES
// =============================================================================

// UserRole is the account privilege level.
type UserRole string

const (
	// RoleStandard is a regular account; it can only access its own sessions.
	RoleStandard UserRole = "standard"

	// RoleAdmin may access any user's sessions and manage accounts.
	RoleAdmin UserRole = "admin"
)

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state of a message.
type Status string

const (
	// StatusQueued: a send was accepted but the backend call has not started.
	StatusQueued Status = "queued"

	// StatusStreaming: chunks are arriving and content is growing.
	StatusStreaming Status = "streaming"

	// StatusComplete: the final chunk arrived; content is immutable.
	StatusComplete Status = "complete"

	// StatusCancelled: the generation was cancelled; partial content kept.
	StatusCancelled Status = "cancelled"

	// StatusError: the generation failed; partial content kept.
	StatusError Status = "error"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further content mutation may occur.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusError
}

// =============================================================================
// ENTITIES
// =============================================================================

// User is a local account.
type User struct {
	ID        int64
	Username  string
	Role      UserRole
	Created   int64
	Updated   int64
	LastLogin int64 // zero when the user has never logged in
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// SessionMeta is a session summary used for listing.
type SessionMeta struct {
	ID           string
	UserID       int64
	Title        string
	Created      int64
	LastActivity int64
	MessageCount int
}

// Message is one persisted conversation turn.
type Message struct {
	SessionID    string
	Seq          int
	Role         MessageRole
	Content      string
	Status       Status
	ErrorSummary string
	Created      int64
	Attachments  []AttachmentRef
}

// AttachmentRef is a persisted reference from a message to a stored blob.
type AttachmentRef struct {
	ID           string
	SessionID    string
	Seq          int
	SHA256       string
	MIME         string
	OriginalName string
	SizeBytes    int64
	ThumbPath    string
}
