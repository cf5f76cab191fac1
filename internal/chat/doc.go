// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the facade the presentation layer talks to.
//
// Facade is the single entry point: sending a message, cancelling its
// generation, switching sessions, and subscribing to the ordered update
// stream. All component errors are translated into the package's stable
// error set before they cross this boundary.
//
// # Key Types
//
//   - Facade: SendMessage, Cancel, SwitchSession, Subscribe, plus the
//     attachment draft surface
//   - Subscription: per-consumer update stream with lag coalescing
//   - Update: full-content snapshot of one message's state
//
// # Ordering
//
// Events for a given message are delivered in non-decreasing content-length
// order and the terminal event is always last. Intermediate event rate is
// bounded per subscription; terminal events bypass the limit.
package chat
