// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides the durable SQLite-backed history store.
//
// It is the single writer of truth for users, sessions, messages, and
// attachment references. Messages are an append-only per-session log with
// strictly increasing, gap-free sequence indices; the only permitted row
// mutation is the transition of the one in-flight streaming message from a
// non-terminal to a terminal state, always as a full-content overwrite.
//
// # Key Types
//
//   - Store: database handle and all persistence operations
//   - Message: one persisted conversation turn with status and sequence
//   - SessionMeta: session summary for listing
//   - User: local account with a standard or admin role
//
// # Crash Recovery
//
// Open runs RecoverInterrupted: any message left non-terminal by an unclean
// shutdown is marked cancelled with its partial content intact, so a reload
// reconstructs every session's sequence identically.
package store
