// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package controller drives one in-flight generation per session.
//
// A generation moves through Queued -> Streaming -> Completed/Cancelled/
// Errored. The controller owns all mutation of the session's in-flight
// message row: it persists accumulated text on a periodic flush interval,
// publishes coalesced full-content updates at a bounded rate, and always
// publishes the terminal update exactly once with the complete text.
//
// # Key Types
//
//   - Controller: accepts generations, enforces one per session and a
//     cross-session concurrency cap
//   - Handle: identifies an accepted generation; Cancel is idempotent
//   - Update: full-content snapshot delivered to the facade
//   - State: lifecycle stage with validated transitions
//
// # Cancellation
//
// Cancel requests cooperative shutdown through the generation's context.
// If the backend stream does not close within the configured grace period
// the generation is finalized as Cancelled anyway, with whatever partial
// text had accumulated persisted.
package controller
