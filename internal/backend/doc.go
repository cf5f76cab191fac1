// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend provides the streaming HTTP client for the LLM generation
// service (local or remote).
//
// The backend is treated as an abstract capability: callers hand it an
// ordered context of prior messages and receive an incremental stream of
// token chunks terminated by a final marker, an error, or cancellation.
//
// # Key Types
//
//   - Client: HTTP client for the generation service
//   - ChatMessage: one prior turn (role, text, optional image parts)
//   - Chunk: one incremental fragment plus a final marker
//   - Error: typed error with an ErrorKind category
//
// # Usage
//
// Stream a generation with a callback:
//
//	client := backend.NewClient(backend.DefaultConfig(), logger)
//	err := client.Generate(ctx, "gpt-oss:latest", msgs, func(chunk backend.Chunk) {
//	    fmt.Print(chunk.Content)
//	})
//
// Or consume a channel:
//
//	for chunk := range client.GenerateChan(ctx, model, msgs) {
//	    ...
//	}
//
// # Cancellation
//
// Cancelling the context aborts the open stream; no further chunks are
// delivered and the underlying connection is closed. Cooperative
// cancellation surfaces as ErrCancelled, which is not an error condition
// for policy purposes.
package backend
