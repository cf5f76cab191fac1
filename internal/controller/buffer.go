// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package controller drives one in-flight generation per session.
package controller

import (
	"strings"
	"sync"
	"time"
)

// =============================================================================
// TOKEN BUFFER
// =============================================================================

// tokenBuffer accumulates streamed chunks and gates intermediate update
// publication. Chunks are appended on arrival; a publish happens only when
// either the batch size threshold is reached or the minimum interval since
// the last publish has passed. This bounds the rate of subscriber-facing
// updates under fast token production.
//
// Thread-safety: chunks arrive on the stream goroutine while the flush
// ticker reads snapshots, so all operations take the mutex.
type tokenBuffer struct {
	mu          sync.Mutex
	total       strings.Builder
	pending     int
	lastPublish time.Time

	batchSize   int
	minInterval time.Duration
}

func newTokenBuffer(batchSize int, minInterval time.Duration) *tokenBuffer {
	if batchSize <= 0 {
		batchSize = 15
	}
	if minInterval <= 0 {
		minInterval = 100 * time.Millisecond
	}
	return &tokenBuffer{
		batchSize:   batchSize,
		minInterval: minInterval,
		lastPublish: time.Now(),
	}
}

// Append adds one chunk of text and reports whether an intermediate update
// should be published now. The returned snapshot is the full accumulated
// text, so successive publications are non-decreasing in length.
func (b *tokenBuffer) Append(text string) (snapshot string, publish bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total.WriteString(text)
	b.pending++

	if b.pending < b.batchSize && time.Since(b.lastPublish) < b.minInterval {
		return "", false
	}
	b.pending = 0
	b.lastPublish = time.Now()
	return b.total.String(), true
}

// Snapshot returns the full accumulated text without affecting publish
// gating. Used by the periodic store flush.
func (b *tokenBuffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total.String()
}

// Final returns the complete text and marks the buffer drained. The caller
// publishes this exactly once as the terminal update.
func (b *tokenBuffer) Final() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = 0
	b.lastPublish = time.Now()
	return b.total.String()
}
