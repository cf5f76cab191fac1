// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the facade the presentation layer talks to.
package chat

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/hamwisk/HamChat/internal/controller"
)

// Update is one facade event: a full-content snapshot of a message's state.
type Update = controller.Update

// updateKey identifies the message an update targets.
type updateKey struct {
	session string
	seq     int
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// Subscription delivers ordered updates to one presentation-layer instance.
//
// A dedicated publisher goroutine drains an internal pending queue, so
// controllers enqueue without ever blocking on a slow consumer. When the
// consumer lags, intermediate updates for the same message are coalesced in
// place (the newer snapshot supersedes the older); a terminal update is
// never dropped. Per-message delivery is therefore in non-decreasing
// content-length order with the terminal event last.
type Subscription struct {
	mu      sync.Mutex
	pending []Update
	index   map[updateKey]int
	closed  bool

	out     chan Update
	notify  chan struct{}
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	onClose func(*Subscription)
}

func newSubscription(limiter *rate.Limiter, onClose func(*Subscription)) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		index:   make(map[updateKey]int),
		out:     make(chan Update),
		notify:  make(chan struct{}, 1),
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
		onClose: onClose,
	}
	go s.publish()
	return s
}

// Events returns the ordered update stream.
func (s *Subscription) Events() <-chan Update {
	return s.out
}

// Close detaches the subscription and stops its publisher.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.onClose(s)
	s.cancel()
}

// enqueue adds an update to the pending queue. Never blocks.
func (s *Subscription) enqueue(u Update) {
	key := updateKey{u.SessionID, u.Seq}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if i, ok := s.index[key]; ok && !s.pending[i].State.IsTerminal() {
		// The queued snapshot is stale; the newer one supersedes it in
		// place, preserving queue order.
		s.pending[i] = u
	} else {
		s.pending = append(s.pending, u)
		s.index[key] = len(s.pending) - 1
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops the head of the pending queue.
func (s *Subscription) next() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Update{}, false
	}
	u := s.pending[0]
	s.pending = s.pending[1:]
	for k, i := range s.index {
		if i == 0 {
			delete(s.index, k)
		} else {
			s.index[k] = i - 1
		}
	}
	return u, true
}

// publish drains the queue into the output channel. Intermediate updates
// pass through the rate limiter; terminal updates bypass it so a finished
// message is never delayed.
func (s *Subscription) publish() {
	defer close(s.out)
	for {
		u, ok := s.next()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		if !u.State.IsTerminal() && s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}

		select {
		case s.out <- u:
		case <-s.ctx.Done():
			return
		}
	}
}
