// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package controller drives one in-flight generation per session.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hamwisk/HamChat/internal/backend"
	"github.com/hamwisk/HamChat/internal/store"
)

// ErrSessionBusy indicates a send was rejected because the session already
// has an in-flight generation. The caller must cancel it first.
var ErrSessionBusy = errors.New("session busy: generation already in flight")

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds controller tuning knobs.
type Config struct {
	// MaxConcurrent caps cross-session generations; excess sends queue in
	// the Queued state instead of being rejected.
	MaxConcurrent int

	// FlushInterval is how often accumulated text is persisted while
	// streaming.
	FlushInterval time.Duration

	// CancelGrace bounds how long a cancellation waits for the backend
	// stream to close before the generation is finalized anyway.
	CancelGrace time.Duration

	// BatchSize and PublishInterval gate intermediate update publication.
	BatchSize       int
	PublishInterval time.Duration

	// TerminalFlushRetries bounds retry attempts for the final persist.
	TerminalFlushRetries int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        2,
		FlushInterval:        500 * time.Millisecond,
		CancelGrace:          2 * time.Second,
		BatchSize:            15,
		PublishInterval:      100 * time.Millisecond,
		TerminalFlushRetries: 3,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = d.PublishInterval
	}
	if c.TerminalFlushRetries <= 0 {
		c.TerminalFlushRetries = d.TerminalFlushRetries
	}
}

// =============================================================================
// TYPES
// =============================================================================

// Generator is the backend capability the controller consumes.
// *backend.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, model string, msgs []backend.ChatMessage, onChunk backend.ChunkFunc) error
}

// Update is one state/content snapshot for a message, published to the
// facade. Content is the full accumulated text, never a fragment, so
// successive updates for a message are non-decreasing in length.
type Update struct {
	SessionID    string
	Seq          int
	State        State
	Content      string
	ErrorSummary string
}

// UpdateFunc receives controller updates. It must not block.
type UpdateFunc func(Update)

// Handle identifies one accepted generation and carries its cancel lever.
type Handle struct {
	ID        string
	SessionID string
	Seq       int

	cancel context.CancelFunc
	done   chan struct{}
	gen    *generation
}

// Cancel requests cooperative cancellation. Idempotent: cancelling an
// already-terminal generation is a no-op.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the generation reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// State returns the generation's current state.
func (h *Handle) State() State {
	return h.gen.currentState()
}

// generation is the per-run bookkeeping owned by one worker goroutine.
type generation struct {
	handle *Handle
	ctx    context.Context
	model  string
	msgs   []backend.ChatMessage
	buf    *tokenBuffer

	mu       sync.Mutex
	state    State
	finished bool
}

func (g *generation) currentState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller runs at most one generation per session and a bounded number
// across sessions. It owns all mutation of the in-flight message row.
type Controller struct {
	mu     sync.Mutex
	active map[string]*generation

	cfg      Config
	backend  Generator
	db       *store.Store
	sem      chan struct{}
	onUpdate UpdateFunc
	log      *slog.Logger
}

// New creates a controller. onUpdate receives every published update and
// must not block; pass nil to discard updates.
func New(cfg Config, gen Generator, db *store.Store, onUpdate UpdateFunc, log *slog.Logger) *Controller {
	cfg.fillDefaults()
	if log == nil {
		log = slog.Default()
	}
	if onUpdate == nil {
		onUpdate = func(Update) {}
	}
	return &Controller{
		active:   make(map[string]*generation),
		cfg:      cfg,
		backend:  gen,
		db:       db,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		onUpdate: onUpdate,
		log:      log.With(slog.String("component", "controller")),
	}
}

// Busy reports whether a session has an in-flight or reserved generation.
func (c *Controller) Busy(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sessionID]
	return ok
}

// Reserve claims a session's generation slot ahead of Start, so the caller
// can persist the send's rows without losing a race to a concurrent send.
// The returned release undoes the reservation; it is a no-op once Start has
// consumed it, so callers may defer it unconditionally.
func (c *Controller) Reserve(sessionID string) (release func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[sessionID]; ok {
		return nil, ErrSessionBusy
	}
	// A nil entry marks a reservation awaiting its Start.
	c.active[sessionID] = nil
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if g, ok := c.active[sessionID]; ok && g == nil {
			delete(c.active, sessionID)
		}
	}, nil
}

// Start accepts a generation targeting the message row at (sessionID, seq),
// which the caller has already appended in the queued status. Context for
// the backend call is msgs; the run itself is detached from the caller's
// lifetime and stopped only through the returned handle.
//
// A second Start while the session's generation is non-terminal returns
// ErrSessionBusy.
func (c *Controller) Start(sessionID string, seq int, model string, msgs []backend.ChatMessage) (*Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())

	g := &generation{
		ctx:   ctx,
		model: model,
		msgs:  msgs,
		buf:   newTokenBuffer(c.cfg.BatchSize, c.cfg.PublishInterval),
		state: StateQueued,
	}
	h := &Handle{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Seq:       seq,
		cancel:    cancel,
		done:      make(chan struct{}),
		gen:       g,
	}
	g.handle = h

	c.mu.Lock()
	if existing, ok := c.active[sessionID]; ok && existing != nil {
		c.mu.Unlock()
		cancel()
		return nil, ErrSessionBusy
	}
	// A nil entry is the caller's own reservation being fulfilled.
	c.active[sessionID] = g
	c.mu.Unlock()

	c.log.Info("generation accepted",
		slog.String("session", sessionID),
		slog.Int("seq", seq),
		slog.String("handle", h.ID))

	c.publish(Update{
		SessionID: sessionID,
		Seq:       seq,
		State:     StateQueued,
	})

	go c.run(g)
	return h, nil
}

// Shutdown cancels every in-flight generation and waits for each to reach a
// terminal state or for ctx to expire.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	gens := make([]*generation, 0, len(c.active))
	for _, g := range c.active {
		if g == nil {
			// Reservation without a started generation yet.
			continue
		}
		gens = append(gens, g)
	}
	c.mu.Unlock()

	for _, g := range gens {
		g.handle.Cancel()
	}
	for _, g := range gens {
		select {
		case <-g.handle.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// =============================================================================
// GENERATION RUN
// =============================================================================

func (c *Controller) run(g *generation) {
	h := g.handle
	defer func() {
		c.mu.Lock()
		delete(c.active, h.SessionID)
		c.mu.Unlock()
		close(h.done)
	}()

	// Admission: excess cross-session generations wait here in Queued.
	select {
	case c.sem <- struct{}{}:
	case <-g.ctx.Done():
		c.finalize(g, StateCancelled, nil)
		return
	}
	defer func() { <-c.sem }()

	stopFlush := make(chan struct{})
	var flushWG sync.WaitGroup
	flushWG.Add(1)
	go func() {
		defer flushWG.Done()
		c.flushLoop(g, stopFlush)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.backend.Generate(g.ctx, g.model, g.msgs, c.chunkSink(g))
	}()

	var err error
	select {
	case err = <-errCh:
	case <-g.ctx.Done():
		// Give the stream a bounded grace period to close cleanly, then
		// finalize without it.
		select {
		case err = <-errCh:
		case <-time.After(c.cfg.CancelGrace):
			c.log.Warn("backend stream did not close within grace period, forcing abort",
				slog.String("session", h.SessionID),
				slog.Int("seq", h.Seq))
			err = backend.ErrCancelled
		}
	}

	close(stopFlush)
	flushWG.Wait()

	switch {
	case err == nil:
		c.finalize(g, StateCompleted, nil)
	case backend.IsCancelled(err) || errors.Is(err, context.Canceled):
		c.finalize(g, StateCancelled, nil)
	default:
		c.finalize(g, StateErrored, err)
	}
}

// chunkSink returns the per-chunk callback for a generation. The first
// chunk moves Queued to Streaming; subsequent chunks publish at the
// buffer's bounded rate.
func (c *Controller) chunkSink(g *generation) backend.ChunkFunc {
	return func(chunk backend.Chunk) {
		if chunk.Content == "" && !chunk.Final {
			return
		}

		// The finished check, buffer append, and publish happen under one
		// lock: a forced abort cannot finalize between them, so nothing is
		// appended or published after the terminal update.
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.finished {
			// Late chunks from a stream that outlived its grace period.
			return
		}

		first := false
		if g.state == StateQueued {
			g.state = StateStreaming
			first = true
		}

		snapshot, publish := g.buf.Append(chunk.Content)
		if first {
			snapshot, publish = g.buf.Snapshot(), true
		}
		if chunk.Final {
			// The terminal update is published once by finalize.
			return
		}
		if publish {
			c.publish(Update{
				SessionID: g.handle.SessionID,
				Seq:       g.handle.Seq,
				State:     StateStreaming,
				Content:   snapshot,
			})
		}
	}
}

// flushLoop persists the accumulated text periodically while streaming.
// A failed flush is logged and retried on the next tick; the row stays at
// its last fully persisted state.
func (c *Controller) flushLoop(g *generation, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if g.currentState() != StateStreaming {
				continue
			}
			snap := g.buf.Snapshot()
			err := c.db.UpdateStreaming(g.handle.SessionID, g.handle.Seq, snap, store.StatusStreaming)
			if err != nil && !errors.Is(err, store.ErrTerminalMessage) {
				c.log.Warn("periodic flush failed, will retry next interval",
					slog.String("session", g.handle.SessionID),
					slog.Int("seq", g.handle.Seq),
					slog.String("error", err.Error()))
			}
		}
	}
}

// finalize moves a generation to its terminal state, persists the full
// accumulated text, and publishes the terminal update exactly once.
// Partial text is preserved for Cancelled and Errored.
func (c *Controller) finalize(g *generation, to State, genErr error) {
	g.mu.Lock()
	if g.finished {
		g.mu.Unlock()
		return
	}
	g.finished = true
	if !isValidTransition(g.state, to) {
		c.log.Error("invalid state transition",
			slog.String("from", g.state.String()),
			slog.String("to", to.String()))
	}
	g.state = to
	// Pin the content under the same lock: any chunk arriving after this
	// point sees finished and is dropped before it can touch the buffer.
	content := g.buf.Final()
	g.mu.Unlock()

	status, summary := terminalStatus(to, genErr)

	if err := c.persistTerminal(g, content, status, summary); err != nil {
		c.log.Error("terminal flush failed after retries",
			slog.String("session", g.handle.SessionID),
			slog.Int("seq", g.handle.Seq),
			slog.String("error", err.Error()))
		if to != StateErrored {
			to = StateErrored
			summary = fmt.Sprintf("storage write failure: %v", err)
			g.mu.Lock()
			g.state = to
			g.mu.Unlock()
		}
	}

	c.log.Info("generation finished",
		slog.String("session", g.handle.SessionID),
		slog.Int("seq", g.handle.Seq),
		slog.String("state", to.String()),
		slog.Int("chars", len(content)))

	c.publish(Update{
		SessionID:    g.handle.SessionID,
		Seq:          g.handle.Seq,
		State:        to,
		Content:      content,
		ErrorSummary: summary,
	})
}

// persistTerminal writes the terminal row with bounded retries.
func (c *Controller) persistTerminal(g *generation, content string, status store.Status, summary string) error {
	var err error
	for attempt := 0; attempt < c.cfg.TerminalFlushRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		err = c.db.FinalizeMessage(g.handle.SessionID, g.handle.Seq, content, status, summary)
		if err == nil || errors.Is(err, store.ErrTerminalMessage) || errors.Is(err, store.ErrMessageNotFound) {
			return nil
		}
	}
	return err
}

func terminalStatus(s State, genErr error) (store.Status, string) {
	switch s {
	case StateCompleted:
		return store.StatusComplete, ""
	case StateCancelled:
		return store.StatusCancelled, ""
	default:
		summary := "backend error"
		if genErr != nil {
			summary = genErr.Error()
		}
		return store.StatusError, summary
	}
}

func (c *Controller) publish(u Update) {
	c.onUpdate(u)
}
