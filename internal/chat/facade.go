// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the facade the presentation layer talks to.
package chat

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hamwisk/HamChat/internal/attach"
	"github.com/hamwisk/HamChat/internal/backend"
	"github.com/hamwisk/HamChat/internal/controller"
	"github.com/hamwisk/HamChat/internal/registry"
	"github.com/hamwisk/HamChat/internal/store"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds facade tuning knobs.
type Config struct {
	// Model is the backend model every generation requests.
	Model string

	// MaxTurns bounds the rolling context window sent to the backend.
	MaxTurns int

	// SystemPrompt, when set, is prepended to every generation's context.
	SystemPrompt string

	// EventInterval and EventBurst bound the intermediate update rate per
	// subscription. Terminal updates bypass the limit.
	EventInterval time.Duration
	EventBurst    int

	// Controller configures the generation runner.
	Controller controller.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Model:         "gpt-oss:latest",
		MaxTurns:      64,
		EventInterval: 50 * time.Millisecond,
		EventBurst:    4,
		Controller:    controller.DefaultConfig(),
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.EventInterval <= 0 {
		c.EventInterval = d.EventInterval
	}
	if c.EventBurst <= 0 {
		c.EventBurst = d.EventBurst
	}
}

// =============================================================================
// FACADE
// =============================================================================

// Facade is the single entry point for the presentation layer. It threads
// explicit user and session ids through every call; there is no ambient
// "current session" state.
type Facade struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}

	cfg         Config
	db          *store.Store
	attachments *attach.Store
	registry    *registry.Registry
	ctrl        *controller.Controller
	log         *slog.Logger
}

// New wires the facade over its collaborators and owns the controller it
// creates around gen.
func New(cfg Config, gen controller.Generator, db *store.Store, att *attach.Store, reg *registry.Registry, log *slog.Logger) *Facade {
	cfg.fillDefaults()
	if log == nil {
		log = slog.Default()
	}
	f := &Facade{
		subs:        make(map[*Subscription]struct{}),
		cfg:         cfg,
		db:          db,
		attachments: att,
		registry:    reg,
		log:         log.With(slog.String("component", "chat")),
	}
	f.ctrl = controller.New(cfg.Controller, gen, db, f.dispatch, log)
	return f
}

// Registry exposes session management to the presentation layer.
func (f *Facade) Registry() *registry.Registry {
	return f.registry
}

// ApplySettings updates the reloadable knobs: the generation model, the
// context window, and the system prompt. In-flight generations keep the
// values they started with; pacing and concurrency are fixed at
// construction.
func (f *Facade) ApplySettings(model string, maxTurns int, systemPrompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if model != "" {
		f.cfg.Model = model
	}
	if maxTurns > 0 {
		f.cfg.MaxTurns = maxTurns
	}
	f.cfg.SystemPrompt = systemPrompt
}

// =============================================================================
// SENDING
// =============================================================================

// SendMessage persists the user's message, binds its staged attachments,
// and starts a generation for the assistant reply. Returns the handle used
// to cancel the generation.
//
// A send to a session with a generation already in flight fails with
// ErrSessionBusy; the caller must cancel the prior one first.
func (f *Facade) SendMessage(userID int64, sessionID, text string, stagedIDs []string) (*controller.Handle, error) {
	if _, err := f.registry.Get(userID, sessionID); err != nil {
		return nil, translate(err)
	}

	// Reserve the generation slot before persisting anything, so a
	// concurrent send cannot leave orphan rows behind a busy rejection.
	release, err := f.ctrl.Reserve(sessionID)
	if err != nil {
		return nil, translate(err)
	}
	defer release()

	// First message persists the session with a title from the prompt.
	if err := f.registry.Persist(sessionID, text); err != nil {
		return nil, translate(err)
	}

	userMsg, err := f.db.AppendMessage(sessionID, store.RoleUser, text, store.StatusComplete)
	if err != nil {
		return nil, translate(err)
	}
	refs, err := f.attachments.Bind(stagedIDs, sessionID, userMsg.Seq)
	if err != nil {
		return nil, translate(err)
	}
	userMsg.Attachments = refs

	f.dispatch(Update{
		SessionID: sessionID,
		Seq:       userMsg.Seq,
		State:     controller.StateCompleted,
		Content:   text,
	})

	history, err := f.db.LoadHistory(sessionID)
	if err != nil {
		return nil, translate(err)
	}
	msgs := f.buildContext(history)

	asst, err := f.db.AppendMessage(sessionID, store.RoleAssistant, "", store.StatusQueued)
	if err != nil {
		return nil, translate(err)
	}

	f.mu.Lock()
	model := f.cfg.Model
	f.mu.Unlock()
	h, err := f.ctrl.Start(sessionID, asst.Seq, model, msgs)
	if err != nil {
		return nil, translate(err)
	}

	f.log.Info("message sent",
		slog.String("session", sessionID),
		slog.Int("user_seq", userMsg.Seq),
		slog.Int("assistant_seq", asst.Seq),
		slog.Int("attachments", len(refs)))
	return h, nil
}

// Cancel requests cancellation of a generation. Idempotent; cancelling a
// finished generation is a no-op.
func (f *Facade) Cancel(h *controller.Handle) {
	if h == nil {
		return
	}
	h.Cancel()
}

// SwitchSession returns a session's full ordered history for the
// presentation layer to repopulate from. A still-unpersisted draft has no
// history.
func (f *Facade) SwitchSession(userID int64, sessionID string) ([]store.Message, error) {
	sess, err := f.registry.Get(userID, sessionID)
	if err != nil {
		return nil, translate(err)
	}
	if !sess.Persisted {
		return nil, nil
	}
	history, err := f.db.LoadHistory(sessionID)
	if err != nil {
		return nil, translate(err)
	}
	return history, nil
}

// Shutdown cancels in-flight generations and waits for them to finalize.
func (f *Facade) Shutdown(ctx context.Context) error {
	return f.ctrl.Shutdown(ctx)
}

// =============================================================================
// CONTEXT WINDOW
// =============================================================================

// buildContext converts the tail of a session's history into the backend
// message list, prefixed by the configured system prompt. Attachments with
// image content become base64 vision parts on their message.
func (f *Facade) buildContext(history []store.Message) []backend.ChatMessage {
	f.mu.Lock()
	maxTurns := f.cfg.MaxTurns
	systemPrompt := f.cfg.SystemPrompt
	f.mu.Unlock()

	if len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}

	msgs := make([]backend.ChatMessage, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, backend.NewSystemMessage(systemPrompt))
	}
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		var bm backend.ChatMessage
		switch m.Role {
		case store.RoleAssistant:
			bm = backend.NewAssistantMessage(m.Content)
		case store.RoleSystem:
			bm = backend.NewSystemMessage(m.Content)
		default:
			bm = backend.NewUserMessage(m.Content)
		}
		for _, ref := range m.Attachments {
			if !strings.HasPrefix(ref.MIME, "image/") {
				continue
			}
			blob, err := f.attachments.ReadBlob(ref.SHA256)
			if err != nil {
				f.log.Warn("skipping unreadable vision attachment",
					slog.String("sha256", ref.SHA256),
					slog.String("error", err.Error()))
				continue
			}
			bm.Images = append(bm.Images, base64.StdEncoding.EncodeToString(blob))
		}
		msgs = append(msgs, bm)
	}
	return msgs
}

// =============================================================================
// ATTACHMENT SURFACE
// =============================================================================

// StageAttachment validates and stages a file onto the outgoing draft.
func (f *Facade) StageAttachment(path string) (*attach.Attachment, error) {
	a, err := f.attachments.Stage(path)
	if err != nil {
		return nil, translate(err)
	}
	return a, nil
}

// ListStaged returns the outgoing draft in staging order.
func (f *Facade) ListStaged() []attach.Attachment {
	return f.attachments.ListStaged()
}

// ResolveAttachment returns the absolute blob path for rendering.
func (f *Facade) ResolveAttachment(ref store.AttachmentRef) (string, error) {
	p, err := f.attachments.Resolve(ref)
	if err != nil {
		return "", translate(err)
	}
	return p, nil
}

// OpenStagedAt returns the blob path of the draft attachment at index i.
func (f *Facade) OpenStagedAt(i int) (string, error) {
	p, err := f.attachments.OpenAt(i)
	if err != nil {
		return "", translate(err)
	}
	return p, nil
}

// RemoveStagedAt removes the draft attachment at index i.
func (f *Facade) RemoveStagedAt(i int) error {
	return translate(f.attachments.RemoveAt(i))
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe attaches a new update stream, one per presentation-layer
// instance. The caller must Close it when done.
func (f *Facade) Subscribe() *Subscription {
	limiter := rate.NewLimiter(rate.Every(f.cfg.EventInterval), f.cfg.EventBurst)
	sub := newSubscription(limiter, f.unsubscribe)

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

func (f *Facade) unsubscribe(sub *Subscription) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}

// dispatch fans an update out to every subscription. Enqueueing never
// blocks, so controllers are isolated from slow consumers.
func (f *Facade) dispatch(u Update) {
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.enqueue(u)
	}
}
