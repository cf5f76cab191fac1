// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry owns the set of chat sessions per authenticated user.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hamwisk/HamChat/internal/store"
	"github.com/hamwisk/HamChat/internal/util"
)

// maxTitleRunes bounds a session title derived from its first prompt.
const maxTitleRunes = 80

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound indicates the session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrForbidden indicates the actor neither owns the session nor holds
	// the admin role.
	ErrForbidden = errors.New("access forbidden")
)

// =============================================================================
// TYPES
// =============================================================================

// Session is a chat session. A freshly created session lives only in memory
// until its first message is appended; abandoned drafts never reach the
// database.
type Session struct {
	ID           string
	UserID       int64
	Title        string
	Created      int64
	LastActivity int64
	Persisted    bool
}

// Registry resolves and creates sessions over the store. Admin-elevated
// access re-reads the actor's role on every call; roles are never cached.
type Registry struct {
	mu     sync.Mutex
	drafts map[string]*Session

	db  *store.Store
	log *slog.Logger
}

// New creates a registry over db.
func New(db *store.Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		drafts: make(map[string]*Session),
		db:     db,
		log:    log.With(slog.String("component", "registry")),
	}
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// Create starts a new in-memory session for a user. Nothing is persisted
// until the first message is appended through Persist.
func (r *Registry) Create(userID int64) *Session {
	s := &Session{
		ID:      uuid.New().String(),
		UserID:  userID,
		Created: time.Now().Unix(),
	}
	r.mu.Lock()
	r.drafts[s.ID] = s
	r.mu.Unlock()

	r.log.Debug("session created", slog.String("session", s.ID), slog.Int64("user", userID))
	return s
}

// Persist writes a draft session's row using firstPrompt to derive the
// title, then drops it from the draft set. Idempotent for sessions already
// persisted.
func (r *Registry) Persist(sessionID, firstPrompt string) error {
	r.mu.Lock()
	s, ok := r.drafts[sessionID]
	r.mu.Unlock()
	if !ok {
		// Already persisted (or unknown; the store decides downstream).
		return nil
	}

	title := deriveTitle(firstPrompt)
	if err := r.db.InsertSession(s.ID, s.UserID, title); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	r.mu.Lock()
	s.Title = title
	s.Persisted = true
	delete(r.drafts, sessionID)
	r.mu.Unlock()

	r.log.Info("session persisted",
		slog.String("session", sessionID),
		slog.String("title", title))
	return nil
}

// deriveTitle truncates the first prompt to a bounded, single-line title.
func deriveTitle(prompt string) string {
	if prompt == "" {
		return "New chat"
	}
	return util.TruncateRunesNoEllipsis(prompt, maxTitleRunes)
}

// =============================================================================
// ACCESS
// =============================================================================

// Get resolves a session for an actor. Fails with ErrNotFound if absent and
// ErrForbidden if the actor neither owns it nor holds the admin role.
func (r *Registry) Get(actorID int64, sessionID string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.drafts[sessionID]; ok {
		r.mu.Unlock()
		if err := r.authorize(actorID, s.UserID); err != nil {
			return nil, err
		}
		out := *s
		return &out, nil
	}
	r.mu.Unlock()

	meta, err := r.db.GetSession(sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.authorize(actorID, meta.UserID); err != nil {
		return nil, err
	}
	return &Session{
		ID:           meta.ID,
		UserID:       meta.UserID,
		Title:        meta.Title,
		Created:      meta.Created,
		LastActivity: meta.LastActivity,
		Persisted:    true,
	}, nil
}

// List returns the actor's own persisted sessions, most recent first.
func (r *Registry) List(userID int64) ([]store.SessionMeta, error) {
	return r.db.ListSessions(userID)
}

// ListForUser returns another user's sessions. The sole privilege
// escalation path: only admins may read sessions they do not own, and the
// role is re-read from the store on every call.
func (r *Registry) ListForUser(actorID, targetUserID int64) ([]store.SessionMeta, error) {
	if err := r.authorize(actorID, targetUserID); err != nil {
		return nil, err
	}
	return r.db.ListSessions(targetUserID)
}

// Delete removes a session the actor owns or may administer.
func (r *Registry) Delete(actorID int64, sessionID string) error {
	s, err := r.Get(actorID, sessionID)
	if err != nil {
		return err
	}
	if !s.Persisted {
		r.mu.Lock()
		delete(r.drafts, sessionID)
		r.mu.Unlock()
		return nil
	}
	if err := r.db.DeleteSession(sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Rename retitles a session the actor owns or may administer.
func (r *Registry) Rename(actorID int64, sessionID, title string) error {
	s, err := r.Get(actorID, sessionID)
	if err != nil {
		return err
	}
	if !s.Persisted {
		r.mu.Lock()
		if d, ok := r.drafts[sessionID]; ok {
			d.Title = title
		}
		r.mu.Unlock()
		return nil
	}
	if err := r.db.RenameSession(sessionID, deriveTitle(title)); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// authorize allows owners through and re-reads the actor's role from the
// store for everyone else.
func (r *Registry) authorize(actorID, ownerID int64) error {
	if actorID == ownerID {
		return nil
	}
	actor, err := r.db.GetUser(actorID)
	if err != nil {
		return fmt.Errorf("failed to load actor: %w", err)
	}
	if !actor.IsAdmin() {
		r.log.Warn("access denied",
			slog.Int64("actor", actorID),
			slog.Int64("owner", ownerID))
		return ErrForbidden
	}
	return nil
}
