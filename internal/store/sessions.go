// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// InsertSession persists a session row. Called on the first message append;
// empty sessions are never persisted.
func (s *Store) InsertSession(id string, userID int64, title string) error {
	ts := now()
	_, err := s.db.Exec(
		`INSERT INTO sessions(id, user_id, title, created, last_activity)
		 VALUES(?,?,?,?,?)`,
		id, userID, title, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession loads a session summary by id.
func (s *Store) GetSession(id string) (*SessionMeta, error) {
	var m SessionMeta
	err := s.db.QueryRow(
		`SELECT s.id, s.user_id, s.title, s.created, s.last_activity,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s WHERE s.id=?`, id).
		Scan(&m.ID, &m.UserID, &m.Title, &m.Created, &m.LastActivity, &m.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &m, nil
}

// ListSessions returns a user's persisted sessions ordered by last activity,
// most recent first.
func (s *Store) ListSessions(userID int64) ([]SessionMeta, error) {
	rows, err := s.db.Query(
		`SELECT s.id, s.user_id, s.title, s.created, s.last_activity,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s WHERE s.user_id=?
		 ORDER BY s.last_activity DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var metas []SessionMeta
	for rows.Next() {
		var m SessionMeta
		if err := rows.Scan(&m.ID, &m.UserID, &m.Title, &m.Created,
			&m.LastActivity, &m.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// RenameSession updates a session title.
func (s *Store) RenameSession(id, title string) error {
	res, err := s.db.Exec(`UPDATE sessions SET title=? WHERE id=?`, title, id)
	if err != nil {
		return fmt.Errorf("failed to rename session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session and all of its messages and attachment
// references.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
