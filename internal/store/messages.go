// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// AppendMessage appends a message to a session's log and returns it with its
// allocated sequence index. Sequence allocation happens inside the insert
// transaction, so indices are strictly increasing and gap-free even under
// concurrent appends to different sessions.
func (s *Store) AppendMessage(sessionID string, role MessageRole, content string, status Status) (*Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE id=?`, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return nil, ErrSessionNotFound
	}

	var seq int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id=?`,
		sessionID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	ts := now()
	if _, err := tx.Exec(
		`INSERT INTO messages(session_id, seq, role, content, status, created)
		 VALUES(?,?,?,?,?,?)`,
		sessionID, seq, string(role), content, string(status), ts); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE sessions SET last_activity=? WHERE id=?`, ts, sessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}

	return &Message{
		SessionID: sessionID,
		Seq:       seq,
		Role:      role,
		Content:   content,
		Status:    status,
		Created:   ts,
	}, nil
}

// UpdateStreaming overwrites the content and status of the one in-flight
// message row. This is the single permitted mutation of an existing row and
// is constrained to non-terminal rows: a terminal row is never touched.
// The write is a full-content overwrite, never an append of fragments, so a
// crash leaves the row at its last fully persisted state.
func (s *Store) UpdateStreaming(sessionID string, seq int, content string, status Status) error {
	res, err := s.db.Exec(
		`UPDATE messages SET content=?, status=?
		 WHERE session_id=? AND seq=?
		   AND status NOT IN ('complete','cancelled','error')`,
		content, string(status), sessionID, seq)
	if err != nil {
		return fmt.Errorf("failed to update streaming message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish a missing row from an already-terminal one.
		var st string
		err := s.db.QueryRow(
			`SELECT status FROM messages WHERE session_id=? AND seq=?`,
			sessionID, seq).Scan(&st)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check message status: %w", err)
		}
		return ErrTerminalMessage
	}
	return nil
}

// FinalizeMessage transitions the in-flight row to a terminal status with
// its complete accumulated content and optional error summary.
func (s *Store) FinalizeMessage(sessionID string, seq int, content string, status Status, errSummary string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", status)
	}
	res, err := s.db.Exec(
		`UPDATE messages SET content=?, status=?, error_summary=?
		 WHERE session_id=? AND seq=?
		   AND status NOT IN ('complete','cancelled','error')`,
		content, string(status), errSummary, sessionID, seq)
	if err != nil {
		return fmt.Errorf("failed to finalize message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var st string
		err := s.db.QueryRow(
			`SELECT status FROM messages WHERE session_id=? AND seq=?`,
			sessionID, seq).Scan(&st)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check message status: %w", err)
		}
		return ErrTerminalMessage
	}
	return nil
}

// LoadHistory returns a session's messages in sequence order, including
// attachment references. Rows surface with their stored status: a queued or
// streaming row belongs to a live generation and its content is the last
// fully persisted snapshot. Rows orphaned by an unclean shutdown are already
// remapped to cancelled by RecoverInterrupted at open.
func (s *Store) LoadHistory(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT session_id, seq, role, content, status, error_summary, created
		 FROM messages WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var role, status string
		if err := rows.Scan(&m.SessionID, &m.Seq, &role, &m.Content,
			&status, &m.ErrorSummary, &m.Created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = MessageRole(role)
		m.Status = Status(status)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachRefs(sessionID, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// RecoverInterrupted marks every non-terminal message as cancelled,
// preserving partial content. Run once at open; afterwards the log contains
// only terminal rows plus at most one in-flight row per active session.
func (s *Store) RecoverInterrupted() (int, error) {
	res, err := s.db.Exec(
		`UPDATE messages SET status='cancelled'
		 WHERE status NOT IN ('complete','cancelled','error')`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// ATTACHMENT REFERENCES
// =============================================================================

// InsertAttachmentRefs persists attachment references for a message.
func (s *Store) InsertAttachmentRefs(refs []AttachmentRef) error {
	if len(refs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin attachment insert: %w", err)
	}
	defer tx.Rollback()

	for _, ref := range refs {
		if _, err := tx.Exec(
			`INSERT INTO attachments(id, session_id, seq, sha256, mime,
			                         original_name, size_bytes, thumb_path)
			 VALUES(?,?,?,?,?,?,?,?)`,
			ref.ID, ref.SessionID, ref.Seq, ref.SHA256, ref.MIME,
			ref.OriginalName, ref.SizeBytes, ref.ThumbPath); err != nil {
			return fmt.Errorf("failed to insert attachment ref: %w", err)
		}
	}
	return tx.Commit()
}

// attachRefs loads attachment references for a slice of messages in place.
func (s *Store) attachRefs(sessionID string, msgs []Message) error {
	rows, err := s.db.Query(
		`SELECT id, session_id, seq, sha256, mime, original_name, size_bytes, thumb_path
		 FROM attachments WHERE session_id=? ORDER BY seq ASC, id ASC`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load attachment refs: %w", err)
	}
	defer rows.Close()

	bySeq := make(map[int][]AttachmentRef)
	for rows.Next() {
		var ref AttachmentRef
		if err := rows.Scan(&ref.ID, &ref.SessionID, &ref.Seq, &ref.SHA256,
			&ref.MIME, &ref.OriginalName, &ref.SizeBytes, &ref.ThumbPath); err != nil {
			return fmt.Errorf("failed to scan attachment ref: %w", err)
		}
		bySeq[ref.Seq] = append(bySeq[ref.Seq], ref)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range msgs {
		msgs[i].Attachments = bySeq[msgs[i].Seq]
	}
	return nil
}
