// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides the durable SQLite-backed history store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SchemaVersion identifies the on-disk schema. Bumped on layout changes.
const SchemaVersion = "2025-11-06.0"

const dbFilename = "ham_mem.db"

// =============================================================================
// STORE
// =============================================================================

// Store is the single writer of truth for persisted users, sessions, and
// messages. All mutation goes through it; SQLite's single-connection pool
// serializes writes.
type Store struct {
	db   *sql.DB
	root string
	log  *slog.Logger
}

// Open creates or opens the history database under dataRoot and runs
// recovery: any message left non-terminal by a previous shutdown is marked
// cancelled, preserving its partial content.
func Open(dataRoot string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}

	dbPath := filepath.Join(dataRoot, dbFilename)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{
		db:   db,
		root: dataRoot,
		log:  log.With(slog.String("component", "store")),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	recovered, err := s.RecoverInterrupted()
	if err != nil {
		db.Close()
		return nil, err
	}
	if recovered > 0 {
		s.log.Info("recovered interrupted messages", slog.Int("count", recovered))
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Root returns the data root directory this store persists under.
func (s *Store) Root() string {
	return s.root
}

// =============================================================================
// SCHEMA
// =============================================================================

func (s *Store) initSchema() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			username   TEXT NOT NULL UNIQUE,
			role       TEXT NOT NULL CHECK (role IN ('standard','admin')),
			pw_salt    BLOB NOT NULL,
			pw_hash    BLOB NOT NULL,
			created    INTEGER NOT NULL,
			updated    INTEGER NOT NULL,
			last_login INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			title         TEXT NOT NULL,
			created       INTEGER NOT NULL,
			last_activity INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user
			ON sessions(user_id, last_activity DESC)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq           INTEGER NOT NULL,
			role          TEXT NOT NULL CHECK (role IN ('user','assistant','system')),
			content       TEXT NOT NULL,
			status        TEXT NOT NULL CHECK (status IN ('queued','streaming','complete','cancelled','error')),
			error_summary TEXT NOT NULL DEFAULT '',
			created       INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id              TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sha256          TEXT NOT NULL,
			mime            TEXT NOT NULL,
			original_name   TEXT NOT NULL,
			size_bytes      INTEGER NOT NULL,
			thumb_path      TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (session_id, seq) REFERENCES messages(session_id, seq) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message
			ON attachments(session_id, seq)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO meta(key, value) VALUES('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`, SchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// ReadSchemaVersion returns the schema version recorded in the database.
func (s *Store) ReadSchemaVersion() (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key='schema_version'`).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// now returns the wall clock as a unix timestamp, the storage time format.
func now() int64 {
	return time.Now().Unix()
}
