// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"crypto/hmac"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// isUniqueViolation detects a UNIQUE constraint failure from the sqlite
// driver without depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// =============================================================================
// PASSWORD HASHING
// =============================================================================

// scrypt parameters: N=2^14, r=8, p=1, 32-byte key.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

func hashPassword(plain string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(plain), salt, scryptN, scryptR, scryptP, scryptKeyLen)
}

func verifyPassword(plain string, salt, expect []byte) bool {
	trial, err := hashPassword(plain, salt)
	if err != nil {
		return false
	}
	return hmac.Equal(trial, expect)
}

// =============================================================================
// USER OPERATIONS
// =============================================================================

// CreateUser creates a local account with a scrypt-hashed password.
func (s *Store) CreateUser(username, password string, role UserRole) (*User, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	pwHash, err := hashPassword(password, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	ts := now()
	res, err := s.db.Exec(
		`INSERT INTO users(username, role, pw_salt, pw_hash, created, updated)
		 VALUES(?,?,?,?,?,?)`,
		username, string(role), salt, pwHash, ts, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateUsername
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read new user id: %w", err)
	}

	return &User{ID: id, Username: username, Role: role, Created: ts, Updated: ts}, nil
}

// Authenticate verifies a username/password pair and stamps last_login.
// Returns ErrBadCredentials for both unknown users and wrong passwords so
// callers cannot probe for account existence.
func (s *Store) Authenticate(username, password string) (*User, error) {
	var (
		u      User
		salt   []byte
		pwHash []byte
	)
	err := s.db.QueryRow(
		`SELECT id, username, role, pw_salt, pw_hash, created, updated,
		        COALESCE(last_login, 0)
		 FROM users WHERE username=?`, username).
		Scan(&u.ID, &u.Username, (*string)(&u.Role), &salt, &pwHash,
			&u.Created, &u.Updated, &u.LastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if !verifyPassword(password, salt, pwHash) {
		return nil, ErrBadCredentials
	}

	ts := now()
	if _, err := s.db.Exec(
		`UPDATE users SET last_login=?, updated=? WHERE id=?`, ts, ts, u.ID); err != nil {
		return nil, fmt.Errorf("failed to stamp last login: %w", err)
	}
	u.LastLogin = ts
	return &u, nil
}

// GetUserByUsername loads a user by name.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	var u User
	err := s.db.QueryRow(
		`SELECT id, username, role, created, updated, COALESCE(last_login, 0)
		 FROM users WHERE username=?`, username).
		Scan(&u.ID, &u.Username, (*string)(&u.Role), &u.Created, &u.Updated, &u.LastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(id int64) (*User, error) {
	var u User
	err := s.db.QueryRow(
		`SELECT id, username, role, created, updated, COALESCE(last_login, 0)
		 FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Username, (*string)(&u.Role), &u.Created, &u.Updated, &u.LastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

// SetUserRole changes an account's role. Demoting the only admin is refused.
func (s *Store) SetUserRole(id int64, role UserRole) error {
	if role != RoleAdmin {
		u, err := s.GetUser(id)
		if err != nil {
			return err
		}
		if u.Role == RoleAdmin {
			n, err := s.CountAdmins()
			if err != nil {
				return err
			}
			if n <= 1 {
				return ErrLastAdmin
			}
		}
	}

	res, err := s.db.Exec(
		`UPDATE users SET role=?, updated=? WHERE id=?`, string(role), now(), id)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeleteUser removes an account; owned sessions and messages cascade.
// Deleting the last admin is refused.
func (s *Store) DeleteUser(id int64) error {
	u, err := s.GetUser(id)
	if err != nil {
		return err
	}
	if u.Role == RoleAdmin {
		n, err := s.CountAdmins()
		if err != nil {
			return err
		}
		if n <= 1 {
			return ErrLastAdmin
		}
	}

	if _, err := s.db.Exec(`DELETE FROM users WHERE id=?`, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// CountAdmins returns the number of admin accounts.
func (s *Store) CountAdmins() (int, error) {
	var n int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM users WHERE role='admin'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count admins: %w", err)
	}
	return n, nil
}

// AdminExists reports whether any admin account has been created yet.
func (s *Store) AdminExists() (bool, error) {
	n, err := s.CountAdmins()
	return n > 0, err
}
