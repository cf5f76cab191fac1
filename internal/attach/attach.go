// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package attach stages, thumbnails, and resolves file-backed attachments.
package attach

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hamwisk/HamChat/internal/store"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAttachmentNotFound indicates an unknown attachment id or a missing
	// blob for a persisted reference.
	ErrAttachmentNotFound = errors.New("attachment not found")

	// ErrAttachmentUnreadable indicates the source file could not be read.
	// Nothing is staged when this is returned.
	ErrAttachmentUnreadable = errors.New("attachment unreadable")
)

// =============================================================================
// TYPES
// =============================================================================

// Attachment is a staged file not yet bound to a message.
type Attachment struct {
	ID           string
	SHA256       string
	MIME         string
	OriginalName string
	SizeBytes    int64
	ThumbPath    string
	Staged       time.Time
}

// Store manages the content-addressed blob directory and the current
// outgoing draft of staged attachments. Blobs live at <root>/cas/<sha256>;
// identical content stages to the same blob.
type Store struct {
	mu     sync.Mutex
	root   string
	staged []*Attachment
	db     *store.Store
	log    *slog.Logger
}

// New creates an attachment store rooted at dataRoot. Bound references are
// persisted through db.
func New(dataRoot string, db *store.Store, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		root: dataRoot,
		db:   db,
		log:  log.With(slog.String("component", "attach")),
	}
	for _, dir := range []string{s.casDir(), s.thumbDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create attachment dir: %w", err)
		}
	}
	return s, nil
}

func (s *Store) casDir() string   { return filepath.Join(s.root, "cas") }
func (s *Store) thumbDir() string { return filepath.Join(s.root, "thumbs") }

func (s *Store) blobPath(sha string) string {
	return filepath.Join(s.casDir(), sha)
}

// =============================================================================
// STAGING
// =============================================================================

// Stage validates that path exists and is readable, copies its content into
// the blob directory, generates a best-effort thumbnail, and adds the result
// to the outgoing draft. On any read failure nothing is staged.
func (s *Store) Stage(path string) (*Attachment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachmentUnreadable, err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachmentUnreadable, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: not a readable file", ErrAttachmentUnreadable)
	}

	sha, size, head, err := s.ingest(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachmentUnreadable, err)
	}

	att := &Attachment{
		ID:           uuid.New().String(),
		SHA256:       sha,
		MIME:         detectMIME(abs, head),
		OriginalName: filepath.Base(abs),
		SizeBytes:    size,
		Staged:       time.Now(),
	}

	// Thumbnail failure is non-fatal; the placeholder stands in.
	thumb, err := s.makeThumbnail(sha)
	if err != nil {
		s.log.Debug("thumbnail generation failed",
			slog.String("name", att.OriginalName),
			slog.String("error", err.Error()))
		thumb = s.placeholderPath()
	}
	att.ThumbPath = thumb

	s.mu.Lock()
	s.staged = append(s.staged, att)
	s.mu.Unlock()

	s.log.Debug("staged attachment",
		slog.String("id", att.ID),
		slog.String("sha256", sha),
		slog.Int64("size", size))
	return att, nil
}

// ingest copies the reader into the blob directory, de-duplicating on
// content hash. Returns the hash, byte count, and the first bytes for MIME
// sniffing.
func (s *Store) ingest(r io.Reader) (sha string, size int64, head []byte, err error) {
	tmp, err := os.CreateTemp(s.casDir(), ".staging-")
	if err != nil {
		return "", 0, nil, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	head = make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		tmp.Close()
		return "", 0, nil, err
	}
	head = head[:n]

	if _, err := io.MultiWriter(h, tmp).Write(head); err != nil {
		tmp.Close()
		return "", 0, nil, err
	}
	rest, err := io.Copy(io.MultiWriter(h, tmp), r)
	if err != nil {
		tmp.Close()
		return "", 0, nil, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", 0, nil, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, nil, err
	}

	sha = hex.EncodeToString(h.Sum(nil))
	size = int64(n) + rest

	dest := s.blobPath(sha)
	if _, err := os.Stat(dest); err == nil {
		// Content already present; the temp copy is redundant.
		return sha, size, head, nil
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", 0, nil, err
	}
	return sha, size, head, nil
}

func detectMIME(path string, head []byte) string {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	if len(head) > 0 {
		return http.DetectContentType(head)
	}
	return "application/octet-stream"
}

// =============================================================================
// DRAFT OPERATIONS
// =============================================================================

// ListStaged returns a copy of the current draft in staging order.
func (s *Store) ListStaged() []Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attachment, len(s.staged))
	for i, a := range s.staged {
		out[i] = *a
	}
	return out
}

// Discard removes one staged attachment from the draft by id. The blob stays
// in the content store; other references may share it.
func (s *Store) Discard(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.staged {
		if a.ID == id {
			s.staged = append(s.staged[:i], s.staged[i+1:]...)
			return nil
		}
	}
	return ErrAttachmentNotFound
}

// OpenAt returns the blob path of the staged attachment at index i, for the
// "open attachment" user intent on the outgoing draft.
func (s *Store) OpenAt(i int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.staged) {
		return "", ErrAttachmentNotFound
	}
	return s.blobPath(s.staged[i].SHA256), nil
}

// RemoveAt removes the staged attachment at index i from the draft.
func (s *Store) RemoveAt(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.staged) {
		return ErrAttachmentNotFound
	}
	s.staged = append(s.staged[:i], s.staged[i+1:]...)
	return nil
}

// =============================================================================
// BINDING AND RESOLUTION
// =============================================================================

// Bind attaches the staged items named by ids to the message at
// (sessionID, seq), persists the references, and clears the draft. Staged
// items not named are discarded: the draft belongs to the message being
// sent. Unknown ids fail before anything is persisted.
func (s *Store) Bind(ids []string, sessionID string, seq int) ([]store.AttachmentRef, error) {
	s.mu.Lock()
	byID := make(map[string]*Attachment, len(s.staged))
	for _, a := range s.staged {
		byID[a.ID] = a
	}

	refs := make([]store.AttachmentRef, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAttachmentNotFound, id)
		}
		refs = append(refs, store.AttachmentRef{
			ID:           a.ID,
			SessionID:    sessionID,
			Seq:          seq,
			SHA256:       a.SHA256,
			MIME:         a.MIME,
			OriginalName: a.OriginalName,
			SizeBytes:    a.SizeBytes,
			ThumbPath:    a.ThumbPath,
		})
	}
	s.staged = nil
	s.mu.Unlock()

	if len(refs) == 0 {
		return nil, nil
	}
	if err := s.db.InsertAttachmentRefs(refs); err != nil {
		return nil, fmt.Errorf("failed to persist attachment refs: %w", err)
	}
	return refs, nil
}

// Resolve returns the absolute blob path for a persisted reference.
func (s *Store) Resolve(ref store.AttachmentRef) (string, error) {
	p := s.blobPath(ref.SHA256)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("%w: blob %s", ErrAttachmentNotFound, ref.SHA256)
	}
	return p, nil
}

// ReadBlob returns the raw content of a stored blob, used to build vision
// image parts for the backend request.
func (s *Store) ReadBlob(sha string) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(sha))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: blob %s", ErrAttachmentNotFound, sha)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachmentUnreadable, err)
	}
	return data, nil
}
