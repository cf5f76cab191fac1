// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attach

import (
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hamwisk/HamChat/internal/store"
)

func newTestStores(t *testing.T) (*Store, *store.Store, string) {
	t.Helper()
	root := t.TempDir()
	db, err := store.Open(root, nil)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	as, err := New(root, db, nil)
	if err != nil {
		t.Fatalf("attach.New failed: %v", err)
	}
	return as, db, root
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	return path
}

func writeTempPNG(t *testing.T, name string, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create fixture: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}
	return path
}

// =============================================================================
// STAGING TESTS
// =============================================================================

func TestStage_StoresBlobAndDrafts(t *testing.T) {
	as, _, root := newTestStores(t)

	src := writeTempFile(t, "notes.txt", "hello attachment")
	att, err := as.Stage(src)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if att.SizeBytes != int64(len("hello attachment")) {
		t.Errorf("size = %d, want %d", att.SizeBytes, len("hello attachment"))
	}
	if att.OriginalName != "notes.txt" {
		t.Errorf("name = %q, want notes.txt", att.OriginalName)
	}

	blob := filepath.Join(root, "cas", att.SHA256)
	data, err := os.ReadFile(blob)
	if err != nil {
		t.Fatalf("blob not written: %v", err)
	}
	if string(data) != "hello attachment" {
		t.Errorf("blob content = %q", data)
	}

	staged := as.ListStaged()
	if len(staged) != 1 || staged[0].ID != att.ID {
		t.Errorf("draft = %+v, want the staged attachment", staged)
	}
}

func TestStage_UnreadableStagesNothing(t *testing.T) {
	as, _, _ := newTestStores(t)

	_, err := as.Stage(filepath.Join(t.TempDir(), "does-not-exist.bin"))
	if !errors.Is(err, ErrAttachmentUnreadable) {
		t.Fatalf("error = %v, want ErrAttachmentUnreadable", err)
	}
	if n := len(as.ListStaged()); n != 0 {
		t.Errorf("draft has %d entries after failed stage, want 0", n)
	}
}

func TestStage_DeduplicatesByContent(t *testing.T) {
	as, _, root := newTestStores(t)

	a1, err := as.Stage(writeTempFile(t, "one.txt", "same bytes"))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	a2, err := as.Stage(writeTempFile(t, "two.txt", "same bytes"))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	if a1.SHA256 != a2.SHA256 {
		t.Errorf("hashes differ for identical content: %s vs %s", a1.SHA256, a2.SHA256)
	}
	if a1.ID == a2.ID {
		t.Error("staged entries should have distinct ids")
	}

	entries, err := os.ReadDir(filepath.Join(root, "cas"))
	if err != nil {
		t.Fatalf("failed to read cas dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("cas holds %d blobs, want 1", len(entries))
	}
}

func TestStage_ImageGetsThumbnail(t *testing.T) {
	as, _, _ := newTestStores(t)

	att, err := as.Stage(writeTempPNG(t, "photo.png", 300, 200))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if !strings.Contains(filepath.Base(att.ThumbPath), att.SHA256) {
		t.Errorf("thumb path %q not keyed by content hash", att.ThumbPath)
	}

	f, err := os.Open(att.ThumbPath)
	if err != nil {
		t.Fatalf("thumbnail not written: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("thumbnail not a PNG: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != thumbSize || b.Dy() != thumbSize {
		t.Errorf("thumbnail is %dx%d, want %dx%d square", b.Dx(), b.Dy(), thumbSize, thumbSize)
	}
}

func TestStage_NonImageGetsPlaceholder(t *testing.T) {
	as, _, _ := newTestStores(t)

	att, err := as.Stage(writeTempFile(t, "doc.txt", "plain text"))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if filepath.Base(att.ThumbPath) != "placeholder.png" {
		t.Errorf("thumb path = %q, want the placeholder", att.ThumbPath)
	}
	if _, err := os.Stat(att.ThumbPath); err != nil {
		t.Errorf("placeholder not written: %v", err)
	}
}

// =============================================================================
// DRAFT OPERATION TESTS
// =============================================================================

func TestDraft_DiscardAndRemoveAt(t *testing.T) {
	as, _, _ := newTestStores(t)

	a1, _ := as.Stage(writeTempFile(t, "a.txt", "aaa"))
	a2, _ := as.Stage(writeTempFile(t, "b.txt", "bbb"))
	a3, _ := as.Stage(writeTempFile(t, "c.txt", "ccc"))

	if err := as.Discard(a2.ID); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if err := as.Discard("no-such-id"); !errors.Is(err, ErrAttachmentNotFound) {
		t.Errorf("Discard unknown = %v, want ErrAttachmentNotFound", err)
	}

	if err := as.RemoveAt(0); err != nil {
		t.Fatalf("RemoveAt failed: %v", err)
	}
	if err := as.RemoveAt(5); !errors.Is(err, ErrAttachmentNotFound) {
		t.Errorf("RemoveAt out of range = %v, want ErrAttachmentNotFound", err)
	}

	staged := as.ListStaged()
	if len(staged) != 1 || staged[0].ID != a3.ID {
		t.Errorf("draft = %+v, want only %s", staged, a3.ID)
	}

	path, err := as.OpenAt(0)
	if err != nil {
		t.Fatalf("OpenAt failed: %v", err)
	}
	if !strings.Contains(path, a1.SHA256) && !strings.Contains(path, a3.SHA256) {
		t.Errorf("OpenAt path %q is not a cas blob path", path)
	}
}

// =============================================================================
// BIND / RESOLVE TESTS
// =============================================================================

func TestBind_PersistsRefsAndClearsDraft(t *testing.T) {
	as, db, _ := newTestStores(t)

	u, err := db.CreateUser("gina", "a decent password", store.RoleStandard)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if err := db.InsertSession("sess-bind", u.ID, "Bind"); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	msg, err := db.AppendMessage("sess-bind", store.RoleUser, "look at this", store.StatusComplete)
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	a1, _ := as.Stage(writeTempFile(t, "keep.txt", "keep me"))
	if _, err := as.Stage(writeTempFile(t, "drop.txt", "drop me")); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	refs, err := as.Bind([]string{a1.ID}, "sess-bind", msg.Seq)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if len(refs) != 1 || refs[0].SHA256 != a1.SHA256 {
		t.Fatalf("refs = %+v, want one ref for %s", refs, a1.SHA256)
	}

	// Unbound staged items are discarded with the draft.
	if n := len(as.ListStaged()); n != 0 {
		t.Errorf("draft has %d entries after bind, want 0", n)
	}

	history, err := db.LoadHistory("sess-bind")
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	got := history[msg.Seq].Attachments
	if len(got) != 1 || got[0].OriginalName != "keep.txt" {
		t.Errorf("persisted refs = %+v", got)
	}

	// Resolve round-trips to the blob.
	path, err := as.Resolve(got[0])
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "keep me" {
		t.Errorf("resolved blob = %q, %v", data, err)
	}
}

func TestBind_UnknownIDFailsBeforePersisting(t *testing.T) {
	as, db, _ := newTestStores(t)

	u, _ := db.CreateUser("hank", "a decent password", store.RoleStandard)
	if err := db.InsertSession("sess-x", u.ID, "X"); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	msg, _ := db.AppendMessage("sess-x", store.RoleUser, "hi", store.StatusComplete)

	if _, err := as.Stage(writeTempFile(t, "real.txt", "real")); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	_, err := as.Bind([]string{"ghost-id"}, "sess-x", msg.Seq)
	if !errors.Is(err, ErrAttachmentNotFound) {
		t.Fatalf("Bind unknown id = %v, want ErrAttachmentNotFound", err)
	}

	history, err := db.LoadHistory("sess-x")
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(history[msg.Seq].Attachments) != 0 {
		t.Error("refs persisted despite bind failure")
	}
}

func TestResolve_MissingBlob(t *testing.T) {
	as, _, _ := newTestStores(t)

	_, err := as.Resolve(store.AttachmentRef{SHA256: strings.Repeat("0", 64)})
	if !errors.Is(err, ErrAttachmentNotFound) {
		t.Errorf("Resolve missing blob = %v, want ErrAttachmentNotFound", err)
	}
	_, err = as.ReadBlob(strings.Repeat("0", 64))
	if !errors.Is(err, ErrAttachmentNotFound) {
		t.Errorf("ReadBlob missing blob = %v, want ErrAttachmentNotFound", err)
	}
}
