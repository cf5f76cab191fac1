// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUserAndSession(t *testing.T, s *Store) (*User, string) {
	t.Helper()
	u, err := s.CreateUser("alice", "hunter2-but-longer", RoleStandard)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	sessID := "sess-1"
	if err := s.InsertSession(sessID, u.ID, "First chat"); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	return u, sessID
}

// =============================================================================
// SCHEMA TESTS
// =============================================================================

func TestOpen_RecordsSchemaVersion(t *testing.T) {
	s := openTestStore(t)

	v, err := s.ReadSchemaVersion()
	if err != nil {
		t.Fatalf("ReadSchemaVersion failed: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("schema version = %q, want %q", v, SchemaVersion)
	}
}

// =============================================================================
// USER TESTS
// =============================================================================

func TestCreateUser_And_Authenticate(t *testing.T) {
	s := openTestStore(t)

	u, err := s.CreateUser("bob", "correct horse battery staple", RoleStandard)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if u.Role != RoleStandard {
		t.Errorf("role = %q, want standard", u.Role)
	}

	got, err := s.Authenticate("bob", "correct horse battery staple")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("authenticated id = %d, want %d", got.ID, u.ID)
	}
	if got.LastLogin == 0 {
		t.Error("LastLogin should be stamped on successful login")
	}

	if _, err := s.Authenticate("bob", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("wrong password error = %v, want ErrBadCredentials", err)
	}
	if _, err := s.Authenticate("nobody", "x"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("unknown user error = %v, want ErrBadCredentials", err)
	}
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.CreateUser("carol", "pw-one-longer", RoleStandard); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	_, err := s.CreateUser("carol", "pw-two-longer", RoleStandard)
	if !errors.Is(err, ErrDuplicateUsername) {
		t.Errorf("duplicate error = %v, want ErrDuplicateUsername", err)
	}
}

func TestDeleteUser_LastAdminGuard(t *testing.T) {
	s := openTestStore(t)

	admin, err := s.CreateUser("root", "admin-password", RoleAdmin)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	if err := s.DeleteUser(admin.ID); !errors.Is(err, ErrLastAdmin) {
		t.Errorf("DeleteUser error = %v, want ErrLastAdmin", err)
	}
	if err := s.SetUserRole(admin.ID, RoleStandard); !errors.Is(err, ErrLastAdmin) {
		t.Errorf("SetUserRole error = %v, want ErrLastAdmin", err)
	}

	// A second admin releases the guard.
	if _, err := s.CreateUser("root2", "admin-password", RoleAdmin); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if err := s.DeleteUser(admin.ID); err != nil {
		t.Errorf("DeleteUser with a second admin failed: %v", err)
	}
}

func TestDeleteUser_CascadesSessions(t *testing.T) {
	s := openTestStore(t)
	u, sessID := seedUserAndSession(t, s)
	if _, err := s.AppendMessage(sessID, RoleUser, "hello", StatusComplete); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	// Guard requires another admin to exist only for admins; standard user
	// deletion is unconditional.
	if err := s.DeleteUser(u.ID); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if _, err := s.GetSession(sessID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession after cascade = %v, want ErrSessionNotFound", err)
	}
}

// =============================================================================
// SEQUENCE TESTS
// =============================================================================

func TestAppendMessage_SequencesAreGapFree(t *testing.T) {
	s := openTestStore(t)
	_, sessID := seedUserAndSession(t, s)

	for i := 0; i < 5; i++ {
		m, err := s.AppendMessage(sessID, RoleUser, "msg", StatusComplete)
		if err != nil {
			t.Fatalf("AppendMessage #%d failed: %v", i, err)
		}
		if m.Seq != i {
			t.Errorf("seq = %d, want %d", m.Seq, i)
		}
	}

	// Cancelled messages keep their slot; the next append continues after.
	m, err := s.AppendMessage(sessID, RoleAssistant, "partial", StatusStreaming)
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := s.FinalizeMessage(sessID, m.Seq, "partial", StatusCancelled, ""); err != nil {
		t.Fatalf("FinalizeMessage failed: %v", err)
	}
	next, err := s.AppendMessage(sessID, RoleUser, "again", StatusComplete)
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if next.Seq != m.Seq+1 {
		t.Errorf("seq after cancel = %d, want %d", next.Seq, m.Seq+1)
	}
}

// =============================================================================
// STREAMING ROW TESTS
// =============================================================================

func TestUpdateStreaming_RejectsTerminalRows(t *testing.T) {
	s := openTestStore(t)
	_, sessID := seedUserAndSession(t, s)

	m, err := s.AppendMessage(sessID, RoleAssistant, "", StatusStreaming)
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	if err := s.UpdateStreaming(sessID, m.Seq, "some text", StatusStreaming); err != nil {
		t.Fatalf("UpdateStreaming failed: %v", err)
	}
	if err := s.FinalizeMessage(sessID, m.Seq, "some text", StatusComplete, ""); err != nil {
		t.Fatalf("FinalizeMessage failed: %v", err)
	}

	err = s.UpdateStreaming(sessID, m.Seq, "tampered", StatusStreaming)
	if !errors.Is(err, ErrTerminalMessage) {
		t.Errorf("UpdateStreaming on terminal row = %v, want ErrTerminalMessage", err)
	}
	err = s.FinalizeMessage(sessID, m.Seq, "tampered", StatusCancelled, "")
	if !errors.Is(err, ErrTerminalMessage) {
		t.Errorf("FinalizeMessage on terminal row = %v, want ErrTerminalMessage", err)
	}

	// Content is untouched.
	history, err := s.LoadHistory(sessID)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if history[m.Seq].Content != "some text" {
		t.Errorf("content = %q, want %q", history[m.Seq].Content, "some text")
	}
}

func TestUpdateStreaming_MissingRow(t *testing.T) {
	s := openTestStore(t)
	_, sessID := seedUserAndSession(t, s)

	err := s.UpdateStreaming(sessID, 42, "x", StatusStreaming)
	if !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("UpdateStreaming = %v, want ErrMessageNotFound", err)
	}
}

// =============================================================================
// HISTORY / RECOVERY TESTS
// =============================================================================

func TestLoadHistory_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	u, err := s.CreateUser("dave", "a decent password", RoleStandard)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	sessID := "sess-rt"
	if err := s.InsertSession(sessID, u.ID, "Round trip"); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}

	if _, err := s.AppendMessage(sessID, RoleUser, "Hello", StatusComplete); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	asst, err := s.AppendMessage(sessID, RoleAssistant, "Hi there", StatusStreaming)
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := s.FinalizeMessage(sessID, asst.Seq, "Hi there!", StatusComplete, ""); err != nil {
		t.Fatalf("FinalizeMessage failed: %v", err)
	}
	refs := []AttachmentRef{{
		ID: "att-1", SessionID: sessID, Seq: 0,
		SHA256: "abc123", MIME: "image/png",
		OriginalName: "cat.png", SizeBytes: 1234, ThumbPath: "/tmp/thumb.png",
	}}
	if err := s.InsertAttachmentRefs(refs); err != nil {
		t.Fatalf("InsertAttachmentRefs failed: %v", err)
	}

	before, err := s.LoadHistory(sessID)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	s.Close()

	// Simulate a restart.
	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	after, err := s2.LoadHistory(sessID)
	if err != nil {
		t.Fatalf("LoadHistory after reopen failed: %v", err)
	}

	if len(after) != len(before) {
		t.Fatalf("message count = %d, want %d", len(after), len(before))
	}
	for i := range before {
		if after[i].Seq != before[i].Seq ||
			after[i].Role != before[i].Role ||
			after[i].Content != before[i].Content ||
			after[i].Status != before[i].Status {
			t.Errorf("message %d differs after reload: %+v vs %+v", i, after[i], before[i])
		}
	}
	if len(after[0].Attachments) != 1 || after[0].Attachments[0].SHA256 != "abc123" {
		t.Errorf("attachment refs not reproduced: %+v", after[0].Attachments)
	}
}

func TestLoadHistory_LiveStreamingRowKeepsItsStatus(t *testing.T) {
	s := openTestStore(t)
	_, sessID := seedUserAndSession(t, s)

	if _, err := s.AppendMessage(sessID, RoleUser, "prompt", StatusComplete); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	m, err := s.AppendMessage(sessID, RoleAssistant, "", StatusQueued)
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	history, err := s.LoadHistory(sessID)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if got := history[m.Seq].Status; got != StatusQueued {
		t.Errorf("queued row status = %q, want queued", got)
	}

	if err := s.UpdateStreaming(sessID, m.Seq, "partial so far", StatusStreaming); err != nil {
		t.Fatalf("UpdateStreaming failed: %v", err)
	}
	history, err = s.LoadHistory(sessID)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	got := history[m.Seq]
	if got.Status != StatusStreaming {
		t.Errorf("live row status = %q, want streaming", got.Status)
	}
	if got.Content != "partial so far" {
		t.Errorf("content = %q, want the persisted snapshot", got.Content)
	}
}

func TestReopen_MarksInterruptedCancelled(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	u, err := s.CreateUser("erin", "a decent password", RoleStandard)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	sessID := "sess-crash"
	if err := s.InsertSession(sessID, u.ID, "Crash"); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	m, err := s.AppendMessage(sessID, RoleAssistant, "", StatusStreaming)
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := s.UpdateStreaming(sessID, m.Seq, "partial text", StatusStreaming); err != nil {
		t.Fatalf("UpdateStreaming failed: %v", err)
	}
	// No finalize: simulate a crash.
	s.Close()

	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	history, err := s2.LoadHistory(sessID)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	got := history[m.Seq]
	if got.Status != StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	if got.Content != "partial text" {
		t.Errorf("content = %q, want the last persisted partial", got.Content)
	}
}

// =============================================================================
// SESSION LISTING TESTS
// =============================================================================

func TestListSessions_OrderedByLastActivity(t *testing.T) {
	s := openTestStore(t)
	u, err := s.CreateUser("frank", "a decent password", RoleStandard)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	for _, id := range []string{"s-old", "s-mid", "s-new"} {
		if err := s.InsertSession(id, u.ID, id); err != nil {
			t.Fatalf("InsertSession failed: %v", err)
		}
	}
	// last_activity has second granularity; force distinct ordering.
	for i, id := range []string{"s-old", "s-mid", "s-new"} {
		ts := time.Now().Unix() + int64(i)
		if _, err := s.db.Exec(
			`UPDATE sessions SET last_activity=? WHERE id=?`, ts, id); err != nil {
			t.Fatalf("failed to adjust activity: %v", err)
		}
	}

	metas, err := s.ListSessions(u.ID)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(metas) != 3 {
		t.Fatalf("got %d sessions, want 3", len(metas))
	}
	want := []string{"s-new", "s-mid", "s-old"}
	for i, m := range metas {
		if m.ID != want[i] {
			t.Errorf("position %d = %q, want %q", i, m.ID, want[i])
		}
	}
}
