package summary

import (
	"testing"
	"time"

	"spilled.ink/imapcore/uid"
	"spilled.ink/imapcore/wire"
)

func newTestSummary(t *testing.T) *FolderSummary {
	t.Helper()
	dir := t.TempDir()
	fs, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestInsertAndIndex(t *testing.T) {
	fs := newTestSummary(t)
	m := MessageInfo{UID: uid.Server(1), Flags: wire.FlagSeen, ServerFlags: wire.FlagSeen, Size: 100, InternalDate: time.Unix(1000, 0)}
	if err := fs.Insert(m); err != nil {
		t.Fatal(err)
	}
	if fs.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", fs.Count())
	}
	got, ok := fs.Index(0)
	if !ok {
		t.Fatal("expected Index(0) to find entry")
	}
	if got.UID != m.UID || got.Size != m.Size {
		t.Errorf("got %+v, want %+v", got, m)
	}
}

func TestByUID(t *testing.T) {
	fs := newTestSummary(t)
	fs.Insert(MessageInfo{UID: uid.Server(5)})
	m, idx, ok := fs.ByUID(uid.Server(5))
	if !ok || idx != 0 {
		t.Fatalf("got (%+v, %d, %v)", m, idx, ok)
	}
	if _, _, ok := fs.ByUID(uid.Server(99)); ok {
		t.Error("expected lookup of unknown UID to fail")
	}
}

func TestCountersTrackSeenDeletedJunk(t *testing.T) {
	fs := newTestSummary(t)
	fs.Insert(MessageInfo{UID: uid.Server(1), Flags: 0})
	fs.Insert(MessageInfo{UID: uid.Server(2), Flags: wire.FlagSeen})
	fs.Insert(MessageInfo{UID: uid.Server(3), Flags: wire.FlagDeleted})
	fs.Insert(MessageInfo{UID: uid.Server(4), Flags: wire.FlagJunk})
	fs.Insert(MessageInfo{UID: uid.Server(5), Flags: wire.FlagJunk | wire.FlagDeleted})

	c := fs.Counters()
	if c.Total != 5 {
		t.Errorf("Total = %d, want 5", c.Total)
	}
	if c.Unread != 4 {
		t.Errorf("Unread = %d, want 4", c.Unread)
	}
	if c.Deleted != 2 {
		t.Errorf("Deleted = %d, want 2", c.Deleted)
	}
	if c.Junk != 2 {
		t.Errorf("Junk = %d, want 2", c.Junk)
	}
	if c.JunkNotDeleted != 1 {
		t.Errorf("JunkNotDeleted = %d, want 1", c.JunkNotDeleted)
	}
	if c.Visible != 3 {
		t.Errorf("Visible = %d, want 3", c.Visible)
	}
}

func TestRemoveUIDUpdatesCountersAndOrder(t *testing.T) {
	fs := newTestSummary(t)
	fs.Insert(MessageInfo{UID: uid.Server(1)})
	fs.Insert(MessageInfo{UID: uid.Server(2), Flags: wire.FlagDeleted})
	fs.Insert(MessageInfo{UID: uid.Server(3)})

	if err := fs.RemoveUID(uid.Server(2)); err != nil {
		t.Fatal(err)
	}
	if fs.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", fs.Count())
	}
	if _, _, ok := fs.ByUID(uid.Server(2)); ok {
		t.Error("expected removed UID to be gone")
	}
	got, _ := fs.Index(1)
	if got.UID != uid.Server(3) {
		t.Errorf("expected index 1 to be UID 3 after removal, got %v", got.UID)
	}
	if fs.Counters().Deleted != 0 {
		t.Errorf("Deleted = %d, want 0 after removing the deleted entry", fs.Counters().Deleted)
	}
}

func TestRemoveIndexOutOfRange(t *testing.T) {
	fs := newTestSummary(t)
	if err := fs.RemoveIndex(0); err == nil {
		t.Error("expected error removing from empty summary")
	}
}

func TestUpdateFlagsRecomputesChangedSet(t *testing.T) {
	fs := newTestSummary(t)
	u := uid.Server(1)
	fs.Insert(MessageInfo{UID: u, Flags: wire.FlagSeen, ServerFlags: wire.FlagSeen})

	if len(fs.ChangedSet()) != 0 {
		t.Fatal("expected no changed entries before any local mutation")
	}
	if err := fs.UpdateFlags(u, wire.FlagSeen|wire.FlagFlagged, wire.FlagSeen, nil); err != nil {
		t.Fatal(err)
	}
	changed := fs.ChangedSet()
	if len(changed) != 1 || changed[0] != u {
		t.Errorf("ChangedSet() = %v, want [%v]", changed, u)
	}
}

func TestSetUIDValidityFirstTimeDoesNotClear(t *testing.T) {
	fs := newTestSummary(t)
	fs.Insert(MessageInfo{UID: uid.Server(1)})
	changed, err := fs.SetUIDValidity(42)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("first SetUIDValidity should not report a change requiring a clear")
	}
	if fs.Count() != 1 {
		t.Error("first UIDVALIDITY assignment must not clear the summary")
	}
}

func TestSetUIDValidityMismatchClears(t *testing.T) {
	fs := newTestSummary(t)
	fs.SetUIDValidity(1)
	fs.Insert(MessageInfo{UID: uid.Server(1)})

	changed, err := fs.SetUIDValidity(2)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("expected UIDVALIDITY mismatch to report a change")
	}
	if fs.Count() != 0 {
		t.Errorf("expected summary cleared on UIDVALIDITY mismatch, Count() = %d", fs.Count())
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	fs.SetUIDValidity(7)
	fs.Insert(MessageInfo{
		UID:          uid.Server(3),
		Flags:        wire.FlagSeen | wire.FlagFlagged,
		ServerFlags:  wire.FlagSeen,
		UserFlags:    []string{"$Important", "Work"},
		Size:         1234,
		InternalDate: time.Unix(5000, 0).UTC(),
	})
	fs.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.UIDValidity() != 7 {
		t.Errorf("UIDValidity() = %d, want 7", reopened.UIDValidity())
	}
	m, _, ok := reopened.ByUID(uid.Server(3))
	if !ok {
		t.Fatal("expected persisted entry to survive reopen")
	}
	if m.Size != 1234 || len(m.UserFlags) != 2 {
		t.Errorf("got %+v", m)
	}
	if !m.changed() {
		t.Error("expected FOLDER_FLAGGED to survive reopen since FlagFlagged differs from ServerFlags")
	}
}
