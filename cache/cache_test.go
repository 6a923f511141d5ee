package cache

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crawshaw.io/iox"

	"spilled.ink/imapcore/uid"
)

func newTestCache(t *testing.T) *MessageCache {
	t.Helper()
	dir := t.TempDir()
	filer := iox.NewFiler(0)
	t.Cleanup(func() { filer.Shutdown(context.Background()) })
	mc, err := Open(dir, filer, nil)
	if err != nil {
		t.Fatal(err)
	}
	return mc
}

func TestInsertAndGet(t *testing.T) {
	mc := newTestCache(t)
	u := uid.Server(7)
	if _, err := mc.Insert(u, "", []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	s, ok := mc.Get(u, "")
	if !ok {
		t.Fatal("expected Get to find inserted entry")
	}
	defer s.Close()
	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q", got)
	}
}

func TestGetMissing(t *testing.T) {
	mc := newTestCache(t)
	if _, ok := mc.Get(uid.Server(1), ""); ok {
		t.Error("expected Get to report missing entry")
	}
}

func TestInsertOverwrites(t *testing.T) {
	mc := newTestCache(t)
	u := uid.Server(3)
	mc.Insert(u, "", []byte("first"))
	mc.Insert(u, "", []byte("second"))
	s, ok := mc.Get(u, "")
	if !ok {
		t.Fatal("expected entry")
	}
	defer s.Close()
	got, _ := io.ReadAll(s)
	if string(got) != "second" {
		t.Errorf("got %q, want overwritten content", got)
	}
}

func TestInsertStream(t *testing.T) {
	mc := newTestCache(t)
	u := uid.Server(9)
	src := bytes.NewReader([]byte("streamed payload"))
	if _, err := mc.InsertStream(u, "1.2", src); err != nil {
		t.Fatal(err)
	}
	path, ok := mc.GetFilename(u, "1.2")
	if !ok {
		t.Fatal("expected filename for cached part")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "streamed payload" {
		t.Errorf("got %q", data)
	}
}

func TestMultiplePartSpecsPerUID(t *testing.T) {
	mc := newTestCache(t)
	u := uid.Server(5)
	mc.Insert(u, "", []byte("whole"))
	mc.Insert(u, "1", []byte("part one"))
	mc.Insert(u, "2", []byte("part two"))

	got := mc.PartSpecs(u)
	want := []string{"", "1", "2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestRemoveDeletesAllParts(t *testing.T) {
	mc := newTestCache(t)
	u := uid.Server(11)
	mc.Insert(u, "", []byte("whole"))
	mc.Insert(u, "1", []byte("part"))

	if err := mc.Remove(u); err != nil {
		t.Fatal(err)
	}
	if _, ok := mc.Get(u, ""); ok {
		t.Error("expected whole-message entry removed")
	}
	if _, ok := mc.Get(u, "1"); ok {
		t.Error("expected part entry removed")
	}
	entries, _ := os.ReadDir(mc.dir)
	if len(entries) != 0 {
		t.Errorf("expected no files left on disk, got %v", entries)
	}
}

func TestCopyAcrossCaches(t *testing.T) {
	src := newTestCache(t)
	dst := newTestCache(t)
	srcUID := uid.Server(1)
	dstUID := uid.Server(2)
	src.Insert(srcUID, "", []byte("body"))
	src.Insert(srcUID, "1", []byte("attachment"))

	if err := src.Copy(srcUID, dst, dstUID); err != nil {
		t.Fatal(err)
	}
	s, ok := dst.Get(dstUID, "")
	if !ok {
		t.Fatal("expected whole message copied")
	}
	got, _ := io.ReadAll(s)
	s.Close()
	if string(got) != "body" {
		t.Errorf("got %q", got)
	}
	if _, ok := dst.Get(dstUID, "1"); !ok {
		t.Error("expected part copied")
	}
	if _, ok := src.Get(srcUID, ""); !ok {
		t.Error("copy must not remove the source entry")
	}
}

func TestCopyWithinSameCacheDoesNotDeadlock(t *testing.T) {
	mc := newTestCache(t)
	srcUID := uid.Server(1)
	dstUID := uid.Server(2)
	mc.Insert(srcUID, "", []byte("body"))

	done := make(chan error, 1)
	go func() { done <- mc.Copy(srcUID, mc, dstUID) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Copy within the same cache deadlocked")
	}
	if _, ok := mc.Get(dstUID, ""); !ok {
		t.Error("expected copied entry under dstUID")
	}
}

func TestClearRemovesEverything(t *testing.T) {
	mc := newTestCache(t)
	mc.Insert(uid.Server(1), "", []byte("a"))
	mc.Insert(uid.Server(2), "", []byte("b"))

	if err := mc.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, ok := mc.Get(uid.Server(1), ""); ok {
		t.Error("expected cache cleared")
	}
	entries, _ := os.ReadDir(mc.dir)
	if len(entries) != 0 {
		t.Errorf("expected empty dir, got %v", entries)
	}
}

func TestFilterCached(t *testing.T) {
	mc := newTestCache(t)
	cached := uid.Server(1)
	uncached := uid.Server(2)
	mc.Insert(cached, "", []byte("present"))

	got := mc.FilterCached([]uid.UID{cached, uncached})
	if len(got) != 1 || got[0] != uncached {
		t.Errorf("got %v, want only %v", got, uncached)
	}
}

func TestFilterCachedIgnoresPartialParts(t *testing.T) {
	mc := newTestCache(t)
	u := uid.Server(4)
	mc.Insert(u, "1", []byte("header only"))

	got := mc.FilterCached([]uid.UID{u})
	if len(got) != 1 {
		t.Errorf("a part-only entry must not count as fully cached, got %v", got)
	}
}

func TestMaxUID(t *testing.T) {
	mc := newTestCache(t)
	mc.Insert(uid.Server(3), "", []byte("a"))
	mc.Insert(uid.Server(9), "", []byte("b"))
	mc.Insert(uid.Server(5), "", []byte("c"))
	if got := mc.MaxUID(); got != 9 {
		t.Errorf("MaxUID() = %d, want 9", got)
	}
}

func TestMaxUIDIgnoresTemporary(t *testing.T) {
	mc := newTestCache(t)
	mc.Insert(uid.Server(4), "", []byte("a"))
	mc.Insert(uid.NewTemporary(time.Now()), "", []byte("b"))
	if got := mc.MaxUID(); got != 4 {
		t.Errorf("MaxUID() = %d, want 4", got)
	}
}

func TestOpenReindexesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	filer := iox.NewFiler(0)
	defer filer.Shutdown(context.Background())

	mc, err := Open(dir, filer, nil)
	if err != nil {
		t.Fatal(err)
	}
	mc.Insert(uid.Server(6), "", []byte("persisted"))

	reopened, err := Open(dir, filer, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, ok := reopened.Get(uid.Server(6), "")
	if !ok {
		t.Fatal("expected reopened cache to find entry written before Open")
	}
	got, _ := io.ReadAll(s)
	s.Close()
	if string(got) != "persisted" {
		t.Errorf("got %q", got)
	}
}

func TestOpenDropsEntriesFailingIsKnownUID(t *testing.T) {
	dir := t.TempDir()
	filer := iox.NewFiler(0)
	defer filer.Shutdown(context.Background())

	mc, err := Open(dir, filer, nil)
	if err != nil {
		t.Fatal(err)
	}
	known := uid.Server(1)
	stale := uid.Server(2)
	mc.Insert(known, "", []byte("a"))
	mc.Insert(stale, "", []byte("b"))

	reopened, err := Open(dir, filer, func(u uid.UID) bool {
		return u == known
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reopened.Get(known, ""); !ok {
		t.Error("expected known UID to survive reconciliation")
	}
	if _, ok := reopened.Get(stale, ""); ok {
		t.Error("expected stale UID dropped on reopen")
	}
	if _, err := os.Stat(filepath.Join(dir, encodeFilename(stale, ""))); !os.IsNotExist(err) {
		t.Error("expected stale UID's file deleted from disk")
	}
}

func TestEncodeDecodeFilenameRoundTrip(t *testing.T) {
	cases := []struct {
		u        uid.UID
		partSpec string
	}{
		{uid.Server(42), ""},
		{uid.Server(42), "1.2.3"},
	}
	for _, c := range cases {
		name := encodeFilename(c.u, c.partSpec)
		u, ps, ok := decodeFilename(name)
		if !ok {
			t.Fatalf("decodeFilename(%q) failed", name)
		}
		if u != c.u || ps != c.partSpec {
			t.Errorf("round trip of (%v, %q) via %q gave (%v, %q)", c.u, c.partSpec, name, u, ps)
		}
	}
}
