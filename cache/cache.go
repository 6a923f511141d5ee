// Package cache implements MessageCache: the on-disk, content-
// addressed store mapping (uid, part-spec) to a byte stream (spec
// §4.3).
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"crawshaw.io/iox"

	"spilled.ink/imapcore/uid"
)

// emptyPartSpec is the platform-safe stand-in for the whole-message
// part-spec "" in a cache filename (spec §4.3: "typically named
// <uid>.<part-spec> with part-spec = "" stored as a single character
// '.' or a platform-safe stand-in").
const emptyPartSpec = "_"

// entry is one arena slot. Handles reference entries by index rather
// than by pointer, replacing the source's weak back-references from a
// cached stream to its cache entry (spec §9 DESIGN NOTES): Remove and
// Clear tomb an entry by clearing live, and dropping a Stream needs no
// callback into the cache.
type entry struct {
	uid      uid.UID
	partSpec string
	filename string
	live     bool
}

// Handle is a stable reference to a cache entry, returned to callers
// that hold open a Stream so the cache can invalidate its index
// without needing the caller to cooperate.
type Handle int

// MessageCache maps (uid, part-spec) pairs to files under dir.
type MessageCache struct {
	dir   string
	filer *iox.Filer

	lock guardedLock

	arena   []entry
	byKey   map[string]Handle // uid.String()+"\x00"+partSpec -> handle
	byUID   map[string][]Handle
	maxUID  uint32
	maxSeen bool
}

func cacheKey(u uid.UID, partSpec string) string {
	return u.String() + "\x00" + partSpec
}

func encodeFilename(u uid.UID, partSpec string) string {
	ps := partSpec
	if ps == "" {
		ps = emptyPartSpec
	}
	ps = strings.ReplaceAll(ps, string(filepath.Separator), "_")
	return u.String() + "." + ps
}

// decodeFilename inverts encodeFilename, returning ok=false for names
// that don't match the "<uid>.<part-spec>" shape (stray files left by
// something else in the directory).
func decodeFilename(name string) (u uid.UID, partSpec string, ok bool) {
	i := strings.IndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return uid.UID{}, "", false
	}
	uidPart, psPart := name[:i], name[i+1:]
	if uidPart == "" {
		return uid.UID{}, "", false
	}
	if psPart == emptyPartSpec {
		psPart = ""
	}
	return uid.Parse(uidPart), psPart, true
}

// Open scans dir for cache files, dropping (and deleting) any whose
// UID fails isKnownUID — the summary-driven reconciliation spec §4.3
// describes — and indexing the survivors. filer backs InsertStream's
// intermediate buffering; it may be shared across many MessageCaches.
func Open(dir string, filer *iox.Filer, isKnownUID func(u uid.UID) bool) (*MessageCache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", dir, err)
	}
	mc := &MessageCache{
		dir:   dir,
		filer: filer,
		byKey: make(map[string]Handle),
		byUID: make(map[string][]Handle),
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cache: reading %s: %w", dir, err)
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		u, partSpec, ok := decodeFilename(de.Name())
		if !ok {
			continue
		}
		if isKnownUID != nil && !isKnownUID(u) {
			os.Remove(filepath.Join(dir, de.Name()))
			continue
		}
		mc.index(u, partSpec, de.Name())
		if srv, ok := u.ServerUID(); ok && srv > mc.maxUID {
			mc.maxUID = srv
			mc.maxSeen = true
		}
	}
	return mc, nil
}

func (mc *MessageCache) index(u uid.UID, partSpec, filename string) Handle {
	h := Handle(len(mc.arena))
	mc.arena = append(mc.arena, entry{uid: u, partSpec: partSpec, filename: filename, live: true})
	key := cacheKey(u, partSpec)
	mc.byKey[key] = h
	mc.byUID[u.String()] = append(mc.byUID[u.String()], h)
	return h
}

// Insert writes data under (u, partSpec), overwriting any existing
// file for that key, and returns the handle for the new entry.
func (mc *MessageCache) Insert(u uid.UID, partSpec string, data []byte) (Handle, error) {
	g := mc.lock.acquire()
	defer g.release()
	return mc.insertLocked(u, partSpec, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

// InsertStream copies src into the cache file for (u, partSpec).
func (mc *MessageCache) InsertStream(u uid.UID, partSpec string, src io.Reader) (Handle, error) {
	g := mc.lock.acquire()
	defer g.release()
	return mc.insertLocked(u, partSpec, func(f *os.File) error {
		_, err := io.Copy(f, src)
		return err
	})
}

// Wrapper is satisfied by anything that can serialize itself to a
// writer, the contract MimePartWrapper implements for InsertWrapper.
type Wrapper interface {
	WriteTo(w io.Writer) (int64, error)
}

// InsertWrapper serializes w into the cache file for (u, partSpec).
func (mc *MessageCache) InsertWrapper(u uid.UID, partSpec string, w Wrapper) (Handle, error) {
	g := mc.lock.acquire()
	defer g.release()
	return mc.insertLocked(u, partSpec, func(f *os.File) error {
		_, err := w.WriteTo(f)
		return err
	})
}

func (mc *MessageCache) insertLocked(u uid.UID, partSpec string, write func(*os.File) error) (Handle, error) {
	filename := encodeFilename(u, partSpec)
	path := filepath.Join(mc.dir, filename)

	// Stage through a temp buffer so a failed write never leaves a
	// truncated file behind (crash or disk-full mid-copy).
	buf := mc.filer.BufferFile(0)
	defer buf.Close()
	if err := write(buf); err != nil {
		return 0, fmt.Errorf("cache: insert %s: %w", filename, err)
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("cache: insert %s: %w", filename, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("cache: insert %s: %w", filename, err)
	}
	_, copyErr := io.Copy(f, buf)
	closeErr := f.Close()
	if copyErr != nil {
		return 0, fmt.Errorf("cache: insert %s: %w", filename, copyErr)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("cache: insert %s: %w", filename, closeErr)
	}

	key := cacheKey(u, partSpec)
	if h, ok := mc.byKey[key]; ok {
		mc.arena[h].live = true
		mc.arena[h].filename = filename
		return h, nil
	}
	h := mc.index(u, partSpec, filename)
	if srv, ok := u.ServerUID(); ok && (!mc.maxSeen || srv > mc.maxUID) {
		mc.maxUID = srv
		mc.maxSeen = true
	}
	return h, nil
}

// Stream is an open read handle on a cached part. Closing it closes
// only the underlying *os.File and leaves the entry's liveness
// bookkeeping unaffected, since the filename-keyed index needs no
// reference counting once handles are integers rather than pointers.
type Stream struct {
	*os.File
}

// Get opens a read stream for (u, partSpec), or ok=false if absent.
func (mc *MessageCache) Get(u uid.UID, partSpec string) (*Stream, bool) {
	g := mc.lock.acquire()
	defer g.release()
	h, ok := mc.byKey[cacheKey(u, partSpec)]
	if !ok || !mc.arena[h].live {
		return nil, false
	}
	f, err := os.Open(filepath.Join(mc.dir, mc.arena[h].filename))
	if err != nil {
		return nil, false
	}
	return &Stream{File: f}, true
}

// GetFilename returns the on-disk path for (u, partSpec), or ok=false
// if absent.
func (mc *MessageCache) GetFilename(u uid.UID, partSpec string) (path string, ok bool) {
	g := mc.lock.acquire()
	defer g.release()
	h, found := mc.byKey[cacheKey(u, partSpec)]
	if !found || !mc.arena[h].live {
		return "", false
	}
	return filepath.Join(mc.dir, mc.arena[h].filename), true
}

// Remove deletes every cached part for u.
func (mc *MessageCache) Remove(u uid.UID) error {
	g := mc.lock.acquire()
	defer g.release()
	return mc.removeLocked(u)
}

func (mc *MessageCache) removeLocked(u uid.UID) error {
	handles := mc.byUID[u.String()]
	var firstErr error
	for _, h := range handles {
		e := &mc.arena[h]
		if !e.live {
			continue
		}
		if err := os.Remove(filepath.Join(mc.dir, e.filename)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		e.live = false
		delete(mc.byKey, cacheKey(e.uid, e.partSpec))
	}
	delete(mc.byUID, u.String())
	return firstErr
}

// Copy copies every existing part of srcUID to dstUID, preserving
// part-specs. dst may be mc itself.
func (mc *MessageCache) Copy(srcUID uid.UID, dst *MessageCache, dstUID uid.UID) error {
	g := mc.lock.acquire()
	var dg *lockGuard
	if dst != mc {
		dg = dst.lock.acquire()
	} else {
		dg = mc.lock.acquireNested(g)
	}
	defer g.release()
	defer dg.release()

	for _, h := range mc.byUID[srcUID.String()] {
		e := mc.arena[h]
		if !e.live {
			continue
		}
		src, err := os.Open(filepath.Join(mc.dir, e.filename))
		if err != nil {
			return fmt.Errorf("cache: copy %s: %w", e.filename, err)
		}
		_, err = dst.insertLocked(dstUID, e.partSpec, func(f *os.File) error {
			_, err := io.Copy(f, src)
			return err
		})
		src.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Clear removes every cached entry.
func (mc *MessageCache) Clear() error {
	g := mc.lock.acquire()
	defer g.release()
	var firstErr error
	for i := range mc.arena {
		e := &mc.arena[i]
		if !e.live {
			continue
		}
		if err := os.Remove(filepath.Join(mc.dir, e.filename)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		e.live = false
	}
	mc.byKey = make(map[string]Handle)
	mc.byUID = make(map[string][]Handle)
	mc.arena = nil
	mc.maxUID = 0
	mc.maxSeen = false
	return firstErr
}

// FilterCached returns the subset of uids that are not fully cached.
//
// A UID counts as fully cached iff a cache entry with part-spec ""
// exists; a HEADER-only entry does not count, since fine-grained
// completeness would require the summary's content structure, which
// the cache does not have (spec §4.3, deliberate).
func (mc *MessageCache) FilterCached(uids []uid.UID) []uid.UID {
	g := mc.lock.acquire()
	defer g.release()
	var out []uid.UID
	for _, u := range uids {
		if h, ok := mc.byKey[cacheKey(u, "")]; ok && mc.arena[h].live {
			continue
		}
		out = append(out, u)
	}
	return out
}

// MaxUID returns the largest server UID ever inserted.
func (mc *MessageCache) MaxUID() uint32 {
	g := mc.lock.acquire()
	defer g.release()
	return mc.maxUID
}

// PartSpecs returns the part-specs cached for u, sorted, for
// diagnostics and tests.
func (mc *MessageCache) PartSpecs(u uid.UID) []string {
	g := mc.lock.acquire()
	defer g.release()
	var out []string
	for _, h := range mc.byUID[u.String()] {
		if mc.arena[h].live {
			out = append(out, mc.arena[h].partSpec)
		}
	}
	sort.Strings(out)
	return out
}
