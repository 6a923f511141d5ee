// Package mimepart implements the lazy body-part data source the core
// hands out for each MIME leaf when constructing a message without
// fetching every part up front (spec §4.7).
package mimepart

import (
	"fmt"
	"io"
	"sync"

	"crawshaw.io/iox"

	"spilled.ink/imapcore/email"
	"spilled.ink/imapcore/uid"
)

// Source is the subset of FolderEngine a Wrapper needs: a cache lookup
// and, failing that, a blocking fetch-and-cache of one part.
type Source interface {
	// CachedPart returns an open stream for (u, partSpec) if already
	// cached, or ok=false.
	CachedPart(u uid.UID, partSpec string) (io.ReadCloser, bool)
	// FetchPart blocks on a UID FETCH BODY.PEEK[partSpec] (retrying
	// once on a transient "service unavailable" refusal), writes the
	// result into the cache, and returns a stream over it.
	FetchPart(u uid.UID, partSpec string) (io.ReadCloser, error)
}

// Wrapper is a MIME part's body, readable without having fetched its
// bytes yet. Before hydration it knows only its advertised size (from
// BODYSTRUCTURE); on first Read/Seek/Write it resolves to a real
// buffer and forgets the engine reference per spec §4.7 step 4.
type Wrapper struct {
	mu sync.Mutex

	src      Source
	uid      uid.UID
	partSpec string
	filer    *iox.Filer

	size     int64
	hydrated email.Buffer
}

var _ email.Buffer = (*Wrapper)(nil)

// New returns a Wrapper bound to (u, partSpec), reporting size until
// hydration learns the real value.
func New(src Source, filer *iox.Filer, u uid.UID, partSpec string, size int64) *Wrapper {
	return &Wrapper{src: src, uid: u, partSpec: partSpec, filer: filer, size: size}
}

func (w *Wrapper) ensure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hydrated != nil {
		return nil
	}
	rc, ok := w.src.CachedPart(w.uid, w.partSpec)
	if !ok {
		fetched, err := w.src.FetchPart(w.uid, w.partSpec)
		if err != nil {
			return fmt.Errorf("mimepart: fetch %s[%s]: %w", w.uid, w.partSpec, err)
		}
		rc = fetched
	}
	defer rc.Close()

	buf := w.filer.BufferFile(w.size)
	if _, err := io.Copy(buf, rc); err != nil {
		buf.Close()
		return fmt.Errorf("mimepart: hydrate %s[%s]: %w", w.uid, w.partSpec, err)
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		buf.Close()
		return err
	}
	w.hydrated = buf
	// Hydrated; the engine is no longer needed and is dropped so the
	// wrapper behaves as a plain in-memory body from here on.
	w.src = nil
	return nil
}

func (w *Wrapper) Read(p []byte) (int, error) {
	if err := w.ensure(); err != nil {
		return 0, err
	}
	return w.hydrated.Read(p)
}

func (w *Wrapper) Write(p []byte) (int, error) {
	if err := w.ensure(); err != nil {
		return 0, err
	}
	return w.hydrated.Write(p)
}

func (w *Wrapper) Seek(offset int64, whence int) (int64, error) {
	if err := w.ensure(); err != nil {
		return 0, err
	}
	return w.hydrated.Seek(offset, whence)
}

func (w *Wrapper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hydrated != nil {
		return w.hydrated.Close()
	}
	return nil
}

// Size returns the part's byte count: the BODYSTRUCTURE-advertised
// size before hydration, the real buffer's size after.
func (w *Wrapper) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hydrated != nil {
		return w.hydrated.Size()
	}
	return w.size
}
