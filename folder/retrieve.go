package folder

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"spilled.ink/imapcore/connection"
	"spilled.ink/imapcore/mimepart"
	"spilled.ink/imapcore/mimewire"
	"spilled.ink/imapcore/summary"
	"spilled.ink/imapcore/uid"
	"spilled.ink/imapcore/wire"
)

var _ mimepart.Source = (*FolderEngine)(nil)

// GetMessage builds the MIME message for u, preferring a whole-message
// cache hit, then falling back to whichever construction spec §4.5.8
// calls for (small/legacy/flat messages fetched whole; larger ones
// built lazily, part by part).
func (fe *FolderEngine) GetMessage(u uid.UID) (*mimewire.Message, error) {
	if stream, ok := fe.cache.Get(u, ""); ok {
		defer stream.Close()
		return mimewire.ConstructFromStream(fe.filer, stream)
	}

	m, _, ok := fe.summary.ByUID(u)
	if !ok {
		return nil, wire.NewLogical("folder: get_message: unknown UID " + u.String())
	}

	if fe.wantsWholeMessage(m) {
		return fe.fetchWholeMessage(u)
	}

	if m.Content == nil || !m.Content.IsComplete() {
		cs, err := fe.refetchBodyStructure(u)
		if err != nil {
			return nil, err
		}
		if err := fe.summary.UpdateContent(u, cs, m.Preview, m.Attachment); err != nil {
			return nil, err
		}
		m.Content = cs
	}
	return fe.buildLazyMessage(u, m)
}

// SyncMessage ensures u's whole body is cached locally, running
// GetMessage (and discarding the constructed message) if it isn't
// already (spec §4.5.8).
func (fe *FolderEngine) SyncMessage(u uid.UID) error {
	if stream, ok := fe.cache.Get(u, ""); ok {
		stream.Close()
		return nil
	}
	msg, err := fe.GetMessage(u)
	if err != nil {
		return err
	}
	defer msg.Close()

	if stream, ok := fe.cache.Get(u, ""); ok {
		stream.Close()
		return nil
	}
	// The lazy-part path never populates the whole-message cache key
	// by itself; serializing back through it (which hydrates every
	// lazy part) materializes one.
	var buf bytes.Buffer
	if err := mimewire.WriteToStream(&buf, fe.filer, msg); err != nil {
		return err
	}
	_, err = fe.cache.Insert(u, "", buf.Bytes())
	return err
}

// wantsWholeMessage reports whether m should be fetched as a single
// blob rather than built from lazy per-part wrappers (spec §4.5.8
// step 2).
func (fe *FolderEngine) wantsWholeMessage(m summary.MessageInfo) bool {
	caps := fe.conn.Capabilities()
	switch {
	case !caps.Has(connection.CapIMAP4rev1):
		return true
	case caps.Has(connection.CapBrainDamagedBody):
		return true
	case m.Size > 0 && m.Size < SmallMessageThreshold:
		return true
	case m.Content == nil || len(m.Content.Children) == 0:
		return true
	}
	return false
}

func (fe *FolderEngine) fetchWholeMessage(u uid.UID) (*mimewire.Message, error) {
	srv, ok := u.ServerUID()
	if !ok {
		return nil, wire.NewLogical("folder: get_message: temporary UID " + u.String() + " has no server copy to fetch")
	}
	item := "BODY.PEEK[]"
	if !fe.conn.Capabilities().Has(connection.CapIMAP4rev1) {
		item = "RFC822.PEEK"
	}

	var payload []byte
	err := fe.withUnavailableRetry(func() error {
		payload = nil
		resp, err := fe.conn.SendCommand(nil, "", "UID FETCH %d %s", srv, item)
		if err != nil {
			if resp != nil {
				resp.Close()
			}
			return err
		}
		for _, line := range resp.Untagged {
			fr, ferr := parseFetchLine(line)
			if ferr != nil {
				resp.Close()
				return ferr
			}
			if fr == nil {
				continue
			}
			if body, ok := fr.Sections[""]; ok {
				payload = body
			}
		}
		resp.Close()
		if payload == nil {
			return wire.NewProtocol("folder: get_message: no body section in FETCH response", nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := fe.cache.Insert(u, "", payload); err != nil {
		return nil, err
	}
	return mimewire.ConstructFromStream(fe.filer, bytes.NewReader(payload))
}

func (fe *FolderEngine) refetchBodyStructure(u uid.UID) (*wire.ContentStructure, error) {
	srv, ok := u.ServerUID()
	if !ok {
		return nil, wire.NewLogical("folder: get_message: temporary UID " + u.String() + " has no server bodystructure to fetch")
	}
	var cs *wire.ContentStructure
	err := fe.withUnavailableRetry(func() error {
		cs = nil
		resp, err := fe.conn.SendCommand(nil, "", "UID FETCH %d (BODYSTRUCTURE)", srv)
		if err != nil {
			if resp != nil {
				resp.Close()
			}
			return err
		}
		for _, line := range resp.Untagged {
			fr, ferr := parseFetchLine(line)
			if ferr != nil {
				resp.Close()
				return ferr
			}
			if fr == nil || !fr.HasBodyStructure {
				continue
			}
			parsed, perr := wire.ParseBodyStructure(fr.BodyStructure, "")
			if perr != nil {
				resp.Close()
				return perr
			}
			cs = parsed
		}
		resp.Close()
		if cs == nil {
			return wire.NewProtocol("folder: get_message: no BODYSTRUCTURE in FETCH response", nil)
		}
		return nil
	})
	return cs, err
}

// buildLazyMessage fetches u's envelope headers and constructs a
// Message whose parts are lazy MimePartWrapper leaves bound to their
// part-spec, recursing into an enclosed message/rfc822 the same way
// (spec §4.5.8 step 4).
func (fe *FolderEngine) buildLazyMessage(u uid.UID, m summary.MessageInfo) (*mimewire.Message, error) {
	header, err := fe.fetchSection(u, fe.headerSpec())
	if err != nil {
		return nil, err
	}

	// A blank line terminates the synthetic single-part message
	// Cleave needs to recover the top-level Headers; its own Part is
	// discarded in favor of the lazy tree built from m.Content below.
	synthetic := append(append([]byte{}, header...), "\r\n"...)
	msg, err := mimewire.ConstructFromStream(fe.filer, bytes.NewReader(synthetic))
	if err != nil {
		return nil, err
	}
	if m.Content != nil {
		msg.Parts = fe.buildLazyParts(u, m.Content)
	}
	return msg, nil
}

func (fe *FolderEngine) buildLazyParts(u uid.UID, cs *wire.ContentStructure) []mimewire.Part {
	leaves := cs.Leaves()
	parts := make([]mimewire.Part, 0, len(leaves))
	for i, leaf := range leaves {
		isText := strings.HasPrefix(leaf.ContentType, "text/")
		parts = append(parts, mimewire.Part{
			PartNum:                 i,
			IsBody:                  i == 0 && isText,
			IsAttachment:            !isText && !leaf.IsMessageRFC822,
			ContentType:             leaf.ContentType,
			Path:                    leaf.PartSpec,
			ContentTransferEncoding: leaf.TransferEncoding,
			ContentTransferSize:     leaf.Size,
			Content:                 mimepart.New(fe, fe.filer, u, leaf.PartSpec, leaf.Size),
		})
	}
	return parts
}

func (fe *FolderEngine) fetchSection(u uid.UID, section string) ([]byte, error) {
	srv, ok := u.ServerUID()
	if !ok {
		return nil, wire.NewLogical("folder: temporary UID " + u.String() + " has no server copy to fetch")
	}
	var payload []byte
	err := fe.withUnavailableRetry(func() error {
		payload = nil
		resp, err := fe.conn.SendCommand(nil, "", "UID FETCH %d BODY.PEEK[%s]", srv, section)
		if err != nil {
			if resp != nil {
				resp.Close()
			}
			return err
		}
		for _, line := range resp.Untagged {
			fr, ferr := parseFetchLine(line)
			if ferr != nil {
				resp.Close()
				return ferr
			}
			if fr == nil {
				continue
			}
			for _, body := range fr.Sections {
				payload = body
				break
			}
		}
		resp.Close()
		if payload == nil {
			return wire.NewProtocol("folder: no section "+section+" in FETCH response", nil)
		}
		return nil
	})
	return payload, err
}

// CachedPart implements mimepart.Source.
func (fe *FolderEngine) CachedPart(u uid.UID, partSpec string) (io.ReadCloser, bool) {
	stream, ok := fe.cache.Get(u, partSpec)
	if !ok {
		return nil, false
	}
	return stream, true
}

// FetchPart implements mimepart.Source: it fetches and caches one
// part, retrying once on a transient server refusal.
func (fe *FolderEngine) FetchPart(u uid.UID, partSpec string) (io.ReadCloser, error) {
	payload, err := fe.fetchSection(u, partSpec)
	if err != nil {
		return nil, err
	}
	if _, err := fe.cache.Insert(u, partSpec, payload); err != nil {
		return nil, err
	}
	stream, ok := fe.cache.Get(u, partSpec)
	if !ok {
		return nil, wire.NewProtocol("folder: fetch part: cache insert did not stick", nil)
	}
	return stream, nil
}

// withUnavailableRetry runs fn once more if its first attempt fails
// with a server refusal whose reason indicates "service unavailable"
// (spec §4.5.8 step 5).
func (fe *FolderEngine) withUnavailableRetry(fn func() error) error {
	err := fn()
	if err != nil && isServiceUnavailable(err) {
		err = fn()
	}
	return err
}

func isServiceUnavailable(err error) bool {
	var wireErr *wire.Error
	if !errors.As(err, &wireErr) || wireErr.Kind != wire.KindServerRefusal {
		return false
	}
	return strings.Contains(strings.ToUpper(wireErr.Reason), "UNAVAILABLE")
}
