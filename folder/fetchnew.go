package folder

import (
	"bytes"
	"fmt"
	"time"

	"spilled.ink/imapcore/mimewire"
	"spilled.ink/imapcore/summary"
	"spilled.ink/imapcore/uid"
	"spilled.ink/imapcore/wire"
)

// fetchNew fetches every message beyond what the summary already
// holds, from sequence summary.Count()+1 through exists, and appends
// them to the summary (spec §4.5.3).
func (fe *FolderEngine) fetchNew(exists uint32) error {
	start := fe.summary.Count() + 1
	if uint32(start) > exists {
		return nil
	}

	headerSection := fe.headerSpec()
	fetchItems := fmt.Sprintf("(UID FLAGS RFC822.SIZE INTERNALDATE BODYSTRUCTURE BODY.PEEK[%s])", headerSection)
	resp, err := fe.conn.SendCommand(nil, "", "FETCH %d:%d %s", start, int(exists), fetchItems)
	if err != nil {
		if resp != nil {
			resp.Close()
		}
		return err
	}

	type fetched struct {
		fr     *wire.FetchResponse
		header []byte
	}
	var byUID = make(map[uint32]*fetched)
	var order []uint32
	for _, line := range resp.Untagged {
		fr, ferr := parseFetchLine(line)
		if ferr != nil {
			resp.Close()
			return ferr
		}
		if fr == nil || !fr.HasUID {
			continue
		}
		f := &fetched{fr: fr}
		for _, body := range fr.Sections {
			f.header = body
			break
		}
		byUID[fr.UID] = f
		order = append(order, fr.UID)
	}
	resp.Close()

	// Phase 2: some servers omit BODY[...] from the first response for
	// a message still being delivered; re-fetch headers individually
	// for anything that came back without one.
	for _, srv := range order {
		f := byUID[srv]
		if len(f.header) > 0 {
			continue
		}
		resp2, err := fe.conn.SendCommand(nil, "", "UID FETCH %d (BODYSTRUCTURE BODY.PEEK[%s])", int(srv), headerSection)
		if err != nil {
			if resp2 != nil {
				resp2.Close()
			}
			continue
		}
		for _, line := range resp2.Untagged {
			fr2, ferr := parseFetchLine(line)
			if ferr != nil || fr2 == nil {
				continue
			}
			for _, body := range fr2.Sections {
				f.header = body
				break
			}
			if fr2.HasBodyStructure {
				f.fr.HasBodyStructure = true
				f.fr.BodyStructure = fr2.BodyStructure
			}
		}
		resp2.Close()
	}

	var prev *summary.MessageInfo
	now := time.Now()
	for _, srv := range order {
		f := byUID[srv]
		u := uid.Server(srv)
		m := summary.MessageInfo{UID: u}
		if f.fr.HasFlags {
			m.Flags = f.fr.Flags
			m.ServerFlags = f.fr.Flags
			m.UserFlags = f.fr.UserFlags
		}
		if f.fr.HasSize {
			m.Size = f.fr.Size
		}
		if f.fr.HasInternal {
			m.InternalDate = f.fr.InternalDate
		} else {
			m.InternalDate = now
		}
		if f.fr.HasBodyStructure {
			cs, err := wire.ParseBodyStructure(f.fr.BodyStructure, "")
			if err == nil {
				m.Content = cs
			}
		}

		if len(f.header) > 0 {
			msg, err := mimewire.ConstructFromStream(fe.filer, bytes.NewReader(f.header))
			if err == nil {
				m.Preview, m.Attachment = summarizeParts(msg)
				msg.Close()
			}
		} else if prev != nil {
			// A UID with no header bytes at all (server glitch mid
			// delivery): clone the previous valid sibling's summary
			// fields rather than leave the entry half-populated.
			m.Preview = prev.Preview
			m.Attachment = prev.Attachment
			if m.Content == nil {
				m.Content = prev.Content
			}
		}

		if err := fe.summary.Insert(m); err != nil {
			return err
		}
		cp := m
		prev = &cp

		recent := f.fr.HasFlags && f.fr.Flags&wire.FlagRecent != 0 && !fe.ignoreRecent[u.String()]
		fe.noteAdded(u, recent)
	}

	return nil
}
