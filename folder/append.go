package folder

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"spilled.ink/imapcore/journal"
	"spilled.ink/imapcore/mimewire"
	"spilled.ink/imapcore/summary"
	"spilled.ink/imapcore/uid"
	"spilled.ink/imapcore/wire"
)

// Append stores msg in this folder, online (a real IMAP APPEND) or
// offline (a journal entry replayed later), returning the UID the
// message is now known by (spec §4.5.6).
func (fe *FolderEngine) Append(msg *mimewire.Message, flags wire.Flag, userFlags []string, online bool) (uid.UID, error) {
	var buf bytes.Buffer
	if err := mimewire.WriteToStream(&buf, fe.filer, msg); err != nil {
		return uid.UID{}, err
	}
	payload := normalizeLineEndings(buf.Bytes())
	if online {
		return fe.appendOnline(payload, msg, flags, userFlags)
	}
	return fe.appendOffline(payload, msg, flags, userFlags)
}

func (fe *FolderEngine) appendOnline(payload []byte, msg *mimewire.Message, flags wire.Flag, userFlags []string) (uid.UID, error) {
	tryUserFlags := userFlags
	if fe.conn.AppendRejectsCustomFlags() {
		tryUserFlags = nil
	}

	u, err := fe.sendAppend(payload, flags, tryUserFlags)
	if err != nil && len(tryUserFlags) > 0 {
		var wireErr *wire.Error
		if errors.As(err, &wireErr) && wireErr.Kind == wire.KindServerRefusal {
			fe.conn.SetAppendRejectsCustomFlags()
			tryUserFlags = nil
			u, err = fe.sendAppend(payload, flags, nil)
		}
	}
	if err != nil {
		return uid.UID{}, err
	}

	cs := mimewire.ContentStructure(msg)
	m := summary.MessageInfo{
		UID:         u,
		Flags:       flags,
		ServerFlags: flags,
		UserFlags:   tryUserFlags,
		Size:        int64(len(payload)),
		Content:     cs,
	}
	if cs != nil {
		m.Preview, m.Attachment = summarizeParts(msg)
	}
	if err := fe.summary.Insert(m); err != nil {
		return uid.UID{}, err
	}
	if _, err := fe.cache.Insert(u, "", payload); err != nil {
		return uid.UID{}, err
	}
	fe.ignoreRecent[u.String()] = true
	fe.noteAdded(u, false)
	return u, nil
}

// sendAppend issues one APPEND attempt and parses [APPENDUID] from the
// tagged response on success. Without UIDPLUS, the new UID is not
// learned from APPEND itself; the caller discovers it via the next
// Refresh/fetch_new and this returns a temporary UID meanwhile.
func (fe *FolderEngine) sendAppend(payload []byte, flags wire.Flag, userFlags []string) (uid.UID, error) {
	flagList := ""
	if flags != 0 || len(userFlags) > 0 {
		flagList = wire.EncodeFlagList(flags&wire.ServerFlagMask, userFlags) + " "
	}
	resp, err := fe.conn.SendCommand(nil, "", "APPEND %F %s%S", fe.name, flagList, string(payload))
	if err != nil {
		if resp != nil {
			resp.Close()
		}
		return uid.UID{}, err
	}
	defer resp.Close()

	if newUID, ok := parseAppendUID(resp.Reason); ok {
		return uid.Server(newUID), nil
	}
	return uid.NewTemporary(time.Now()), nil
}

func (fe *FolderEngine) appendOffline(payload []byte, msg *mimewire.Message, flags wire.Flag, userFlags []string) (uid.UID, error) {
	tempUID := uid.NewTemporary(time.Now())

	cs := mimewire.ContentStructure(msg)
	m := summary.MessageInfo{
		UID:       tempUID,
		Flags:     flags | wire.FlagFolderFlagged,
		UserFlags: userFlags,
		Size:      int64(len(payload)),
		Content:   cs,
	}
	if cs != nil {
		m.Preview, m.Attachment = summarizeParts(msg)
	}
	if err := fe.summary.Insert(m); err != nil {
		return uid.UID{}, err
	}
	if _, err := fe.cache.Insert(tempUID, "", payload); err != nil {
		return uid.UID{}, err
	}
	if _, err := fe.journal.Log(journal.Entry{Kind: journal.KindAppend, TempUID: tempUID}); err != nil {
		return uid.UID{}, err
	}
	fe.noteAdded(tempUID, false)
	return tempUID, nil
}

// parseAppendUID extracts the new message UID from a tagged APPEND
// response's [APPENDUID <validity> <uid>] response code.
func parseAppendUID(reason string) (newUID uint32, ok bool) {
	inside, found := extractBracket(reason, "APPENDUID")
	if !found {
		return 0, false
	}
	var validity, u uint64
	n, err := fmt.Sscanf(inside, "%d %d", &validity, &u)
	if err != nil || n != 2 {
		return 0, false
	}
	return uint32(u), true
}

// normalizeLineEndings CRLF-terminates payload, the wire form APPEND
// requires (spec §4.5.6).
func normalizeLineEndings(b []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(b) + len(b)/40)
	for i := 0; i < len(b); i++ {
		if b[i] == '\n' && (i == 0 || b[i-1] != '\r') {
			out.WriteByte('\r')
		}
		out.WriteByte(b[i])
	}
	return out.Bytes()
}
