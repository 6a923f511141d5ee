package folder

import (
	"strconv"
	"strings"

	"spilled.ink/imapcore/connection"
	"spilled.ink/imapcore/journal"
	"spilled.ink/imapcore/uid"
	"spilled.ink/imapcore/wire"
)

// Expunge removes every message marked \Deleted. Online, it acts
// against the server immediately: with UIDPLUS it targets exactly the
// locally-deleted UIDs via UID EXPUNGE; without it, it falls back to
// a SEARCH DELETED dance that temporarily un-deletes anything the
// server has marked deleted that the caller didn't ask for (spec
// §4.5.5). Offline, the UIDs are removed from the local summary right
// away and a Journal entry records them for the server-side expunge
// to happen on reconnect (see ExpungeUIDsResyncing).
func (fe *FolderEngine) Expunge(online bool) error {
	var deleted []uid.UID
	for _, m := range fe.summary.All() {
		if m.Flags&wire.FlagDeleted != 0 {
			if _, ok := m.UID.ServerUID(); ok {
				deleted = append(deleted, m.UID)
			}
		}
	}
	if len(deleted) == 0 {
		return nil
	}
	uid.Sort(deleted)

	if online {
		if fe.conn.Capabilities().Has(connection.CapUIDPlus) {
			if err := fe.expungeUIDPlus(deleted); err != nil {
				return err
			}
		} else {
			if err := fe.expungeFallback(deleted); err != nil {
				return err
			}
		}
	} else {
		if _, err := fe.journal.Log(journal.Entry{Kind: journal.KindExpunge, ExpungeUIDs: deleted}); err != nil {
			return err
		}
	}

	for _, u := range deleted {
		if err := fe.summary.RemoveUID(u); err != nil {
			return err
		}
		if !fe.replayingTransferSource {
			if err := fe.cache.Remove(u); err != nil {
				return err
			}
		}
		fe.noteRemoved(u)
	}
	return nil
}

// ExpungeUIDsResyncing replays an offline Expunge: the UIDs are
// already gone from the local summary, so this just performs the
// server-side removal directly against e.ExpungeUIDs rather than
// consulting summary state.
func (fe *FolderEngine) ExpungeUIDsResyncing(e journal.Entry) error {
	if len(e.ExpungeUIDs) == 0 {
		return nil
	}
	uids := append([]uid.UID(nil), e.ExpungeUIDs...)
	uid.Sort(uids)
	if fe.conn.Capabilities().Has(connection.CapUIDPlus) {
		return fe.expungeUIDPlus(uids)
	}
	var nums []uint32
	for _, u := range uids {
		if srv, ok := u.ServerUID(); ok {
			nums = append(nums, srv)
		}
	}
	if len(nums) == 0 {
		return nil
	}
	// Without UIDPLUS there is no way to EXPUNGE only these UIDs; mark
	// them deleted and issue a bare EXPUNGE, accepting that any other
	// message the server independently has marked \Deleted is purged
	// too.
	if err := fe.storeDeletedBit(nums, true); err != nil {
		return err
	}
	resp, err := fe.conn.SendCommand(nil, "", "EXPUNGE")
	if err != nil {
		if resp != nil {
			resp.Close()
		}
		return err
	}
	resp.Close()
	return nil
}

func (fe *FolderEngine) expungeUIDPlus(deleted []uid.UID) error {
	var nums []uint32
	for _, u := range deleted {
		if srv, ok := u.ServerUID(); ok {
			nums = append(nums, srv)
		}
	}
	for i := 0; i < len(nums); {
		set, next := wire.EncodeUIDSet(nums[i:], wire.DefaultUIDSetByteLimit)
		if next == 0 {
			next = 1
			set = strconv.FormatUint(uint64(nums[i]), 10)
		}
		resp, err := fe.conn.SendCommand(nil, "", "UID STORE %s +FLAGS.SILENT (\\Deleted)", set)
		if err != nil {
			if resp != nil {
				resp.Close()
			}
			return err
		}
		resp.Close()

		resp2, err2 := fe.conn.SendCommand(nil, "", "UID EXPUNGE %s", set)
		if err2 != nil {
			if resp2 != nil {
				resp2.Close()
			}
			// A server that advertised UIDPLUS but refuses UID EXPUNGE
			// (seen in the wild as a partial implementation) still
			// accepts a bare EXPUNGE, which takes every message the
			// server has marked \Deleted, including ones outside this
			// chunk and outside the target set.
			resp3, err3 := fe.conn.SendCommand(nil, "", "EXPUNGE")
			if err3 != nil {
				if resp3 != nil {
					resp3.Close()
				}
				return err3
			}
			resp3.Close()
		} else {
			resp2.Close()
		}
		i += next
	}
	return nil
}

func (fe *FolderEngine) expungeFallback(deleted []uid.UID) error {
	if err := fe.Sync(false); err != nil {
		return err
	}

	resp, err := fe.conn.SendCommand(nil, "", "UID SEARCH DELETED")
	if err != nil {
		if resp != nil {
			resp.Close()
		}
		return err
	}
	var serverDeleted []uint32
	if line, ok := resp.Extract("SEARCH"); ok {
		for _, tok := range strings.Fields(strings.TrimPrefix(string(line), "SEARCH")) {
			if n, perr := strconv.ParseUint(tok, 10, 32); perr == nil {
				serverDeleted = append(serverDeleted, uint32(n))
			}
		}
	}
	resp.Close()

	want := make(map[uint32]bool, len(deleted))
	for _, u := range deleted {
		if srv, ok := u.ServerUID(); ok {
			want[srv] = true
		}
	}
	var keep []uint32
	for _, srv := range serverDeleted {
		if !want[srv] {
			keep = append(keep, srv)
		}
	}

	if len(keep) > 0 {
		if err := fe.storeDeletedBit(keep, false); err != nil {
			return err
		}
	}

	resp2, err2 := fe.conn.SendCommand(nil, "", "EXPUNGE")
	if err2 != nil {
		if resp2 != nil {
			resp2.Close()
		}
		return err2
	}
	resp2.Close()

	if len(keep) > 0 {
		if err := fe.storeDeletedBit(keep, true); err != nil {
			return err
		}
	}
	return nil
}

// storeDeletedBit sets (mark=true) or clears (mark=false) \Deleted on
// the given server UIDs.
func (fe *FolderEngine) storeDeletedBit(nums []uint32, mark bool) error {
	sortUint32(nums)
	verb := "-FLAGS.SILENT"
	if mark {
		verb = "+FLAGS.SILENT"
	}
	for i := 0; i < len(nums); {
		set, next := wire.EncodeUIDSet(nums[i:], wire.DefaultUIDSetByteLimit)
		if next == 0 {
			next = 1
			set = strconv.FormatUint(uint64(nums[i]), 10)
		}
		resp, err := fe.conn.SendCommand(nil, "", "UID STORE %s %s (\\Deleted)", set, verb)
		if err != nil {
			if resp != nil {
				resp.Close()
			}
			return err
		}
		resp.Close()
		i += next
	}
	return nil
}
