package folder

import (
	"strconv"

	"spilled.ink/imapcore/uid"
	"spilled.ink/imapcore/wire"
)

// Sync pushes every locally changed flag set (spec's FOLDER_FLAGGED
// messages) up to the server via UID STORE, batching messages that
// share the same resulting flag list into one command. If expunge is
// true, Expunge runs afterward under the same lock acquisition (spec
// §4.5.4).
func (fe *FolderEngine) Sync(expunge bool) error {
	for {
		changed := fe.summary.ChangedSet()
		if len(changed) == 0 {
			break
		}
		uid.Sort(changed)

		batch, flagList, serverFlags, userFlags := fe.nextBatch(changed)
		if len(batch) == 0 {
			break
		}
		if err := fe.storeFlags(batch, flagList); err != nil {
			return err
		}
		for _, u := range batch {
			if err := fe.summary.UpdateFlags(u, serverFlags|(fe.localOnlyBits(u)), serverFlags, userFlags); err != nil {
				return err
			}
		}
	}
	if expunge {
		return fe.Expunge(true)
	}
	return nil
}

// localOnlyBits returns the flag bits summary tracks that the server
// never echoes back, except FlagFolderFlagged, which a successful
// STORE clears.
func (fe *FolderEngine) localOnlyBits(u uid.UID) wire.Flag {
	m, _, ok := fe.summary.ByUID(u)
	if !ok {
		return 0
	}
	return m.Flags &^ (wire.ServerFlagMask | wire.FlagFolderFlagged)
}

// nextBatch picks the longest run of changed messages that share an
// identical target flag list, so one STORE command can cover them all.
func (fe *FolderEngine) nextBatch(changed []uid.UID) (batch []uid.UID, flagList string, serverFlags wire.Flag, userFlags []string) {
	first, _, ok := fe.summary.ByUID(changed[0])
	if !ok {
		return nil, "", 0, nil
	}
	targetFlags := first.Flags & wire.ServerFlagMask
	targetUser := first.UserFlags
	for _, u := range changed {
		m, _, ok := fe.summary.ByUID(u)
		if !ok {
			continue
		}
		if m.Flags&wire.ServerFlagMask != targetFlags || !sameUserFlags(m.UserFlags, targetUser) {
			if len(batch) > 0 {
				break
			}
			continue
		}
		batch = append(batch, u)
	}
	return batch, wire.EncodeFlagList(targetFlags, targetUser), targetFlags, targetUser
}

// storeFlags issues UID STORE ... FLAGS.SILENT <flagList> for every
// server UID in batch, chunked to DefaultUIDSetByteLimit. An empty
// flag list ("()") goes through storeEmptyFlagList, since some servers
// reject it (spec §4.5.4).
func (fe *FolderEngine) storeFlags(batch []uid.UID, flagList string) error {
	var nums []uint32
	for _, u := range batch {
		if srv, ok := u.ServerUID(); ok {
			nums = append(nums, srv)
		}
	}
	if len(nums) == 0 {
		return nil
	}
	sortUint32(nums)

	for i := 0; i < len(nums); {
		set, next := wire.EncodeUIDSet(nums[i:], wire.DefaultUIDSetByteLimit)
		if next == 0 {
			// A single UID's own range text somehow exceeds the limit;
			// force progress rather than loop forever.
			next = 1
			set = strconv.FormatUint(uint64(nums[i]), 10)
		}

		var err error
		if flagList == "()" {
			err = fe.storeEmptyFlagList(set)
		} else {
			resp, serr := fe.conn.SendCommand(nil, "", "UID STORE %s FLAGS.SILENT %s", set, flagList)
			if serr != nil {
				if resp != nil {
					resp.Close()
				}
				err = serr
			} else {
				resp.Close()
			}
		}
		if err != nil {
			return err
		}
		i += next
	}
	return nil
}

// storeEmptyFlagList clears all system flags from the UID set named by
// set. It first sends "FLAGS.SILENT ()"; if the server refuses that, it
// sends one "-FLAGS.SILENT" listing every system flag. No further
// fallback is tried: if that second STORE fails too, its error is
// returned.
func (fe *FolderEngine) storeEmptyFlagList(set string) error {
	resp, err := fe.conn.SendCommand(nil, "", "UID STORE %s FLAGS.SILENT ()", set)
	if err == nil {
		resp.Close()
		return nil
	}
	if resp != nil {
		resp.Close()
	}
	all := wire.EncodeFlagList(wire.ServerFlagMask, nil)
	resp2, err2 := fe.conn.SendCommand(nil, "", "UID STORE %s -FLAGS.SILENT %s", set, all)
	if err2 != nil {
		if resp2 != nil {
			resp2.Close()
		}
		return err2
	}
	resp2.Close()
	return nil
}
