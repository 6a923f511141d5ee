package folder

import (
	"strconv"
	"strings"
	"time"

	"spilled.ink/imapcore/connection"
	"spilled.ink/imapcore/journal"
	"spilled.ink/imapcore/uid"
	"spilled.ink/imapcore/wire"
)

// Transfer copies (or, with deleteOriginals, moves) srcUIDs from fe to
// dst. Online it issues COPY/XGWMOVE against the server; offline it
// clones summary entries locally and logs one journal entry for the
// whole batch, to be resolved on replay (spec §4.5.7).
//
// Per the deadlock-free acquisition order (spec §5), the caller must
// not be holding dst's cache lock; Transfer itself only ever takes
// fe's lock before dst's.
func (fe *FolderEngine) Transfer(srcUIDs []uid.UID, dst *FolderEngine, deleteOriginals, online bool) error {
	if len(srcUIDs) == 0 {
		return nil
	}
	if online {
		return fe.transferOnline(srcUIDs, dst, deleteOriginals)
	}
	return fe.transferOffline(srcUIDs, dst, deleteOriginals)
}

func (fe *FolderEngine) transferOnline(srcUIDs []uid.UID, dst *FolderEngine, deleteOriginals bool) error {
	if err := fe.Sync(false); err != nil {
		return err
	}

	sorted := append([]uid.UID(nil), srcUIDs...)
	uid.Sort(sorted)
	var nums []uint32
	srcByServer := make(map[uint32]uid.UID, len(sorted))
	for _, u := range sorted {
		if srv, ok := u.ServerUID(); ok {
			nums = append(nums, srv)
			srcByServer[srv] = u
		}
	}
	if len(nums) == 0 {
		return nil
	}

	useMove := deleteOriginals && fe.conn.Capabilities().Has(connection.CapXGWMove) && !fe.chunkHasUserFlags(sorted)

	var pairs []copiedPair

	for i := 0; i < len(nums); {
		set, next := wire.EncodeUIDSet(nums[i:], wire.DefaultUIDSetByteLimit)
		if next == 0 {
			next = 1
			set = strconv.FormatUint(uint64(nums[i]), 10)
		}
		chunkNums := nums[i : i+next]

		verb := "UID COPY"
		if useMove {
			verb = "UID XGWMOVE"
		}
		resp, err := fe.conn.SendCommand(nil, "", "%s %s %F", verb, set, dst.name)
		if err != nil {
			if resp != nil {
				resp.Close()
			}
			return err
		}
		reason := resp.Reason
		resp.Close()

		srcSet, dstSet, haveCopyUID := parseCopyUID(reason)
		if haveCopyUID {
			chunkPairs, err := fe.applyCopyUID(dst, srcSet, dstSet, srcByServer)
			if err != nil {
				return err
			}
			pairs = append(pairs, chunkPairs...)
		}

		if deleteOriginals && !useMove {
			// Marked locally only; the next Sync sends the UID STORE
			// that sets \Deleted, and the EXPUNGE waits for Sync(true)
			// or Expunge.
			for _, n := range chunkNums {
				if u, ok := srcByServer[n]; ok {
					m, _, ok2 := fe.summary.ByUID(u)
					if ok2 {
						if err := fe.summary.UpdateFlags(u, m.Flags|wire.FlagDeleted|wire.FlagFolderFlagged, m.ServerFlags, m.UserFlags); err != nil {
							return err
						}
					}
				}
			}
		} else if useMove {
			for _, n := range chunkNums {
				if u, ok := srcByServer[n]; ok {
					if err := fe.summary.RemoveUID(u); err != nil {
						return err
					}
					fe.noteRemoved(u)
				}
			}
		}

		i += next
	}

	// A brief refresh lets the destination's summary pick up the copied
	// messages' new sequence positions before user flags can be tagged
	// onto them.
	if err := dst.Refresh(); err != nil {
		return err
	}
	for _, p := range pairs {
		if len(p.userFlags) == 0 {
			continue
		}
		m, _, ok := dst.summary.ByUID(p.dst)
		if !ok {
			continue
		}
		merged := mergeUserFlagSets(m.UserFlags, p.userFlags)
		if err := dst.summary.UpdateFlags(p.dst, m.Flags, m.ServerFlags, merged); err != nil {
			return err
		}
	}
	return nil
}

// mergeUserFlagSets returns the union of a and b with duplicates
// removed.
func mergeUserFlagSets(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, f := range a {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, f := range b {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// chunkHasUserFlags reports whether any message in uids carries a
// custom (keyword) flag, in which case XGWMOVE cannot be used since
// it does not preserve them across the move (spec §4.5.7).
func (fe *FolderEngine) chunkHasUserFlags(uids []uid.UID) bool {
	for _, u := range uids {
		if m, _, ok := fe.summary.ByUID(u); ok && len(m.UserFlags) > 0 {
			return true
		}
	}
	return false
}

// copiedPair records one COPYUID-paired (source, destination) server
// UID plus the user flags to tag onto the destination once it's
// visible in dst's summary.
type copiedPair struct {
	src, dst  uid.UID
	userFlags []string
}

// applyCopyUID copies cached bodies from fe to dst for every paired
// (src, dst) server UID in srcSet/dstSet, returning the pairs so the
// caller can carry over user flags once dst has caught up via
// Refresh.
func (fe *FolderEngine) applyCopyUID(dst *FolderEngine, srcSet, dstSet []uint32, srcByServer map[uint32]uid.UID) ([]copiedPair, error) {
	if len(srcSet) != len(dstSet) {
		return nil, wire.NewProtocol("folder: COPYUID source/destination set length mismatch", nil)
	}
	pairs := make([]copiedPair, 0, len(srcSet))
	for i, srcSrv := range srcSet {
		srcU, ok := srcByServer[srcSrv]
		if !ok {
			srcU = uid.Server(srcSrv)
		}
		dstU := uid.Server(dstSet[i])
		if err := fe.cache.Copy(srcU, dst.cache, dstU); err != nil {
			return nil, err
		}
		dst.ignoreRecent[dstU.String()] = true

		var userFlags []string
		if m, _, ok := fe.summary.ByUID(srcU); ok {
			userFlags = m.UserFlags
		}
		pairs = append(pairs, copiedPair{src: srcU, dst: dstU, userFlags: userFlags})
	}
	return pairs, nil
}

func (fe *FolderEngine) transferOffline(srcUIDs []uid.UID, dst *FolderEngine, deleteOriginals bool) error {
	now := time.Now()
	var matchedSrc, destUIDs []uid.UID
	for _, srcU := range srcUIDs {
		m, _, ok := fe.summary.ByUID(srcU)
		if !ok {
			continue
		}
		dstU := uid.NewTemporary(now)
		clone := m
		clone.UID = dstU
		clone.ServerFlags = 0
		clone.Flags |= wire.FlagFolderFlagged
		if err := dst.summary.Insert(clone); err != nil {
			return err
		}
		if err := fe.cache.Copy(srcU, dst.cache, dstU); err != nil {
			return err
		}
		dst.noteAdded(dstU, false)
		matchedSrc = append(matchedSrc, srcU)
		destUIDs = append(destUIDs, dstU)

		if deleteOriginals {
			if err := fe.summary.RemoveUID(srcU); err != nil {
				return err
			}
			if err := fe.cache.Remove(srcU); err != nil {
				return err
			}
			fe.noteRemoved(srcU)
		}
	}

	_, err := fe.journal.Log(journal.Entry{
		Kind:            journal.KindTransfer,
		DestFolder:      dst.name,
		TransferUIDs:    matchedSrc,
		DestUIDs:        destUIDs,
		DeleteOriginals: deleteOriginals,
	})
	return err
}

// parseCopyUID extracts the (src-ranges, dst-ranges) UID sets from a
// tagged COPY/XGWMOVE response's [COPYUID <validity> <srcSet>
// <dstSet>] response code.
func parseCopyUID(reason string) (srcUIDs, dstUIDs []uint32, ok bool) {
	inside, found := extractBracket(reason, "COPYUID")
	if !found {
		return nil, nil, false
	}
	fields := strings.Fields(inside)
	if len(fields) != 3 {
		return nil, nil, false
	}
	src, err := wire.DecodeUIDSet(fields[1])
	if err != nil {
		return nil, nil, false
	}
	dstSet, err := wire.DecodeUIDSet(fields[2])
	if err != nil {
		return nil, nil, false
	}
	return src, dstSet, true
}
