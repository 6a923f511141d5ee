package folder

import (
	"fmt"

	"spilled.ink/imapcore/uid"
	"spilled.ink/imapcore/wire"
)

// slot is one server-reported (UID, flags) pair by ascending sequence
// position, the shape rescan's lockstep walk needs.
type slot struct {
	srvUID    uint32
	flags     wire.Flag
	userFlags []string
}

// rescan reconciles the summary against the server from scratch: it
// fetches every known UID's current flags, walks the result against
// the stored order to detect expunged messages (spec §4.5.2, RFC 2060
// §7.4.1 sequence renumbering), then hands off to fetchNew for any
// messages beyond what was known locally.
func (fe *FolderEngine) rescan(exists uint32) error {
	maxUID := fe.summary.MaxUID()
	var slots []slot
	if maxUID > 0 {
		resp, err := fe.conn.SendCommand(nil, "", "UID FETCH %d:%d (FLAGS)", int(1), int(maxUID))
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
			if fr == nil || !fr.HasUID {
				continue
			}
			s := slot{srvUID: fr.UID}
			if fr.HasFlags {
				s.flags = fr.Flags
				s.userFlags = fr.UserFlags
			}
			slots = append(slots, s)
		}
		resp.Close()
	}

	// Lockstep walk: for each locally known message in order, either it
	// matches the next server slot (keep, possibly updating flags), or
	// it was expunged (RFC 2060 §7.4.1: the server never reports a
	// deleted message's old sequence number again, so its absence here
	// is the only signal).
	local := fe.summary.All()
	si := 0
	var toRemove []uid.UID
	for _, m := range local {
		srv, ok := m.UID.ServerUID()
		if !ok {
			// A temporary (not-yet-replayed) UID has no server
			// counterpart to reconcile against; leave it alone.
			continue
		}
		for si < len(slots) && slots[si].srvUID < srv {
			// The server has a message our summary doesn't know about
			// yet between two known UIDs; fetchNew's tail handling
			// covers genuinely new messages, so skip it here.
			si++
		}
		if si < len(slots) && slots[si].srvUID == srv {
			s := slots[si]
			if s.flags != m.Flags&wire.ServerFlagMask || !sameUserFlags(s.userFlags, m.UserFlags) {
				merged := mergeUserFlags(m.UserFlags, s.userFlags)
				newFlags := (m.Flags &^ wire.ServerFlagMask) | s.flags
				if err := fe.summary.UpdateFlags(m.UID, newFlags, s.flags, merged); err != nil {
					return err
				}
				fe.noteChanged(m.UID)
			}
			si++
			continue
		}
		// Not present on the server: expunged while we were away.
		toRemove = append(toRemove, m.UID)
	}

	for _, u := range toRemove {
		if err := fe.summary.RemoveUID(u); err != nil {
			return err
		}
		if !fe.replayingTransferSource {
			if err := fe.cache.Remove(u); err != nil {
				return fmt.Errorf("folder: rescan: removing cache entry for %s: %w", u, err)
			}
		}
		fe.noteRemoved(u)
	}

	return fe.fetchNew(exists)
}

// sameUserFlags reports whether a and b contain the same set of
// keywords, ignoring order.
func sameUserFlags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, f := range a {
		seen[f]++
	}
	for _, f := range b {
		seen[f]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

// mergeUserFlags folds the server's current keyword set into the
// local one. Per spec §4.5.2 the merged set is simply the server's
// set: once a server supports custom flags at all, it is the
// authority for which keywords apply to a message.
func mergeUserFlags(local, server []string) []string {
	if server == nil {
		return nil
	}
	out := make([]string, len(server))
	copy(out, server)
	return out
}
