package folder

import (
	"errors"
	"io"
	"strconv"

	"spilled.ink/imapcore/journal"
	"spilled.ink/imapcore/uid"
	"spilled.ink/imapcore/wire"
)

// ReplayJournal drives this folder's Journal.Replay against itself
// (spec §4.6), guarded at the Journal level against re-entrance from a
// flag sync triggered mid-replay.
func (fe *FolderEngine) ReplayJournal(online bool) error {
	return fe.journal.Replay(online, fe)
}

// HasPendingJournal reports whether any offline mutation is still
// waiting to replay.
func (fe *FolderEngine) HasPendingJournal() bool {
	return len(fe.journal.Pending()) > 0
}

// AppendResyncing replays one offline APPEND: the body cached under
// the placeholder's temporary UID is re-sent as a real APPEND, and on
// success the temporary UID is retired in favor of the server-assigned
// one (spec §4.5.6 scenario 3).
func (fe *FolderEngine) AppendResyncing(e journal.Entry) error {
	m, _, ok := fe.summary.ByUID(e.TempUID)
	if !ok {
		// Placeholder already gone — e.g. expunged locally before
		// reconnect — nothing left to replay.
		return nil
	}
	stream, ok := fe.cache.Get(e.TempUID, "")
	if !ok {
		return wire.NewLogical("folder: append replay: no cached body for " + e.TempUID.String())
	}
	payload, err := io.ReadAll(stream)
	closeErr := stream.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	userFlags := m.UserFlags
	if fe.conn.AppendRejectsCustomFlags() {
		userFlags = nil
	}
	newUID, err := fe.sendAppend(payload, m.Flags&wire.ServerFlagMask, userFlags)
	if err != nil && len(userFlags) > 0 {
		var wireErr *wire.Error
		if errors.As(err, &wireErr) && wireErr.Kind == wire.KindServerRefusal {
			fe.conn.SetAppendRejectsCustomFlags()
			newUID, err = fe.sendAppend(payload, m.Flags&wire.ServerFlagMask, nil)
		}
	}
	if err != nil {
		return err
	}

	srv, ok := newUID.ServerUID()
	if !ok {
		// No UIDPLUS: the new UID is unknown this session. Leave the
		// placeholder in place; a later rescan surfaces the real
		// message as an unrelated new arrival.
		return nil
	}
	real := uid.Server(srv)
	if err := fe.journal.AddUIDMap(e.TempUID, real); err != nil {
		return err
	}
	if err := fe.cache.Copy(e.TempUID, fe.cache, real); err != nil {
		return err
	}
	fe.ignoreRecent[real.String()] = true
	if err := fe.summary.RemoveUID(e.TempUID); err != nil {
		return err
	}
	return fe.cache.Remove(e.TempUID)
}

// TransferResyncing replays one offline TRANSFER: source UIDs are
// resolved through the Journal's UID remap (a source that is still an
// unresolved temporary is skipped silently), then issued as chunked
// UID COPY commands against the destination folder. When a server
// doesn't echo COPYUID, the destination message is instead realized by
// re-uploading the body already cached locally under its placeholder
// UID (spec §4.5.7).
func (fe *FolderEngine) TransferResyncing(e journal.Entry) error {
	if fe.peers == nil {
		return wire.NewLogical("folder: transfer replay: no peer resolver installed")
	}
	dst, err := fe.peers(e.DestFolder)
	if err != nil {
		return err
	}

	srcByServer := make(map[uint32]uid.UID)
	destByServer := make(map[uint32]uid.UID)
	var nums []uint32
	limit := len(e.TransferUIDs)
	if len(e.DestUIDs) < limit {
		limit = len(e.DestUIDs)
	}
	for i := 0; i < limit; i++ {
		srcUID := e.TransferUIDs[i]
		destUID := e.DestUIDs[i]
		resolvedSrc := srcUID
		if srcUID.IsTemporary() {
			resolved, ok := fe.journal.LookupUID(srcUID)
			if !ok {
				continue
			}
			resolvedSrc = resolved
		}
		srv, ok := resolvedSrc.ServerUID()
		if !ok {
			continue
		}
		nums = append(nums, srv)
		srcByServer[srv] = resolvedSrc
		destByServer[srv] = destUID
	}
	if len(nums) == 0 {
		return nil
	}
	sortUint32(nums)

	fe.replayingTransferSource = true
	defer func() { fe.replayingTransferSource = false }()

	for i := 0; i < len(nums); {
		set, next := wire.EncodeUIDSet(nums[i:], wire.DefaultUIDSetByteLimit)
		if next == 0 {
			next = 1
			set = strconv.FormatUint(uint64(nums[i]), 10)
		}
		chunk := nums[i : i+next]

		resp, err := fe.conn.SendCommand(nil, "", "UID COPY %s %F", set, dst.name)
		if err != nil {
			if resp != nil {
				resp.Close()
			}
			return err
		}
		reason := resp.Reason
		resp.Close()

		srcSet, dstSet, haveCopyUID := parseCopyUID(reason)
		if haveCopyUID && len(srcSet) == len(dstSet) {
			for k, srv := range srcSet {
				destUID, ok := destByServer[srv]
				if !ok {
					continue
				}
				newDest := uid.Server(dstSet[k])
				if destUID.IsTemporary() {
					if err := dst.journal.AddUIDMap(destUID, newDest); err != nil {
						return err
					}
				}
				if err := fe.cache.Copy(srcByServer[srv], dst.cache, newDest); err != nil {
					return err
				}
				dst.ignoreRecent[newDest.String()] = true
			}
		} else {
			// No COPYUID: fall back to re-uploading the body already
			// cached locally under each placeholder destination UID.
			for _, srv := range chunk {
				destUID, ok := destByServer[srv]
				if !ok || !destUID.IsTemporary() {
					continue
				}
				if err := fe.appendCachedBody(dst, destUID); err != nil {
					return err
				}
			}
		}
		i += next
	}
	return nil
}

// appendCachedBody realizes a TRANSFER destination placeholder by
// re-uploading the body already cached under destUID in dst directly,
// used when a COPY reply carries no COPYUID to resolve the
// placeholder the ordinary way.
func (fe *FolderEngine) appendCachedBody(dst *FolderEngine, destUID uid.UID) error {
	stream, ok := dst.cache.Get(destUID, "")
	if !ok {
		return nil
	}
	payload, err := io.ReadAll(stream)
	closeErr := stream.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	var flags wire.Flag
	var userFlags []string
	if m, _, ok := dst.summary.ByUID(destUID); ok {
		flags = m.Flags & wire.ServerFlagMask
		userFlags = m.UserFlags
	}
	if dst.conn.AppendRejectsCustomFlags() {
		userFlags = nil
	}
	newUID, err := dst.sendAppend(payload, flags, userFlags)
	if err != nil {
		return err
	}
	srv, ok := newUID.ServerUID()
	if !ok {
		return nil
	}
	real := uid.Server(srv)
	if err := dst.journal.AddUIDMap(destUID, real); err != nil {
		return err
	}
	if err := dst.cache.Copy(destUID, dst.cache, real); err != nil {
		return err
	}
	dst.ignoreRecent[real.String()] = true
	if err := dst.summary.RemoveUID(destUID); err != nil {
		return err
	}
	return dst.cache.Remove(destUID)
}

// CloseFolders releases any destination folders touched during this
// Journal's replay pass. Destination FolderEngines are resolved
// through peers, which are Store-owned and stay open for the session,
// and every write above already flushes synchronously (summary and
// journal are both backed by SQLite), so there is nothing transient to
// release here.
func (fe *FolderEngine) CloseFolders() error {
	return nil
}
