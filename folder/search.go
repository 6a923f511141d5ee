package folder

import (
	"spilled.ink/imapcore/uid"
	"spilled.ink/imapcore/wire"
)

// Search delegates expr to the installed SearchEngine, restricting the
// candidate set to uids when non-empty (spec §4.5.9).
func (fe *FolderEngine) Search(expr string, uids []uid.UID) ([]uid.UID, error) {
	fe.searchMu.Lock()
	se := fe.search
	fe.searchMu.Unlock()
	if se == nil {
		return nil, wire.NewLogical("folder: search: no search engine installed")
	}
	return se.Search(expr, uids)
}

// Count reports how many messages in the folder match expr, again via
// the installed SearchEngine (spec §4.5.9).
func (fe *FolderEngine) Count(expr string) (uint32, error) {
	fe.searchMu.Lock()
	se := fe.search
	fe.searchMu.Unlock()
	if se == nil {
		return 0, wire.NewLogical("folder: count: no search engine installed")
	}
	return se.Count(expr)
}
