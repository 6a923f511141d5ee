// Package store implements Store, the coordinator that owns one
// Connection and every FolderEngine opened against it, dispatching
// the store-level external interface (spec §6) across them.
package store

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"crawshaw.io/iox"

	"spilled.ink/imapcore/connection"
	"spilled.ink/imapcore/folder"
	"spilled.ink/imapcore/uid"
	"spilled.ink/imapcore/wire"
)

// Store is the per-account coordinator: one Connection, a directory
// of per-folder state, and the set of currently open FolderEngines.
type Store struct {
	conn    *connection.Connection
	baseDir string
	filer   *iox.Filer

	mu      sync.Mutex
	folders map[string]*folder.FolderEngine
	search  folder.SearchEngine
}

// New returns a Store over conn, persisting folder state under
// baseDir (created if absent).
func New(conn *connection.Connection, baseDir string, filer *iox.Filer) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, err
	}
	return &Store{
		conn:    conn,
		baseDir: baseDir,
		filer:   filer,
		folders: make(map[string]*folder.FolderEngine),
	}, nil
}

// SetSearchEngine installs the collaborator every subsequently opened
// folder is bound to by default.
func (s *Store) SetSearchEngine(se folder.SearchEngine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.search = se
}

// SelectFolder implements folder.Selector across every folder this
// Store owns, dispatching an auto-select request to the named
// FolderEngine (spec §4.5.1).
func (s *Store) SelectFolder(g *connection.Guard, name string) error {
	fe, err := s.lookup(name)
	if err != nil {
		return err
	}
	return fe.Select()
}

func (s *Store) lookup(name string) (*folder.FolderEngine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fe, ok := s.folders[name]
	if !ok {
		return nil, wire.NewLogical("store: folder not open: " + name)
	}
	return fe, nil
}

// folderDir derives a filesystem-safe per-folder directory from its
// logical (possibly hierarchical, '/'-separated) name.
func (s *Store) folderDir(name string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(name))
}

// Open opens (creating on first use) the named folder's local state
// and issues its initial SELECT, registering it for folder_changed
// dispatch and Journal replay (spec §6 "open(name, flags)").
func (s *Store) Open(name string) (*folder.FolderEngine, error) {
	s.mu.Lock()
	if fe, ok := s.folders[name]; ok {
		s.mu.Unlock()
		return fe, nil
	}
	s.mu.Unlock()

	dir := s.folderDir(name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	fe, err := folder.Open(s.conn, s, name, dir, s.filer)
	if err != nil {
		return nil, err
	}
	fe.SetPeerResolver(s.lookup)

	s.mu.Lock()
	if se := s.search; se != nil {
		fe.SetSearchEngine(se)
	}
	s.folders[name] = fe
	s.mu.Unlock()

	if err := fe.Select(); err != nil {
		s.mu.Lock()
		delete(s.folders, name)
		s.mu.Unlock()
		fe.Close()
		return nil, err
	}
	return fe, nil
}

// Close releases one open folder's local state without touching the
// server side.
func (s *Store) Close(name string) error {
	s.mu.Lock()
	fe, ok := s.folders[name]
	if ok {
		delete(s.folders, name)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return fe.Close()
}

// CloseAll releases every open folder's local state, for clean
// process shutdown.
func (s *Store) CloseAll() error {
	s.mu.Lock()
	folders := make([]*folder.FolderEngine, 0, len(s.folders))
	for _, fe := range s.folders {
		folders = append(folders, fe)
	}
	s.folders = make(map[string]*folder.FolderEngine)
	s.mu.Unlock()

	var firstErr error
	for _, fe := range folders {
		if err := fe.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FolderInfo is one entry of the tree List returns.
type FolderInfo struct {
	Name        string
	Delimiter   string
	NoSelect    bool
	NoInferiors bool
	HasChildren bool

	// StatusKnown reports whether MessageCount/UnseenCount were filled
	// in by a STATUS refresh (spec §C.2); both are zero and
	// StatusKnown is false for a folder List never probed with STATUS,
	// such as one already open (its FolderEngine has live counts) or
	// \Noselect.
	StatusKnown  bool
	MessageCount uint32
	UnseenCount  uint32
}

// List issues LIST top* (or LIST "" "*" when top is empty), parses the
// server's mailbox tree, then refreshes MESSAGES/UNSEEN counts for
// every selectable folder List returned that isn't already open here
// (spec §6 "list(top, flags)"; §C.2 STATUS-based refresh). A folder
// already open has live counts from its FolderEngine's FolderSummary
// and is left alone rather than re-queried.
func (s *Store) List(top string) ([]FolderInfo, error) {
	pattern := "*"
	if top != "" {
		pattern = top + "*"
	}
	resp, err := s.conn.SendCommand(s.SelectFolder, "", `LIST "" %F`, pattern)
	if err != nil {
		if resp != nil {
			resp.Close()
		}
		return nil, err
	}
	defer resp.Close()

	var out []FolderInfo
	for _, line := range resp.Untagged {
		info, ok := parseListLine(line)
		if ok {
			out = append(out, info)
		}
	}

	var unopened []string
	for _, info := range out {
		if info.NoSelect {
			continue
		}
		if _, open := s.folders[info.Name]; open {
			continue
		}
		unopened = append(unopened, info.Name)
	}
	if len(unopened) == 0 {
		return out, nil
	}

	stats, err := s.refreshStatuses(unopened)
	if err != nil {
		return out, err
	}
	for i := range out {
		if st, ok := stats[out[i].Name]; ok {
			out[i].StatusKnown = true
			out[i].MessageCount = st.messages
			out[i].UnseenCount = st.unseen
		}
	}
	return out, nil
}

type folderStatus struct {
	messages uint32
	unseen   uint32
}

// refreshStatuses issues one STATUS command per name in names, the
// way the original Camel IMAP store refreshes a folder list's
// message/unseen counts without SELECTing every mailbox (spec §C.2).
// A single STATUS failure (e.g. a folder deleted between LIST and
// here) is logged to the connection trace and skipped rather than
// aborting the whole refresh.
func (s *Store) refreshStatuses(names []string) (map[string]folderStatus, error) {
	out := make(map[string]folderStatus, len(names))
	for _, name := range names {
		resp, err := s.conn.SendCommand(nil, "", `STATUS %F (MESSAGES UNSEEN)`, name)
		if err != nil {
			if resp != nil {
				resp.Close()
			}
			continue
		}
		for _, line := range resp.Untagged {
			if st, ok := parseStatusLine(line); ok {
				out[name] = st
				break
			}
		}
		resp.Close()
	}
	return out, nil
}

// Create issues CREATE for name (spec §6 "create(parent, name)"; the
// caller composes the full hierarchical name with the delimiter List
// reported).
func (s *Store) Create(name string) error {
	resp, err := s.conn.SendCommand(nil, "", "CREATE %F", name)
	if resp != nil {
		resp.Close()
	}
	return err
}

// Delete issues DELETE for name.
func (s *Store) Delete(name string) error {
	if err := s.Close(name); err != nil {
		return err
	}
	resp, err := s.conn.SendCommand(nil, "", "DELETE %F", name)
	if resp != nil {
		resp.Close()
	}
	return err
}

// Rename issues RENAME from oldName to newName.
func (s *Store) Rename(oldName, newName string) error {
	resp, err := s.conn.SendCommand(nil, "", "RENAME %F %F", oldName, newName)
	if resp != nil {
		resp.Close()
	}
	return err
}

// Subscribe issues SUBSCRIBE for name.
func (s *Store) Subscribe(name string) error {
	resp, err := s.conn.SendCommand(nil, "", "SUBSCRIBE %F", name)
	if resp != nil {
		resp.Close()
	}
	return err
}

// Unsubscribe issues UNSUBSCRIBE for name.
func (s *Store) Unsubscribe(name string) error {
	resp, err := s.conn.SendCommand(nil, "", "UNSUBSCRIBE %F", name)
	if resp != nil {
		resp.Close()
	}
	return err
}

// Noop issues a bare NOOP, the usual way an idle client polls for
// untagged updates.
func (s *Store) Noop() error {
	resp, err := s.conn.SendCommand(nil, "", "NOOP")
	if resp != nil {
		resp.Close()
	}
	return err
}

// UncachedUIDs reports which of uids in the named folder have no
// locally cached whole-message body (spec §6 "uncached_uids(uids)").
func (s *Store) UncachedUIDs(name string, uids []uid.UID) ([]uid.UID, error) {
	fe, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return fe.Cache().FilterCached(uids), nil
}

// GetFilename returns the on-disk path of u's cached whole message in
// the named folder.
func (s *Store) GetFilename(name string, u uid.UID) (string, bool, error) {
	fe, err := s.lookup(name)
	if err != nil {
		return "", false, err
	}
	path, ok := fe.Cache().GetFilename(u, "")
	return path, ok, nil
}

// ReplayJournal drives the named folder's offline Journal against the
// now-reconnected server (spec §4.6).
func (s *Store) ReplayJournal(name string, online bool) error {
	fe, err := s.lookup(name)
	if err != nil {
		return err
	}
	return fe.ReplayJournal(online)
}

func parseListLine(line []byte) (FolderInfo, bool) {
	s := string(line)
	const prefix = "LIST "
	i := indexPrefix(s, prefix)
	if i == -1 {
		return FolderInfo{}, false
	}
	rest := s[i+len(prefix):]
	flagsEnd := indexByte(rest, ')')
	if len(rest) == 0 || rest[0] != '(' || flagsEnd == -1 {
		return FolderInfo{}, false
	}
	flags := rest[1:flagsEnd]
	rest = trimLeftSpace(rest[flagsEnd+1:])

	delim, rest, ok := scanQuotedOrNil(rest)
	if !ok {
		return FolderInfo{}, false
	}
	rest = trimLeftSpace(rest)
	name, _, ok := scanMailboxName(rest)
	if !ok {
		return FolderInfo{}, false
	}

	info := FolderInfo{Name: name, Delimiter: delim}
	info.NoSelect = containsFlag(flags, `\Noselect`)
	info.NoInferiors = containsFlag(flags, `\Noinferiors`)
	info.HasChildren = containsFlag(flags, `\HasChildren`)
	return info, true
}

// parseStatusLine parses one untagged STATUS response, e.g.
// `STATUS "INBOX" (MESSAGES 12 UNSEEN 3)`. Unrecognized items (UIDNEXT,
// UIDVALIDITY, and the like) are skipped; only MESSAGES and UNSEEN are
// needed for the folder-list refresh.
func parseStatusLine(line []byte) (folderStatus, bool) {
	s := string(line)
	const prefix = "STATUS "
	i := indexPrefix(s, prefix)
	if i == -1 {
		return folderStatus{}, false
	}
	rest := s[i+len(prefix):]
	_, rest, ok := scanMailboxName(rest)
	if !ok {
		return folderStatus{}, false
	}
	rest = trimLeftSpace(rest)
	if len(rest) == 0 || rest[0] != '(' {
		return folderStatus{}, false
	}
	end := indexByte(rest, ')')
	if end == -1 {
		return folderStatus{}, false
	}
	var st folderStatus
	fields := splitFields(rest[1:end])
	for i := 0; i+1 < len(fields); i += 2 {
		n, err := strconv.ParseUint(fields[i+1], 10, 32)
		if err != nil {
			continue
		}
		switch fields[i] {
		case "MESSAGES":
			st.messages = uint32(n)
		case "UNSEEN":
			st.unseen = uint32(n)
		}
	}
	return st, true
}

func indexPrefix(s, prefix string) int {
	for i := 0; i+len(prefix) <= len(s); i++ {
		if s[i:i+len(prefix)] == prefix {
			return i
		}
	}
	return -1
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func trimLeftSpace(s string) string {
	i := 0
	for i < len(s) && s[i] == ' ' {
		i++
	}
	return s[i:]
}

func containsFlag(flags, want string) bool {
	for _, f := range splitFields(flags) {
		if f == want {
			return true
		}
	}
	return false
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if start != -1 {
				out = append(out, s[start:i])
				start = -1
			}
		} else if start == -1 {
			start = i
		}
	}
	return out
}

func scanQuotedOrNil(s string) (value, rest string, ok bool) {
	if len(s) >= 3 && s[:3] == "NIL" {
		return "", s[3:], true
	}
	if len(s) == 0 || s[0] != '"' {
		return "", s, false
	}
	for i := 1; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			continue
		}
		if s[i] == '"' {
			return s[1:i], s[i+1:], true
		}
	}
	return "", s, false
}

// scanMailboxName scans a LIST response's trailing mailbox-name token
// (a quoted string or bare atom, both still in modified UTF-7 on the
// wire) and decodes it to the server's Unicode name.
func scanMailboxName(s string) (name, rest string, ok bool) {
	var raw string
	if len(s) > 0 && s[0] == '"' {
		raw, rest, ok = scanQuotedOrNil(s)
		if !ok {
			return "", s, false
		}
	} else {
		i := 0
		for i < len(s) && s[i] != ' ' {
			i++
		}
		if i == 0 {
			return "", s, false
		}
		raw, rest = s[:i], s[i:]
	}
	decoded, err := wire.DecodeMailboxName(nil, raw)
	if err != nil {
		return "", s, false
	}
	return decoded, rest, true
}
