// Package summary implements FolderSummary: the ordered, persisted
// index of messages in one folder (spec §4.4).
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"spilled.ink/imapcore/uid"
	"spilled.ink/imapcore/wire"
)

// SchemaVersion is the fixed on-disk schema version (spec §6: "this
// spec fixes 3").
const SchemaVersion = 3

// MessageInfo is one entry in a FolderSummary.
type MessageInfo struct {
	UID          uid.UID
	Flags        wire.Flag
	ServerFlags  wire.Flag
	UserFlags    []string
	Size         int64
	InternalDate time.Time
	Content      *wire.ContentStructure
	Dirty        bool
	Preview      bool
	Attachment   bool
}

// changed reports whether M's local flags differ from the flags last
// acknowledged by the server, the condition spec §4.4 calls
// FOLDER_FLAGGED.
func (m MessageInfo) changed() bool {
	return m.Flags&wire.ServerFlagMask != m.ServerFlags
}

// Counters are the cached aggregate counts a FolderSummary keeps in
// sync with every mutation, so callers never need a full scan.
type Counters struct {
	Total          int
	Unread         int
	Deleted        int
	Junk           int
	JunkNotDeleted int
	Visible int // Total minus Deleted
}

// FolderSummary is the ordered, UID-indexed message list for one
// folder, persisted to a SQLite database in the folder's directory
// (spec §6: "summary ... Header: magic, schema version, uidvalidity.
// Body: one record per message").
type FolderSummary struct {
	db *sqlitex.Pool

	order    []uid.UID
	byUID    map[string]*MessageInfo
	counters Counters

	uidValidity uint32
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS Meta (
	SchemaVersion INTEGER NOT NULL,
	UIDValidity   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Messages (
	Ord          INTEGER PRIMARY KEY AUTOINCREMENT,
	UID          TEXT NOT NULL UNIQUE,
	Flags        INTEGER NOT NULL,
	ServerFlags  INTEGER NOT NULL,
	UserFlags    TEXT NOT NULL,
	Size         INTEGER NOT NULL,
	InternalDate INTEGER NOT NULL,
	Content      TEXT,
	Preview      BOOLEAN NOT NULL,
	Attachment   BOOLEAN NOT NULL
);
`

// Open opens (creating if necessary) the summary database at
// path/summary.db.
func Open(path string) (*FolderSummary, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("summary: open %s: %w", path, err)
	}
	dbfile := filepath.Join(path, "summary.db")

	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("summary: open %s: %w", dbfile, err)
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		conn.Close()
		return nil, err
	}
	if err := sqlitex.ExecScript(conn, schemaSQL); err != nil {
		conn.Close()
		return nil, err
	}
	if err := initMeta(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("summary: open %s: %w", dbfile, err)
	}

	pool, err := sqlitex.Open(dbfile, 0, 4)
	if err != nil {
		return nil, fmt.Errorf("summary: pool %s: %w", dbfile, err)
	}

	fs := &FolderSummary{db: pool, byUID: make(map[string]*MessageInfo)}
	if err := fs.load(); err != nil {
		pool.Close()
		return nil, err
	}
	return fs, nil
}

func initMeta(conn *sqlite.Conn) error {
	stmt := conn.Prep("SELECT COUNT(*) AS n FROM Meta;")
	has, err := stmt.Step()
	if err != nil {
		return err
	}
	n := stmt.GetInt64("n")
	stmt.Reset()
	if has && n == 0 {
		insert := conn.Prep("INSERT INTO Meta (SchemaVersion, UIDValidity) VALUES ($v, 0);")
		insert.SetInt64("$v", SchemaVersion)
		if _, err := insert.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FolderSummary) load() error {
	conn := fs.db.Get(context.Background())
	defer fs.db.Put(conn)

	stmt := conn.Prep("SELECT UIDValidity FROM Meta;")
	has, err := stmt.Step()
	if err != nil {
		return err
	}
	if has {
		fs.uidValidity = uint32(stmt.GetInt64("UIDValidity"))
	}
	stmt.Reset()

	sel := conn.Prep(`SELECT UID, Flags, ServerFlags, UserFlags, Size, InternalDate, Content, Preview, Attachment
		FROM Messages ORDER BY Ord ASC;`)
	for {
		hasRow, err := sel.Step()
		if err != nil {
			return err
		}
		if !hasRow {
			break
		}
		m, err := rowToMessageInfo(sel)
		if err != nil {
			return err
		}
		fs.appendInMemory(m)
	}
	return nil
}

func rowToMessageInfo(stmt *sqlite.Stmt) (*MessageInfo, error) {
	m := &MessageInfo{
		UID:          uid.Parse(stmt.GetText("UID")),
		Flags:        wire.Flag(stmt.GetInt64("Flags")),
		ServerFlags:  wire.Flag(stmt.GetInt64("ServerFlags")),
		Size:         stmt.GetInt64("Size"),
		InternalDate: time.Unix(stmt.GetInt64("InternalDate"), 0).UTC(),
		Preview:      stmt.GetInt64("Preview") != 0,
		Attachment:   stmt.GetInt64("Attachment") != 0,
	}
	if uf := stmt.GetText("UserFlags"); uf != "" {
		m.UserFlags = splitUserFlags(uf)
	}
	if cstext := stmt.GetText("Content"); cstext != "" {
		var cs wire.ContentStructure
		if err := json.Unmarshal([]byte(cstext), &cs); err != nil {
			return nil, fmt.Errorf("summary: decoding content structure for %s: %w", m.UID, err)
		}
		m.Content = &cs
	}
	m.Dirty = m.changed()
	return m, nil
}

func joinUserFlags(flags []string) string {
	out := ""
	for i, f := range flags {
		if i > 0 {
			out += " "
		}
		out += f
	}
	return out
}

func splitUserFlags(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func (fs *FolderSummary) appendInMemory(m *MessageInfo) {
	fs.order = append(fs.order, m.UID)
	fs.byUID[m.UID.String()] = m
	fs.accumulate(m, 1)
}

func (fs *FolderSummary) accumulate(m *MessageInfo, sign int) {
	fs.counters.Total += sign
	if m.Flags&wire.FlagSeen == 0 {
		fs.counters.Unread += sign
	}
	deleted := m.Flags&wire.FlagDeleted != 0
	junk := m.Flags&wire.FlagJunk != 0
	if deleted {
		fs.counters.Deleted += sign
	} else {
		fs.counters.Visible += sign
	}
	if junk {
		fs.counters.Junk += sign
		if !deleted {
			fs.counters.JunkNotDeleted += sign
		}
	}
}

// Close releases the underlying database pool.
func (fs *FolderSummary) Close() error { return fs.db.Close() }

// Count returns the number of messages in the summary.
func (fs *FolderSummary) Count() int {
	return len(fs.order)
}

// Counters returns a snapshot of the cached aggregate counters.
func (fs *FolderSummary) Counters() Counters {
	return fs.counters
}

// UIDValidity returns the stored UIDVALIDITY, or 0 if never set.
func (fs *FolderSummary) UIDValidity() uint32 {
	return fs.uidValidity
}

// Index returns the i-th message by ascending sequence position
// (0-based), or ok=false if out of range.
func (fs *FolderSummary) Index(i int) (MessageInfo, bool) {
	if i < 0 || i >= len(fs.order) {
		return MessageInfo{}, false
	}
	return *fs.byUID[fs.order[i].String()], true
}

// ByUID looks up a message by UID, also returning its current
// sequence position.
func (fs *FolderSummary) ByUID(u uid.UID) (MessageInfo, int, bool) {
	m, ok := fs.byUID[u.String()]
	if !ok {
		return MessageInfo{}, -1, false
	}
	for i, ou := range fs.order {
		if ou == u {
			return *m, i, true
		}
	}
	return *m, -1, false
}

// SetUIDValidity records the server's current UIDVALIDITY. If it
// differs from the stored value (and the stored value is nonzero),
// the entire summary is cleared per spec §4.5.1 / §4.4.
func (fs *FolderSummary) SetUIDValidity(v uint32) (changed bool, err error) {
	if fs.uidValidity == v {
		return false, nil
	}
	wasSet := fs.uidValidity != 0
	fs.uidValidity = v
	conn := fs.db.Get(context.Background())
	defer fs.db.Put(conn)
	stmt := conn.Prep("UPDATE Meta SET UIDValidity = $v;")
	stmt.SetInt64("$v", int64(v))
	if _, err := stmt.Step(); err != nil {
		return wasSet, err
	}
	if wasSet {
		if err := fs.clearLocked(conn); err != nil {
			return true, err
		}
	}
	return wasSet, nil
}

// Insert adds m to the end of the summary (the highest sequence
// position) and persists it.
func (fs *FolderSummary) Insert(m MessageInfo) error {
	conn := fs.db.Get(context.Background())
	defer fs.db.Put(conn)
	if err := fs.writeRow(conn, m); err != nil {
		return err
	}
	cp := m
	fs.appendInMemory(&cp)
	return nil
}

func (fs *FolderSummary) writeRow(conn *sqlite.Conn, m MessageInfo) error {
	var content []byte
	if m.Content != nil {
		var err error
		content, err = json.Marshal(m.Content)
		if err != nil {
			return fmt.Errorf("summary: encoding content structure for %s: %w", m.UID, err)
		}
	}
	stmt := conn.Prep(`INSERT INTO Messages
		(UID, Flags, ServerFlags, UserFlags, Size, InternalDate, Content, Preview, Attachment)
		VALUES ($uid, $flags, $serverFlags, $userFlags, $size, $internalDate, $content, $preview, $attachment)
		ON CONFLICT(UID) DO UPDATE SET
			Flags=$flags, ServerFlags=$serverFlags, UserFlags=$userFlags,
			Size=$size, InternalDate=$internalDate, Content=$content,
			Preview=$preview, Attachment=$attachment;`)
	stmt.SetText("$uid", m.UID.String())
	stmt.SetInt64("$flags", int64(m.Flags))
	stmt.SetInt64("$serverFlags", int64(m.ServerFlags))
	stmt.SetText("$userFlags", joinUserFlags(m.UserFlags))
	stmt.SetInt64("$size", m.Size)
	stmt.SetInt64("$internalDate", m.InternalDate.Unix())
	if content != nil {
		stmt.SetText("$content", string(content))
	} else {
		stmt.SetNull("$content")
	}
	stmt.SetBool("$preview", m.Preview)
	stmt.SetBool("$attachment", m.Attachment)
	_, err := stmt.Step()
	return err
}

// RemoveUID deletes the message identified by u, if present.
func (fs *FolderSummary) RemoveUID(u uid.UID) error {
	i, ok := fs.indexOf(u)
	if !ok {
		return nil
	}
	return fs.RemoveIndex(i)
}

// RemoveIndex deletes the i-th message by sequence position.
func (fs *FolderSummary) RemoveIndex(i int) error {
	if i < 0 || i >= len(fs.order) {
		return fmt.Errorf("summary: index %d out of range [0,%d)", i, len(fs.order))
	}
	u := fs.order[i]
	conn := fs.db.Get(context.Background())
	defer fs.db.Put(conn)
	stmt := conn.Prep("DELETE FROM Messages WHERE UID = $uid;")
	stmt.SetText("$uid", u.String())
	if _, err := stmt.Step(); err != nil {
		return err
	}
	m := fs.byUID[u.String()]
	fs.accumulate(m, -1)
	delete(fs.byUID, u.String())
	fs.order = append(fs.order[:i], fs.order[i+1:]...)
	return nil
}

func (fs *FolderSummary) indexOf(u uid.UID) (int, bool) {
	for i, ou := range fs.order {
		if ou == u {
			return i, true
		}
	}
	return 0, false
}

// UpdateFlags rewrites the stored flags/server-flags/user-flags for
// u, recomputing counters and the dirty bit, and persists the change.
func (fs *FolderSummary) UpdateFlags(u uid.UID, flags, serverFlags wire.Flag, userFlags []string) error {
	m, ok := fs.byUID[u.String()]
	if !ok {
		return fmt.Errorf("summary: UpdateFlags: unknown UID %s", u)
	}
	fs.accumulate(m, -1)
	m.Flags = flags
	m.ServerFlags = serverFlags
	m.UserFlags = userFlags
	m.Dirty = m.changed()
	fs.accumulate(m, 1)

	conn := fs.db.Get(context.Background())
	defer fs.db.Put(conn)
	return fs.writeRow(conn, *m)
}

// UpdateContent rewrites the stored content structure and preview /
// attachment hints for u, e.g. after a follow-up BODYSTRUCTURE fetch
// completes one that arrived truncated.
func (fs *FolderSummary) UpdateContent(u uid.UID, cs *wire.ContentStructure, preview, attachment bool) error {
	m, ok := fs.byUID[u.String()]
	if !ok {
		return fmt.Errorf("summary: UpdateContent: unknown UID %s", u)
	}
	m.Content = cs
	m.Preview = preview
	m.Attachment = attachment

	conn := fs.db.Get(context.Background())
	defer fs.db.Put(conn)
	return fs.writeRow(conn, *m)
}

// ChangedSet returns the UIDs whose local flags have not yet been
// acknowledged by the server (FOLDER_FLAGGED in spec terms).
func (fs *FolderSummary) ChangedSet() []uid.UID {
	var out []uid.UID
	for _, u := range fs.order {
		if fs.byUID[u.String()].changed() {
			out = append(out, u)
		}
	}
	return out
}

// All returns every message in sequence order. Callers must not
// retain the returned slice across a mutating call.
func (fs *FolderSummary) All() []MessageInfo {
	out := make([]MessageInfo, len(fs.order))
	for i, u := range fs.order {
		out[i] = *fs.byUID[u.String()]
	}
	return out
}

// MaxUID returns the largest server UID held in the summary.
func (fs *FolderSummary) MaxUID() uint32 {
	var max uint32
	for _, u := range fs.order {
		if srv, ok := u.ServerUID(); ok && srv > max {
			max = srv
		}
	}
	return max
}

// Clear discards every message in the summary (spec §4.5.1: a
// UIDVALIDITY mismatch clears the summary and the cache).
func (fs *FolderSummary) Clear() error {
	conn := fs.db.Get(context.Background())
	defer fs.db.Put(conn)
	return fs.clearLocked(conn)
}

func (fs *FolderSummary) clearLocked(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "DELETE FROM Messages;", nil); err != nil {
		return err
	}
	fs.order = nil
	fs.byUID = make(map[string]*MessageInfo)
	fs.counters = Counters{}
	return nil
}

// IsKnownUID reports whether u has an entry in the summary, the
// predicate cache.Open needs to reconcile its directory against the
// summary (spec §4.3).
func (fs *FolderSummary) IsKnownUID(u uid.UID) bool {
	_, ok := fs.byUID[u.String()]
	return ok
}
