// Package journal implements the offline Journal: an append-only log
// of mutations performed while a folder was disconnected, replayed
// once the connection is restored (spec §4.6).
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"spilled.ink/imapcore/uid"
)

// Kind identifies a Journal entry variant.
type Kind int

const (
	KindExpunge Kind = iota + 1
	KindAppend
	KindTransfer
)

func (k Kind) String() string {
	switch k {
	case KindExpunge:
		return "EXPUNGE"
	case KindAppend:
		return "APPEND"
	case KindTransfer:
		return "TRANSFER"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Entry is one logged offline mutation, identified by ID for removal
// after a successful replay.
type Entry struct {
	ID   int64
	Kind Kind

	// EXPUNGE
	ExpungeUIDs []uid.UID

	// APPEND: the temporary UID whose body is cached under (TempUID, "").
	TempUID uid.UID

	// TRANSFER: TransferUIDs and DestUIDs are parallel, source-to-
	// destination pairs (both may hold a temporary UID if the message
	// itself originated from an earlier offline operation).
	DestFolder      string
	TransferUIDs    []uid.UID
	DestUIDs        []uid.UID
	DeleteOriginals bool
}

// payload is the JSON shape an Entry's variant fields are marshaled
// to/from; UIDs are stored as their String() form since uid.UID has
// no exported fields.
type payload struct {
	ExpungeUIDs     []string `json:"expunge_uids,omitempty"`
	TempUID         string   `json:"temp_uid,omitempty"`
	DestFolder      string   `json:"dest_folder,omitempty"`
	TransferUIDs    []string `json:"transfer_uids,omitempty"`
	DestUIDs        []string `json:"dest_uids,omitempty"`
	DeleteOriginals bool     `json:"delete_originals,omitempty"`
}

func (e Entry) toPayload() payload {
	p := payload{DestFolder: e.DestFolder, DeleteOriginals: e.DeleteOriginals}
	for _, u := range e.ExpungeUIDs {
		p.ExpungeUIDs = append(p.ExpungeUIDs, u.String())
	}
	for _, u := range e.TransferUIDs {
		p.TransferUIDs = append(p.TransferUIDs, u.String())
	}
	for _, u := range e.DestUIDs {
		p.DestUIDs = append(p.DestUIDs, u.String())
	}
	if !e.TempUID.IsZero() {
		p.TempUID = e.TempUID.String()
	}
	return p
}

func (p payload) toEntry(id int64, kind Kind) Entry {
	e := Entry{ID: id, Kind: kind, DestFolder: p.DestFolder, DeleteOriginals: p.DeleteOriginals}
	for _, s := range p.ExpungeUIDs {
		e.ExpungeUIDs = append(e.ExpungeUIDs, uid.Parse(s))
	}
	for _, s := range p.TransferUIDs {
		e.TransferUIDs = append(e.TransferUIDs, uid.Parse(s))
	}
	for _, s := range p.DestUIDs {
		e.DestUIDs = append(e.DestUIDs, uid.Parse(s))
	}
	if p.TempUID != "" {
		e.TempUID = uid.Parse(p.TempUID)
	}
	return e
}

// Replayer supplies the FolderEngine primitives Replay drives. It is
// an interface rather than a direct folder.FolderEngine reference so
// journal does not import folder (folder imports journal).
type Replayer interface {
	AppendResyncing(e Entry) error
	ExpungeUIDsResyncing(e Entry) error
	TransferResyncing(e Entry) error
	CloseFolders() error
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS Entries (
	EntryID INTEGER PRIMARY KEY AUTOINCREMENT,
	Kind     INTEGER NOT NULL,
	Payload  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS UIDMap (
	Old TEXT PRIMARY KEY,
	New TEXT NOT NULL
);
`

// Journal is the per-folder offline mutation log, persisted to
// journal.db in the folder's directory.
type Journal struct {
	db *sqlitex.Pool

	mu      sync.Mutex
	entries []Entry
	uidmap  uid.Map

	// replayGuard is TryLock'd for the duration of one Replay call,
	// independently of mu, so that a Replayer callback which itself
	// calls Log/AddUIDMap (acquiring mu briefly) never deadlocks
	// against a Replay that is still iterating.
	replayGuard sync.Mutex
}

// Open opens (creating if necessary) the journal database at
// path/journal.db.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	dbfile := filepath.Join(path, "journal.db")

	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", dbfile, err)
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		conn.Close()
		return nil, err
	}
	if err := sqlitex.ExecScript(conn, schemaSQL); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", dbfile, err)
	}

	pool, err := sqlitex.Open(dbfile, 0, 4)
	if err != nil {
		return nil, fmt.Errorf("journal: pool %s: %w", dbfile, err)
	}

	j := &Journal{db: pool, uidmap: make(uid.Map)}
	if err := j.load(); err != nil {
		pool.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) load() error {
	conn := j.db.Get(context.Background())
	defer j.db.Put(conn)

	sel := conn.Prep("SELECT EntryID, Kind, Payload FROM Entries ORDER BY EntryID ASC;")
	for {
		hasRow, err := sel.Step()
		if err != nil {
			return err
		}
		if !hasRow {
			break
		}
		var p payload
		if err := json.Unmarshal([]byte(sel.GetText("Payload")), &p); err != nil {
			return fmt.Errorf("journal: decoding entry %d: %w", sel.GetInt64("EntryID"), err)
		}
		j.entries = append(j.entries, p.toEntry(sel.GetInt64("EntryID"), Kind(sel.GetInt64("Kind"))))
	}

	mapSel := conn.Prep("SELECT Old, New FROM UIDMap;")
	for {
		hasRow, err := mapSel.Step()
		if err != nil {
			return err
		}
		if !hasRow {
			break
		}
		j.uidmap.Add(mapSel.GetText("Old"), mapSel.GetText("New"))
	}
	return nil
}

// Close releases the underlying database pool.
func (j *Journal) Close() error { return j.db.Close() }

// Log appends entry, persisting and flushing it immediately (spec
// §4.6: "append, then immediately flush the file"; SQLite's own
// transaction commit is the flush).
func (j *Journal) Log(e Entry) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	buf, err := json.Marshal(e.toPayload())
	if err != nil {
		return Entry{}, fmt.Errorf("journal: encoding entry: %w", err)
	}
	conn := j.db.Get(context.Background())
	defer j.db.Put(conn)
	stmt := conn.Prep("INSERT INTO Entries (Kind, Payload) VALUES ($kind, $payload);")
	stmt.SetInt64("$kind", int64(e.Kind))
	stmt.SetText("$payload", string(buf))
	if _, err := stmt.Step(); err != nil {
		return Entry{}, err
	}
	e.ID = conn.LastInsertRowID()
	j.entries = append(j.entries, e)
	return e, nil
}

// remove deletes entry id from the log, both in memory and on disk.
func (j *Journal) remove(id int64) error {
	conn := j.db.Get(context.Background())
	defer j.db.Put(conn)
	stmt := conn.Prep("DELETE FROM Entries WHERE EntryID = $id;")
	stmt.SetInt64("$id", id)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	for i, e := range j.entries {
		if e.ID == id {
			j.entries = append(j.entries[:i], j.entries[i+1:]...)
			break
		}
	}
	return nil
}

// Pending returns the entries still awaiting replay, in log order.
func (j *Journal) Pending() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Replay iterates logged entries in order, invoking the matching
// Replayer primitive for each. On success the entry is removed; on
// failure, replay stops and leaves that entry (and everything after
// it) in the log for a later attempt.
//
// Replay is guarded against recursive invocation: a flag sync
// triggered mid-replay (by AppendResyncing etc. calling back into the
// folder engine) must not re-enter replay. Rather than the source's
// integer re-entrance counter, this is a non-blocking lock acquisition
// on a dedicated guard — a nested Replay call on the same Journal
// finds the guard held and returns immediately, while Replayer
// callbacks remain free to call Log/AddUIDMap (which only ever take
// the short-lived mu, never replayGuard).
func (j *Journal) Replay(online bool, r Replayer) error {
	if !j.replayGuard.TryLock() {
		return nil
	}
	defer j.replayGuard.Unlock()

	if !online {
		return nil
	}

	for _, e := range j.Pending() {
		var err error
		switch e.Kind {
		case KindExpunge:
			err = r.ExpungeUIDsResyncing(e)
		case KindAppend:
			err = r.AppendResyncing(e)
		case KindTransfer:
			err = r.TransferResyncing(e)
		default:
			err = fmt.Errorf("journal: replay: unknown entry kind %v", e.Kind)
		}
		if err != nil {
			return err
		}
		j.mu.Lock()
		removeErr := j.remove(e.ID)
		j.mu.Unlock()
		if removeErr != nil {
			return removeErr
		}
	}
	return r.CloseFolders()
}

// AddUIDMap records that old (a temporary UID) now resolves to new (a
// server-assigned UID), persisting the mapping.
func (j *Journal) AddUIDMap(old, new uid.UID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.uidmap.Add(old.String(), new.String())

	conn := j.db.Get(context.Background())
	defer j.db.Put(conn)
	stmt := conn.Prep(`INSERT INTO UIDMap (Old, New) VALUES ($old, $new)
		ON CONFLICT(Old) DO UPDATE SET New=$new;`)
	stmt.SetText("$old", old.String())
	stmt.SetText("$new", new.String())
	_, err := stmt.Step()
	return err
}

// LookupUID follows u through the remap table. If u is a server UID,
// or a temporary UID with no entry yet, LookupUID returns u unchanged
// and ok is false in the latter case.
func (j *Journal) LookupUID(u uid.UID) (resolved uid.UID, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return uid.Resolve(j.uidmap, u)
}
