// Package folder implements FolderEngine, the component that keeps one
// mailbox's local summary, message cache, and offline journal in sync
// with its server-side counterpart (spec §4.5 — the core of the
// client).
package folder

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
	"sync"

	"crawshaw.io/iox"

	"spilled.ink/imapcore/cache"
	"spilled.ink/imapcore/connection"
	"spilled.ink/imapcore/journal"
	"spilled.ink/imapcore/mimewire"
	"spilled.ink/imapcore/summary"
	"spilled.ink/imapcore/uid"
	"spilled.ink/imapcore/wire"
)

// SmallMessageThreshold is the default size, in bytes, below which
// get_message fetches the whole body rather than building a lazy part
// tree (spec §4.5.8).
const SmallMessageThreshold = 5120

var defaultHeaderFields = []string{
	"DATE", "FROM", "TO", "CC", "SUBJECT", "REFERENCES", "IN-REPLY-TO",
	"MESSAGE-ID", "MIME-VERSION", "CONTENT-TYPE", "CONTENT-CLASS",
	"X-CALENDAR-ATTACHMENT",
}

// ChangeSet batches one operation's effect on a folder, handed to the
// embedder via the store-level folder_changed event (spec §6).
type ChangeSet struct {
	Added   []uid.UID
	Removed []uid.UID
	Changed []uid.UID
	Recent  []uid.UID
}

func (c *ChangeSet) empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0 && len(c.Recent) == 0
}

// QuotaRoot is one (name, used, total) triple from GETQUOTAROOT (spec
// §4.5.10).
type QuotaRoot struct {
	Name  string
	Usage int64
	Limit int64
}

// SearchEngine is the collaborator FolderEngine delegates search to
// (spec §6).
type SearchEngine interface {
	Search(expr string, uids []uid.UID) ([]uid.UID, error)
	Count(expr string) (uint32, error)
}

// Selector resolves a logical folder name to the FolderEngine that
// should be SELECTed, letting Connection.SendCommand auto-select
// without folder importing a concrete Store type (mirroring
// connection.Connection's own selectFn parameter).
type Selector interface {
	SelectFolder(g *connection.Guard, name string) error
}

// FolderEngine is the per-folder protocol state machine: summary,
// cache, and journal kept consistent against one selected IMAP
// mailbox.
type FolderEngine struct {
	conn *connection.Connection
	sel  Selector
	name string
	filer *iox.Filer

	cache   *cache.MessageCache
	summary *summary.FolderSummary
	journal *journal.Journal

	permanentFlags     wire.Flag
	permanentUserFlags bool
	readOnly           bool
	needRescan         bool

	// extraHeaderFields appends to the fixed info-relevant header set
	// fetch_new requests: mailing-list headers, configured custom
	// headers (spec §4.5.3).
	extraHeaderFields []string

	// replayingTransferSource is set while replaying a TRANSFER entry
	// whose source is this folder, so Expunge preserves cache entries
	// for the pending COPY replay rather than deleting them (spec
	// §4.5.5).
	replayingTransferSource bool

	ignoreRecent map[string]bool

	searchMu sync.Mutex
	search   SearchEngine

	pendingMu sync.Mutex
	pending   ChangeSet

	// peers resolves another folder's logical name to its FolderEngine,
	// used by TransferResyncing to reach a TRANSFER entry's destination
	// folder during Journal replay. A store binds this once every
	// folder it owns is open.
	peers func(name string) (*FolderEngine, error)
}

// SetPeerResolver installs the lookup TransferResyncing uses to find a
// TRANSFER journal entry's destination FolderEngine by name.
func (fe *FolderEngine) SetPeerResolver(lookup func(name string) (*FolderEngine, error)) {
	fe.peers = lookup
}

// Open opens (or creates) a FolderEngine's on-disk state under dir and
// binds it to conn. sel is consulted by SendCommand to auto-select
// this folder before issuing a command against it.
func Open(conn *connection.Connection, sel Selector, name, dir string, filer *iox.Filer) (*FolderEngine, error) {
	sum, err := summary.Open(dir)
	if err != nil {
		return nil, err
	}
	jrnl, err := journal.Open(dir)
	if err != nil {
		sum.Close()
		return nil, err
	}
	mc, err := cache.Open(dir, filer, sum.IsKnownUID)
	if err != nil {
		sum.Close()
		jrnl.Close()
		return nil, err
	}
	fe := &FolderEngine{
		conn:         conn,
		sel:          sel,
		name:         name,
		filer:        filer,
		cache:        mc,
		summary:      sum,
		journal:      jrnl,
		ignoreRecent: make(map[string]bool),
	}
	return fe, nil
}

// Close releases the folder's persisted state.
func (fe *FolderEngine) Close() error {
	var firstErr error
	if err := fe.summary.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := fe.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Name returns the folder's logical name.
func (fe *FolderEngine) Name() string { return fe.name }

// Summary returns the folder's summary, for read-only inspection by
// the embedder (listing messages, counters).
func (fe *FolderEngine) Summary() *summary.FolderSummary { return fe.summary }

// Cache returns the folder's message cache.
func (fe *FolderEngine) Cache() *cache.MessageCache { return fe.cache }

// ReadOnly reports whether the last SELECT reported [READ-ONLY].
func (fe *FolderEngine) ReadOnly() bool { return fe.readOnly }

// SetSearchEngine installs the collaborator Search and Count delegate
// to.
func (fe *FolderEngine) SetSearchEngine(se SearchEngine) {
	fe.searchMu.Lock()
	defer fe.searchMu.Unlock()
	fe.search = se
}

// SetExtraHeaderFields configures additional header names fetch_new
// requests alongside the fixed info-relevant set (spec §4.5.3: mailing
// list headers, site-specific custom headers).
func (fe *FolderEngine) SetExtraHeaderFields(fields []string) {
	fe.extraHeaderFields = fields
}

// DrainChanges returns and clears the ChangeSet accumulated since the
// last call, for the embedder's folder_changed event (spec §6).
func (fe *FolderEngine) DrainChanges() ChangeSet {
	fe.pendingMu.Lock()
	defer fe.pendingMu.Unlock()
	cs := fe.pending
	fe.pending = ChangeSet{}
	return cs
}

func (fe *FolderEngine) noteAdded(u uid.UID, recent bool) {
	fe.pendingMu.Lock()
	defer fe.pendingMu.Unlock()
	fe.pending.Added = append(fe.pending.Added, u)
	if recent {
		fe.pending.Recent = append(fe.pending.Recent, u)
	}
}

func (fe *FolderEngine) noteRemoved(u uid.UID) {
	fe.pendingMu.Lock()
	defer fe.pendingMu.Unlock()
	fe.pending.Removed = append(fe.pending.Removed, u)
}

func (fe *FolderEngine) noteChanged(u uid.UID) {
	fe.pendingMu.Lock()
	defer fe.pendingMu.Unlock()
	fe.pending.Changed = append(fe.pending.Changed, u)
}

// SelectFolder implements Selector for the trivial case of one
// FolderEngine bound directly to its Connection. A Store fielding many
// folders over one Connection supplies its own Selector that dispatches
// by name instead.
func (fe *FolderEngine) SelectFolder(g *connection.Guard, name string) error {
	if name != fe.name {
		return wire.NewLogical("folder: selector asked for " + name + ", have " + fe.name)
	}
	return fe.doSelect()
}

// Select issues SELECT for this folder and reconciles local state
// against the server's response, per spec §4.5.1.
func (fe *FolderEngine) Select() error {
	return fe.doSelect()
}

func (fe *FolderEngine) doSelect() error {
	resp, err := fe.conn.SendCommand(nil, "", "SELECT %F", fe.name)
	if err != nil {
		if resp != nil {
			resp.Close()
		}
		return err
	}

	var exists uint32
	sawExists := false
	var flags, permFlags wire.Flag
	sawPermFlags := false
	permUserFlags := false
	var newValidity uint32
	sawValidity := false

	for _, line := range resp.Untagged {
		s := string(line)
		switch {
		case strings.HasPrefix(s, "FLAGS "):
			flags, _ = wire.ParseFlagList(strings.TrimPrefix(s, "FLAGS "))
		case strings.Contains(s, "PERMANENTFLAGS"):
			if inside, ok := extractBracket(s, "PERMANENTFLAGS"); ok {
				pf, uf := wire.ParseFlagList(inside)
				permFlags = pf
				permUserFlags = strings.Contains(inside, `\*`) || len(uf) > 0
				sawPermFlags = true
			}
		case strings.Contains(s, "UIDVALIDITY"):
			if inside, ok := extractBracket(s, "UIDVALIDITY"); ok {
				fields := strings.Fields(inside)
				if len(fields) == 2 {
					if v, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
						newValidity = uint32(v)
						sawValidity = true
					}
				}
			}
		case strings.HasSuffix(s, " EXISTS"):
			if v, err := strconv.ParseUint(strings.TrimSuffix(s, " EXISTS"), 10, 32); err == nil {
				exists = uint32(v)
				sawExists = true
			}
		}
	}
	reason := resp.Reason
	resp.Close()

	if sawPermFlags && permFlags != 0 {
		fe.permanentFlags = permFlags
	} else {
		// Either no PERMANENTFLAGS line, or the known server bug of an
		// empty PERMANENTFLAGS list: treat FLAGS as permanent instead.
		fe.permanentFlags = flags
	}
	fe.permanentUserFlags = permUserFlags
	fe.readOnly = strings.Contains(reason, "READ-ONLY")
	fe.conn.SetSelected(fe.name)

	needRescan := false
	if sawValidity {
		changed, err := fe.summary.SetUIDValidity(newValidity)
		if err != nil {
			return err
		}
		if changed {
			if err := fe.cache.Clear(); err != nil {
				return err
			}
			needRescan = true
		}
	}

	if !sawExists {
		exists = uint32(fe.summary.Count())
	}

	if int(exists) < fe.summary.Count() {
		needRescan = true
	} else if !needRescan && fe.summary.Count() > 0 {
		last, ok := fe.summary.Index(fe.summary.Count() - 1)
		if ok {
			srvUID, perr := fe.probeSequenceUID(uint32(fe.summary.Count()))
			if perr == nil {
				if srv, ok2 := last.UID.ServerUID(); !ok2 || srv != srvUID {
					needRescan = true
				}
			}
		}
	}
	fe.needRescan = needRescan

	if needRescan {
		return fe.rescan(exists)
	}
	if int(exists) > fe.summary.Count() {
		return fe.fetchNew(exists)
	}
	return nil
}

// probeSequenceUID fetches the UID of server sequence number seq, the
// cheap deletion probe spec §4.5.1 step 5 describes.
func (fe *FolderEngine) probeSequenceUID(seq uint32) (uint32, error) {
	resp, err := fe.conn.SendCommand(nil, "", "FETCH %d (UID)", int(seq))
	if err != nil {
		if resp != nil {
			resp.Close()
		}
		return 0, err
	}
	defer resp.Close()
	for _, line := range resp.Untagged {
		fr, ferr := parseFetchLine(line)
		if ferr != nil {
			return 0, ferr
		}
		if fr != nil && fr.HasUID {
			return fr.UID, nil
		}
	}
	return 0, wire.NewProtocol("folder: probe FETCH UID returned no FETCH response", nil)
}

// Refresh issues a lightweight NOOP and runs fetch_new if the server
// reports more messages than the summary currently holds; used after a
// COPY to let the destination's new arrivals settle before tagging
// user flags (spec §4.5.7).
func (fe *FolderEngine) Refresh() error {
	resp, err := fe.conn.SendCommand(nil, fe.name, "NOOP")
	if err != nil {
		if resp != nil {
			resp.Close()
		}
		return err
	}
	var exists uint32
	sawExists := false
	for _, line := range resp.Untagged {
		s := string(line)
		if strings.HasSuffix(s, " EXISTS") {
			if v, err := strconv.ParseUint(strings.TrimSuffix(s, " EXISTS"), 10, 32); err == nil {
				exists = uint32(v)
				sawExists = true
			}
		}
	}
	resp.Close()
	if sawExists && int(exists) > fe.summary.Count() {
		return fe.fetchNew(exists)
	}
	return nil
}

// headerSpec renders the BODY.PEEK[...] section argument fetch_new
// requests for message headers (spec §4.5.3).
func (fe *FolderEngine) headerSpec() string {
	if !fe.conn.Capabilities().Has(connection.CapIMAP4rev1) {
		return "0"
	}
	fields := append([]string(nil), defaultHeaderFields...)
	fields = append(fields, fe.extraHeaderFields...)
	return "HEADER.FIELDS (" + strings.Join(fields, " ") + ")"
}

// extractBracket returns the contents of "OK [<code> ...]" from s, or
// ok=false if no such bracketed code is present.
func extractBracket(s, code string) (inside string, ok bool) {
	prefix := "[" + code
	idx := strings.Index(s, prefix)
	if idx == -1 {
		return "", false
	}
	rest := s[idx+len(prefix):]
	end := strings.IndexByte(rest, ']')
	if end == -1 {
		return "", false
	}
	inside = strings.TrimSpace(rest[:end])
	inside = strings.TrimPrefix(inside, "(")
	inside = strings.TrimSuffix(inside, ")")
	return inside, true
}

// parseFetchLine parses one untagged response line as a FETCH item,
// returning fr=nil (not an error) for a line that isn't a FETCH
// response at all (EXISTS, FLAGS, etc., interleaved in the same
// stream).
func parseFetchLine(line []byte) (*wire.FetchResponse, error) {
	i := bytes.IndexByte(line, ' ')
	if i == -1 {
		return nil, nil
	}
	seq, err := strconv.ParseUint(string(line[:i]), 10, 32)
	if err != nil {
		return nil, nil
	}
	rest := bytes.TrimSpace(line[i+1:])
	if !bytes.HasPrefix(rest, []byte("FETCH")) {
		return nil, nil
	}
	rest = bytes.TrimSpace(rest[len("FETCH"):])
	fr, err := wire.ParseFetch(uint32(seq), rest)
	if err != nil {
		return nil, wire.NewProtocol("folder: parsing FETCH response", err)
	}
	return fr, nil
}

// summarizeParts reports whether msg has a previewable text body part
// and/or an attachment part, approximating MessageInfo.Preview/
// Attachment from a freshly constructed header-only MIME tree.
func summarizeParts(msg *mimewire.Message) (preview, attachment bool) {
	for _, p := range msg.Parts {
		if p.IsAttachment {
			attachment = true
		}
		if p.IsBody && strings.HasPrefix(p.ContentType, "text/") {
			preview = true
		}
	}
	return preview, attachment
}

func sortUint32(nums []uint32) {
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
}
