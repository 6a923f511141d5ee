package connection

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"spilled.ink/imapcore/wire"
)

// defaultBrainDamageSniffers is the built-in portion of the known-bad
// greeting-banner substring list (spec §C.3), grounded in the original
// source's hard-coded "Courier-IMAP is braindamaged" check: its BODY
// responses can't be trusted for individual parts, so the workaround
// always fetches whole messages instead (folder.retrieve's
// CapBrainDamagedBody branch).
var defaultBrainDamageSniffers = []string{
	"Courier-IMAP",
}

// envBrainDamaged mirrors the original source's getenv("CAMEL_IMAP_BRAINDAMAGED")
// check (spec §6 "Environment variables recognized"): set, it forces
// the workaround on for every Connection regardless of the greeting.
func envBrainDamaged() bool {
	return os.Getenv("CAMEL_IMAP_BRAINDAMAGED") != ""
}

// Capability is a bit set of server capabilities and quirks tracked
// per Connection (spec §3 "Connection state").
type Capability uint32

const (
	CapIMAP4 Capability = 1 << iota
	CapIMAP4rev1
	CapSTATUS
	CapNamespace
	CapUIDPlus
	CapLiteralPlus
	CapStartTLS
	CapAuthPlain
	CapAuthXOAuth2
	CapLoginDisabled
	CapQuota

	// CapXGWMove and CapBrainDamagedBody are server quirks rather than
	// advertised IMAP capabilities. ReadGreeting sets
	// CapBrainDamagedBody from the greeting-banner sniffer list
	// (SPEC_FULL.md §C item 3) or CAMEL_IMAP_BRAINDAMAGED; CapXGWMove is
	// set only by the embedder, through SetCapabilities.
	CapXGWMove
	CapBrainDamagedBody
)

// Has reports whether all bits in want are set in c.
func (c Capability) Has(want Capability) bool { return c&want == want }

// Response is the accumulated result of one send_command: every
// untagged line the server sent before the matching tagged status,
// plus that status itself. It owns one Guard on the Connection's
// command lock; Close releases it.
type Response struct {
	Status   string // "OK", "NO", or "BAD"
	Reason   string
	Untagged [][]byte

	guard *Guard
}

// Close releases the Response's lock guard. Safe to call more than
// once.
func (r *Response) Close() {
	if r == nil {
		return
	}
	r.guard.Release()
	r.guard = nil
}

// Extract returns the first untagged line in r (stored without its
// "* ") that starts with atom, case-sensitively, followed by a space or
// the end of the line, and reports whether one was found. atom may
// span several tokens, such as "4 EXISTS".
func (r *Response) Extract(atom string) (line []byte, ok bool) {
	prefix := []byte(atom)
	for _, u := range r.Untagged {
		if len(u) >= len(prefix) && string(u[:len(prefix)]) == atom {
			if len(u) == len(prefix) || u[len(prefix)] == ' ' {
				return u, true
			}
		}
	}
	return nil, false
}

// Connection owns one IMAP stream: tag generation, command
// serialization via the recursive command lock, the currently
// selected folder, and capability tracking (spec §4.2).
type Connection struct {
	cfg   *Config
	names *wire.FolderNameTable

	conn io.ReadWriteCloser
	br   *bufio.Reader
	bw   *bufio.Writer
	lr   *wire.LiteralReader
	bld  *wire.Builder

	trace *traceWriter

	mu    sync.Mutex
	depth int

	prefix  byte
	counter uint32

	// AlertFunc, if set, is called at most once per distinct alert
	// message for the lifetime of the Connection (spec §4.1).
	AlertFunc func(msg string)
	alertSeen map[string]bool

	// BrainDamageSniffers holds known-bad greeting-banner substrings
	// (spec §C.3) checked in addition to defaultBrainDamageSniffers;
	// set before ReadGreeting to extend the built-in list with an
	// embedder's own observed quirky servers.
	BrainDamageSniffers []string

	selected string
	caps     Capability

	connected bool
	preauthed bool

	// appendRejectsCustomFlags records a server that has refused an
	// APPEND carrying custom (keyword) flags, once learned (spec
	// §4.5.6). It lives on the Connection, not the FolderEngine,
	// because the quirk is a property of the server at the other end
	// of this stream, not of any one folder.
	appendRejectsCustomFlags bool
}

// AppendRejectsCustomFlags reports whether this connection's server has
// previously refused an APPEND carrying custom flags.
func (c *Connection) AppendRejectsCustomFlags() bool { return c.appendRejectsCustomFlags }

// SetAppendRejectsCustomFlags records that this connection's server
// refuses APPENDs carrying custom flags, so future APPENDs strip them
// up front instead of retrying every time.
func (c *Connection) SetAppendRejectsCustomFlags() { c.appendRejectsCustomFlags = true }

// New wraps conn (already dialed and, if applicable, TLS-wrapped) as
// a Connection. names governs %F folder-name translation; trace, if
// non-nil, receives a timestamped copy of the session with LOGIN
// credentials redacted.
func New(conn io.ReadWriteCloser, cfg *Config, names *wire.FolderNameTable, trace io.Writer) *Connection {
	if names == nil {
		names = wire.DefaultFolderNameTable()
	}
	c := &Connection{
		cfg:       cfg,
		names:     names,
		conn:      conn,
		prefix:    cfg.allocatePrefix(),
		connected: true,
		alertSeen: make(map[string]bool),
	}
	c.br = bufio.NewReader(conn)
	c.bw = bufio.NewWriter(conn)
	c.lr = wire.NewLiteralReader(c.br)
	c.bld = &wire.Builder{Names: names, Logf: cfg.Logf}
	if trace != nil {
		c.trace = newTraceWriter(fmt.Sprintf("%c", c.prefix), cfg.Logf, trace)
	}
	return c
}

// ReadGreeting reads the server's initial untagged response (spec §4.1
// "Connection setup"), records whether it was PREAUTH, and sniffs its
// banner text against defaultBrainDamageSniffers plus BrainDamageSniffers,
// setting CapBrainDamagedBody if any substring matches (spec §C.3). It
// must be called once, immediately after New, before any command is
// sent.
func (c *Connection) ReadGreeting() error {
	line, err := wire.ReadLine(c.br)
	if err != nil {
		c.disconnect(err)
		return wire.NewTransport("reading greeting", err)
	}
	if c.trace != nil {
		sw := c.trace.server
		sw.Write(line)
		sw.Write([]byte("\n"))
	}
	kind, _ := wire.ClassifyLine(line)
	if kind != wire.KindUntagged {
		return wire.NewProtocol("connection: greeting is not an untagged line: "+string(line), nil)
	}
	text := line[2:]
	if wire.IsBye(text) {
		c.disconnect(wire.NewProtocol("greeting BYE", nil))
		return wire.NewTransport("server sent BYE greeting", nil)
	}
	banner := string(text)
	if strings.HasPrefix(banner, "PREAUTH") {
		c.preauthed = true
	}
	if envBrainDamaged() || sniffBrainDamaged(banner, c.BrainDamageSniffers) {
		c.caps |= CapBrainDamagedBody
	}
	return nil
}

func sniffBrainDamaged(banner string, extra []string) bool {
	for _, s := range defaultBrainDamageSniffers {
		if strings.Contains(banner, s) {
			return true
		}
	}
	for _, s := range extra {
		if strings.Contains(banner, s) {
			return true
		}
	}
	return false
}

// Selected returns the logical name of the currently selected folder,
// or "" if none.
func (c *Connection) Selected() string { return c.selected }

// SetSelected records folder as the currently selected mailbox,
// called by FolderEngine once SELECT succeeds.
func (c *Connection) SetSelected(folder string) { c.selected = folder }

// Capabilities returns the connection's current capability bit set.
func (c *Connection) Capabilities() Capability { return c.caps }

// SetCapabilities overwrites the capability bit set, called once the
// CAPABILITY response (or a post-LOGIN re-query) has been parsed.
func (c *Connection) SetCapabilities(caps Capability) { c.caps = caps }

// Connected reports whether the connection is still usable.
func (c *Connection) Connected() bool { return c.connected }

// Preauthed reports whether ReadGreeting saw "* PREAUTH", meaning the
// server has already authenticated this connection (e.g. by client
// certificate) and Login/Authenticate must be skipped.
func (c *Connection) Preauthed() bool { return c.preauthed }

func (c *Connection) nextTag() string {
	n := atomic.AddUint32(&c.counter, 1) - 1
	return fmt.Sprintf("%c%05d", c.prefix, n%100000)
}

// disconnect tears down the stream and marks the Connection unusable.
// It never cancels an in-flight command; callers unwind their own lock
// guards after calling this.
func (c *Connection) disconnect(cause error) {
	if !c.connected {
		return
	}
	c.connected = false
	c.conn.Close()
	if c.cfg.Logf != nil {
		c.cfg.Logf("connection(%c): disconnected: %v", c.prefix, cause)
	}
}

func (c *Connection) writeLine(line string) error {
	w := io.Writer(c.bw)
	if c.trace != nil {
		cw := c.trace.client
		masked := maskLoginLine([]byte(line))
		cw.Write(masked)
		cw.Write([]byte("\n"))
	}
	if _, err := io.WriteString(w, line); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func (c *Connection) writeLiteral(payload []byte, redact bool) error {
	if c.trace != nil {
		if redact {
			c.trace.client.Write([]byte("<redacted>"))
		} else {
			c.trace.client.literalDataFollows(len(payload))
			c.trace.client.Write(payload)
		}
	}
	_, err := c.bw.Write(payload)
	return err
}

// sendFormatted writes one formatted command (and any literals it
// carries that must follow a "+" continuation) to the wire, assuming
// the caller already holds the command lock. tag is the already-
// allocated tag string.
func (c *Connection) sendFormatted(tag string, format string, args ...interface{}) error {
	f, err := c.bld.Format(tag+" "+format, args...)
	if err != nil {
		return err
	}
	isLogin := strings.Contains(strings.ToUpper(format), "LOGIN")
	// %S/%F/%G choose a non-synchronizing literal only when LITERAL+ is
	// negotiated, in which case Builder already inlined the bytes into
	// Line; Literals is only populated when a synchronizing literal
	// (requiring a "+" round trip) was chosen.
	if err := c.writeLine(f.Line); err != nil {
		return err
	}
	if err := c.bw.Flush(); err != nil {
		return err
	}
	for _, lit := range f.Literals {
		if _, err := wire.ReadLine(c.br); err != nil { // consume the "+ ..." continuation
			return err
		}
		if err := c.writeLiteral(lit, isLogin); err != nil {
			return err
		}
		if err := c.bw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// readUntil reads response lines until it sees the tagged line whose
// tag matches wantTag (or BYE, or a transport error), accumulating
// untagged lines. It updates alert de-duplication along the way.
func (c *Connection) readUntil(wantTag string) (*Response, error) {
	resp := &Response{}
	for {
		line, err := wire.ReadLine(c.br)
		if err != nil {
			c.disconnect(err)
			return nil, wire.NewTransport("reading response", err)
		}
		if c.trace != nil {
			sw := c.trace.server
			sw.Write(line)
			sw.Write([]byte("\n"))
		}
		kind, tag := wire.ClassifyLine(line)
		switch kind {
		case wire.KindContinuation:
			// A continuation arriving outside of sendFormatted's literal
			// loop is unexpected at this layer; SendCommandStart callers
			// consume it themselves via NextResponse.
			continue
		case wire.KindUntagged:
			text := line[2:]
			if wire.IsBye(text) {
				c.disconnect(wire.NewProtocol("unsolicited BYE", nil))
				return nil, wire.NewTransport("server sent BYE", nil)
			}
			full, err := c.lr.ReadUntagged(text)
			if err != nil {
				c.disconnect(err)
				return nil, err
			}
			c.noteAlert(full)
			resp.Untagged = append(resp.Untagged, full)
		case wire.KindTagged:
			if tag != wantTag {
				// A mismatched tag is a protocol violation from the
				// server; treat it as an extra untagged-ish line and
				// keep reading rather than hanging forever.
				resp.Untagged = append(resp.Untagged, line)
				continue
			}
			status, reason := splitStatusLine(line[len(tag)+1:])
			resp.Status = status
			resp.Reason = reason
			if status != "OK" {
				return resp, wire.NewServerRefusal(status, reason)
			}
			return resp, nil
		default:
			c.disconnect(wire.NewProtocol("unparseable response line", nil))
			return nil, wire.NewProtocol("unparseable response line: "+string(line), nil)
		}
	}
}

func splitStatusLine(rest []byte) (status, reason string) {
	i := 0
	for i < len(rest) && rest[i] != ' ' {
		i++
	}
	status = string(rest[:i])
	if i < len(rest) {
		reason = string(rest[i+1:])
	}
	return status, reason
}

func (c *Connection) noteAlert(text []byte) {
	msg, ok := wire.AlertText(text)
	if !ok || c.AlertFunc == nil {
		return
	}
	if c.alertSeen[msg] {
		return
	}
	c.alertSeen[msg] = true
	c.AlertFunc(msg)
}

// SendCommand issues one complete command under a freshly acquired
// guard and waits for its tagged response. folder, if non-empty and
// not already selected, is selected first under the same guard via
// selectFn (supplied by the folder package to avoid an import cycle).
//
// The returned Response's Close must be called exactly once.
func (c *Connection) SendCommand(selectFn func(g *Guard, folder string) error, folder, format string, args ...interface{}) (*Response, error) {
	g := c.Acquire()
	if folder != "" && c.selected != folder && selectFn != nil {
		if err := selectFn(g, folder); err != nil {
			g.Release()
			return nil, err
		}
	}
	tag := c.nextTag()
	if err := c.sendFormatted(tag, format, args...); err != nil {
		c.disconnect(err)
		g.Release()
		return nil, wire.NewTransport("writing command", err)
	}
	resp, err := c.readUntil(tag)
	if resp != nil {
		resp.guard = g
	} else {
		g.Release()
	}
	return resp, err
}

// SendCommandStart writes format/args to the wire under a freshly
// acquired guard and returns as soon as the command is sent, without
// waiting for the tagged response. The caller must drive NextResponse
// until it returns a tagged or error result, which releases the guard.
func (c *Connection) SendCommandStart(format string, args ...interface{}) (*Guard, string, error) {
	g := c.Acquire()
	tag := c.nextTag()
	if err := c.sendFormatted(tag, format, args...); err != nil {
		c.disconnect(err)
		g.Release()
		return nil, "", wire.NewTransport("writing command", err)
	}
	return g, tag, nil
}

// StreamEvent is one line yielded by NextResponse.
type StreamEvent struct {
	Kind wire.LineKind
	Tag  string // set for KindTagged
	Text []byte
	// Status/Reason are set for KindTagged.
	Status, Reason string
}

// NextResponse reads and returns exactly one response unit: an
// untagged line (fully reassembled, including any literals), a
// continuation line, or the tagged line matching wantTag. On a tagged
// or error result it releases one level of g.
func (c *Connection) NextResponse(g *Guard, wantTag string) (StreamEvent, error) {
	line, err := wire.ReadLine(c.br)
	if err != nil {
		c.disconnect(err)
		g.Release()
		return StreamEvent{}, wire.NewTransport("reading response", err)
	}
	if c.trace != nil {
		sw := c.trace.server
		sw.Write(line)
		sw.Write([]byte("\n"))
	}
	kind, tag := wire.ClassifyLine(line)
	switch kind {
	case wire.KindContinuation:
		return StreamEvent{Kind: kind, Text: line[1:]}, nil
	case wire.KindUntagged:
		text := line[2:]
		if wire.IsBye(text) {
			c.disconnect(wire.NewProtocol("unsolicited BYE", nil))
			g.Release()
			return StreamEvent{}, wire.NewTransport("server sent BYE", nil)
		}
		full, err := c.lr.ReadUntagged(text)
		if err != nil {
			c.disconnect(err)
			g.Release()
			return StreamEvent{}, err
		}
		c.noteAlert(full)
		return StreamEvent{Kind: kind, Text: full}, nil
	case wire.KindTagged:
		if tag != wantTag {
			return StreamEvent{Kind: wire.KindUntagged, Text: line}, nil
		}
		status, reason := splitStatusLine(line[len(tag)+1:])
		g.Release()
		if status != "OK" {
			return StreamEvent{Kind: kind, Tag: tag, Status: status, Reason: reason},
				wire.NewServerRefusal(status, reason)
		}
		return StreamEvent{Kind: kind, Tag: tag, Status: status, Reason: reason}, nil
	default:
		c.disconnect(wire.NewProtocol("unparseable response line", nil))
		g.Release()
		return StreamEvent{}, wire.NewProtocol("unparseable response line: "+string(line), nil)
	}
}

// SendContinuation writes payload in response to a "+" continuation
// received via NextResponse. g must be the guard from the
// SendCommandStart call that triggered the continuation.
func (c *Connection) SendContinuation(g *Guard, payload []byte) error {
	if g == nil || g.c != c || g.released {
		panic("connection: SendContinuation requires the guard that issued the command")
	}
	if err := c.writeLiteral(payload, false); err != nil {
		c.disconnect(err)
		return wire.NewTransport("writing continuation", err)
	}
	if err := c.bw.Flush(); err != nil {
		c.disconnect(err)
		return wire.NewTransport("writing continuation", err)
	}
	return nil
}
