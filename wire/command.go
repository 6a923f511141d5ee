package wire

import (
	"fmt"
	"strconv"
	"strings"

	"spilled.ink/imapcore/wire/utf7mod"
)

// Namespace is one IMAP namespace (personal, other-users, or shared),
// each with its own prefix and hierarchy separator (original_source
// camel-imap-store.c keeps exactly this table before UTF-7 encoding a
// folder's wire name).
type Namespace struct {
	Prefix    string
	Separator byte
}

// FolderNameTable translates the caller's logical folder path (slash
// separated, e.g. "Work/Invoices") into the server's full mailbox
// name, honoring a namespace prefix and separator, before %F hands the
// result to modified UTF-7 encoding.
type FolderNameTable struct {
	Personal   Namespace
	OtherUsers *Namespace
	Shared     *Namespace
}

// DefaultFolderNameTable is the common case: a personal namespace with
// no prefix and '/' as the separator.
func DefaultFolderNameTable() *FolderNameTable {
	return &FolderNameTable{Personal: Namespace{Separator: '/'}}
}

// ToServerName converts a logical, '/'-separated folder path to the
// server's wire-ready mailbox name (still Unicode; UTF-7 encoding
// happens separately in %F).
func (t *FolderNameTable) ToServerName(logical string) string {
	ns := t.Personal
	sep := string(ns.Separator)
	name := logical
	if sep != "/" {
		name = strings.ReplaceAll(name, "/", sep)
	}
	if ns.Prefix != "" {
		name = ns.Prefix + sep + name
	}
	return name
}

// Builder formats outgoing IMAP commands from a printf-like template,
// recognizing only the directives documented in spec §4.1:
//
//	%s  literal string, inserted verbatim
//	%d  signed decimal integer
//	%%  literal percent
//	%S  IMAP "string": atom, literal, or quoted, whichever fits
//	%F  folder name: namespace-translated, then UTF-7, then %S
//	%G  like %F but skips namespace translation
//
// Any other %X is a caller bug: the literal "%X" (with the actual
// character) is emitted so the mistake is visible on the wire trace,
// and the mistake is logged via Logf if set.
type Builder struct {
	Names *FolderNameTable
	// LiteralPlus reports whether the connection has negotiated the
	// LITERAL+ extension, allowing %S to emit a non-synchronizing
	// literal instead of waiting for a "+" continuation.
	LiteralPlus bool
	Logf        func(format string, v ...interface{})
}

// atomSafe reports whether s can be sent as a bare IMAP atom: no
// SP, control characters, or any of the atom-specials.
func atomSafe(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c <= 0x20 || c == 0x7f:
			return false
		case strings.IndexByte(`(){%*"\]`, c) >= 0:
			return false
		case c == '&': // avoid ambiguity with modified UTF-7 escapes
			return false
		}
	}
	return true
}

// quote backslash-escapes '"' and '\' and wraps s in double quotes.
func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// literalHeader renders the synchronizing or non-synchronizing literal
// header for a string of the given byte length. The non-synchronizing
// form embeds its own "\r\n" since the literal bytes immediately
// follow it on the same write; the synchronizing form omits it, since
// it must be the last thing on the command line and Connection's
// writeLine supplies the line's own trailing CRLF (spec §4.5.6: a
// synchronizing literal argument must be the final %S in its
// command's format string).
func literalHeader(n int, nonSync bool) string {
	if nonSync {
		return fmt.Sprintf("{%d+}\r\n", n)
	}
	return fmt.Sprintf("{%d}", n)
}

// imapString renders value per the %S rules: atom if possible, else a
// literal if LITERAL+ is negotiated, else a backslash-quoted string,
// except that a value holding CR, LF or NUL becomes a synchronizing
// literal when LITERAL+ is not negotiated.
//
// Literal payloads cannot be inlined into the returned string (the
// caller must send them as a separate write, possibly after waiting
// for "+"), so imapString returns the text to place in the command
// line and, when it chose a literal, the literal payload to send
// afterward.
func (b *Builder) imapString(value string) (line string, literal []byte) {
	if atomSafe(value) {
		return value, nil
	}
	// A quoted string cannot carry CR, LF, or NUL (RFC 3501 §4.3), which
	// rules it out for anything but a short, single-line value such as
	// a password or folder name; a message body must always go as a
	// literal.
	if strings.ContainsAny(value, "\r\n\x00") {
		if b.LiteralPlus {
			return literalHeader(len(value), true) + value, nil
		}
		return literalHeader(len(value), false), []byte(value)
	}
	if b.LiteralPlus {
		return literalHeader(len(value), true) + value, nil
	}
	return quote(value), nil
}

// Format builds one command line (and any literal payloads that must
// follow it) from a template and arguments.
//
// The returned line never itself contains embedded non-synchronizing
// literal bytes followed by more command text: per RFC 3501, a
// non-synchronizing literal's bytes go immediately after its "{n+}\r\n"
// header, so Format interleaves them inline in line and returns no
// separate synchronizing literal unless LiteralPlus is false, in which
// case Literals holds the payloads the caller must send (after waiting
// for "+") in order.
type Formatted struct {
	Line     string
	Literals [][]byte
}

// Format renders fmt with args, as described on Builder.
func (b *Builder) Format(format string, args ...interface{}) (Formatted, error) {
	var out strings.Builder
	var literals [][]byte
	argi := 0
	next := func() (interface{}, error) {
		if argi >= len(args) {
			return nil, NewLogical("wire: too few arguments for format " + format)
		}
		v := args[argi]
		argi++
		return v, nil
	}

	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			out.WriteByte(c)
			continue
		}
		i++
		if i >= len(format) {
			out.WriteByte('%')
			break
		}
		switch format[i] {
		case '%':
			out.WriteByte('%')
		case 's':
			v, err := next()
			if err != nil {
				return Formatted{}, err
			}
			s, ok := v.(string)
			if !ok {
				return Formatted{}, NewLogical(fmt.Sprintf("wire: %%s argument is %T, not string", v))
			}
			out.WriteString(s)
		case 'd':
			v, err := next()
			if err != nil {
				return Formatted{}, err
			}
			switch n := v.(type) {
			case int:
				out.WriteString(strconv.Itoa(n))
			case int64:
				out.WriteString(strconv.FormatInt(n, 10))
			case uint32:
				out.WriteString(strconv.FormatUint(uint64(n), 10))
			case uint64:
				out.WriteString(strconv.FormatUint(n, 10))
			default:
				return Formatted{}, NewLogical(fmt.Sprintf("wire: %%d argument is %T, not integer", v))
			}
		case 'S':
			v, err := next()
			if err != nil {
				return Formatted{}, err
			}
			s, ok := v.(string)
			if !ok {
				return Formatted{}, NewLogical(fmt.Sprintf("wire: %%S argument is %T, not string", v))
			}
			line, lit := b.imapString(s)
			out.WriteString(line)
			if lit != nil {
				literals = append(literals, lit)
			}
		case 'F', 'G':
			v, err := next()
			if err != nil {
				return Formatted{}, err
			}
			logical, ok := v.(string)
			if !ok {
				return Formatted{}, NewLogical(fmt.Sprintf("wire: %%%c argument is %T, not string", format[i], v))
			}
			server := logical
			if format[i] == 'F' && b.Names != nil {
				server = b.Names.ToServerName(logical)
			}
			encoded := string(utf7mod.Encode([]byte(server)))
			line, lit := b.imapString(encoded)
			out.WriteString(line)
			if lit != nil {
				literals = append(literals, lit)
			}
		default:
			// Unknown directive: programmer error. Emit as-is so the
			// mistake is visible in a wire trace, and log it.
			if b.Logf != nil {
				b.Logf("wire: unknown format directive %%%c in %q", format[i], format)
			}
			out.WriteByte('%')
			out.WriteByte(format[i])
		}
	}
	return Formatted{Line: out.String(), Literals: literals}, nil
}
