package connection

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// debugLiteralWrite bounds how much of a large literal is copied into
// the trace, mirroring imapserver's debugWriter: enough to see the
// start and end, skipping the bulk.
const debugLiteralWrite = 256

// traceWriter writes a timestamped copy of everything sent and
// received on a Connection, redacting LOGIN credentials. There is no
// internal buffering; callers already write through a bufio so writes
// here arrive in the same batches as the wire traffic.
type traceWriter struct {
	sessionID string
	logf      func(format string, v ...interface{})

	mu         sync.Mutex
	w          io.Writer
	client     *traceDirectional
	server     *traceDirectional
	lastPrefix string
}

func newTraceWriter(sessionID string, logf func(format string, v ...interface{}), w io.Writer) *traceWriter {
	t := &traceWriter{sessionID: sessionID, logf: logf, w: w}
	t.client = &traceDirectional{t: t, prefix: "C: "}
	t.server = &traceDirectional{t: t, prefix: "S: "}
	return t
}

type traceDirectional struct {
	t       *traceWriter
	prefix  string
	litHead int
	litSkip int
}

// literalDataFollows warns the directional writer that the next n
// bytes written are a literal payload, so only its head and tail get
// traced.
func (d *traceDirectional) literalDataFollows(n int) {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	if n < debugLiteralWrite {
		return
	}
	d.litHead = debugLiteralWrite / 2
	d.litSkip = n - debugLiteralWrite
}

func (d *traceDirectional) Write(p []byte) (int, error) {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()

	n := len(p)
	if d.litHead > 0 {
		head := p
		if len(head) > d.litHead {
			head = head[:d.litHead]
		}
		if !d.writeWithPrefix(head) {
			return n, nil
		}
		d.litHead -= len(head)
		p = p[len(head):]
		if d.litHead == 0 {
			fmt.Fprintf(d.t.w, "\n%s... skipping %d bytes of literal ...\n", d.prefix, d.litSkip)
			d.t.lastPrefix = ""
		}
	}
	if d.litSkip > 0 {
		if len(p) < d.litSkip {
			d.litSkip -= len(p)
			return n, nil
		}
		p = p[d.litSkip:]
		d.litSkip = 0
	}
	d.writeWithPrefix(p)
	return n, nil
}

func (d *traceDirectional) writeWithPrefix(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	if d.t.lastPrefix != d.prefix {
		if !d.writePrefix() {
			return false
		}
	}
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i == -1 {
			break
		}
		if !d.write(p[:i+1]) {
			return false
		}
		p = p[i+1:]
		if len(p) == 0 {
			d.t.lastPrefix = ""
			return true
		}
		if !d.writePrefix() {
			return false
		}
	}
	return d.write(p)
}

func (d *traceDirectional) write(p []byte) bool {
	if _, err := d.t.w.Write(p); err != nil {
		if d.t.logf != nil {
			d.t.logf("connection(%s): trace write failed: %v", d.t.sessionID, err)
		}
		return false
	}
	return true
}

func (d *traceDirectional) writePrefix() bool {
	d.t.lastPrefix = d.prefix
	b := make([]byte, 0, 32)
	b = time.Now().AppendFormat(b, "15:04:05.000 ")
	b = append(b, d.prefix...)
	if _, err := d.t.w.Write(b); err != nil {
		if d.t.logf != nil {
			d.t.logf("connection(%s): trace write failed: %v", d.t.sessionID, err)
		}
		return false
	}
	return true
}

// maskLoginLine redacts the credential arguments of a "<tag> LOGIN
// ..." command line before it reaches the trace sink. It recognizes
// the three forms %S can produce: a bare atom, a double-quoted string,
// and a literal header (whose payload arrives in a later Write, for
// which writeLiteral traces "<redacted>" instead of the bytes).
func maskLoginLine(line []byte) []byte {
	fields := bytes.SplitN(line, []byte(" "), 3)
	if len(fields) < 3 {
		return line
	}
	if !bytes.EqualFold(fields[1], []byte("LOGIN")) {
		return line
	}
	out := append([]byte(nil), fields[0]...)
	out = append(out, ' ')
	out = append(out, fields[1]...)
	out = append(out, []byte(" <redacted>")...)
	return out
}
