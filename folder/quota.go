package folder

import (
	"bytes"
	"strconv"

	"spilled.ink/imapcore/wire"
)

// QuotaRoots issues GETQUOTAROOT for this folder and returns one
// QuotaRoot per resource of each quota root in the server's reply
// (spec §4.5.10 calls out STORAGE), named "<root>:<resource>".
func (fe *FolderEngine) QuotaRoots() ([]QuotaRoot, error) {
	resp, err := fe.conn.SendCommand(nil, "", "GETQUOTAROOT %F", fe.name)
	if err != nil {
		if resp != nil {
			resp.Close()
		}
		return nil, err
	}
	defer resp.Close()

	var roots []QuotaRoot
	for _, line := range resp.Untagged {
		group, ok := parseQuotaLine(line)
		if !ok {
			continue
		}
		roots = append(roots, group...)
	}
	return roots, nil
}

// parseQuotaLine parses one "QUOTA <root> (<resource> <usage> <limit>
// ...)" untagged response, yielding one QuotaRoot per resource listed
// (RFC 2087); non-QUOTA lines (e.g. QUOTAROOT) are ignored.
func parseQuotaLine(line []byte) ([]QuotaRoot, bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte("QUOTA ")) {
		return nil, false
	}
	rest := bytes.TrimSpace(line[len("QUOTA "):])
	root, rest, err := scanQuotaAtomOrString(rest)
	if err != nil {
		return nil, false
	}
	rest = bytes.TrimSpace(rest)
	if len(rest) < 2 || rest[0] != '(' || rest[len(rest)-1] != ')' {
		return nil, false
	}
	fields := bytes.Fields(rest[1 : len(rest)-1])
	var out []QuotaRoot
	for i := 0; i+3 <= len(fields); i += 3 {
		usage, err1 := strconv.ParseInt(string(fields[i+1]), 10, 64)
		limit, err2 := strconv.ParseInt(string(fields[i+2]), 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, QuotaRoot{
			Name:  root + ":" + string(fields[i]),
			Usage: usage,
			Limit: limit,
		})
	}
	return out, true
}

func scanQuotaAtomOrString(b []byte) (string, []byte, error) {
	b = bytes.TrimLeft(b, " ")
	if len(b) > 0 && b[0] == '"' {
		i := 1
		var out []byte
		for i < len(b) {
			c := b[i]
			if c == '\\' && i+1 < len(b) {
				out = append(out, b[i+1])
				i += 2
				continue
			}
			if c == '"' {
				return string(out), b[i+1:], nil
			}
			out = append(out, c)
			i++
		}
		return "", b, wire.NewProtocol("unterminated quota root name", nil)
	}
	i := 0
	for i < len(b) && b[i] != ' ' && b[i] != '(' {
		i++
	}
	return string(b[:i]), b[i:], nil
}
