package wire

import (
	"bytes"
	"strconv"
	"strings"
)

// ContentStructure is one node of a recursively parsed BODYSTRUCTURE,
// mirroring email.Part's ContentType/Path fields (spec §3's "content
// structure: recursive: content-type, transfer-encoding, child parts,
// part-spec path").
type ContentStructure struct {
	ContentType       string // "text/plain", "multipart/mixed", ...
	TransferEncoding  string // "7bit", "base64", "quoted-printable", ...
	Size              int64
	PartSpec          string // dotted IMAP BODY[...] path, e.g. "1.2"
	Children          []*ContentStructure
	IsMessageRFC822   bool
	EnclosedMessageID string // Message-ID of an enclosed message/rfc822, if parsed
}

// ParseBodyStructure parses the parenthesized text of a BODYSTRUCTURE
// fetch item into a ContentStructure tree. parentPath is "" at the
// root and is prefixed onto each child's PartSpec, one-based, dotted,
// per RFC 3501's BODY[n.n.n] addressing.
func ParseBodyStructure(text []byte, parentPath string) (*ContentStructure, error) {
	text = bytes.TrimSpace(text)
	text = trimOuterParens(text)

	if isMultipart(text) {
		return parseMultipart(text, parentPath)
	}
	return parseLeaf(text, parentPath)
}

// isMultipart reports whether the body structure's first element is
// itself a parenthesized list (i.e. the part has children), which is
// how RFC 3501 distinguishes multipart bodies from leaf bodies.
func isMultipart(text []byte) bool {
	t := bytes.TrimLeft(text, " ")
	return len(t) > 0 && t[0] == '('
}

func parseMultipart(text []byte, parentPath string) (*ContentStructure, error) {
	cs := &ContentStructure{ContentType: "multipart/"}
	rest := text
	childNum := 1
	for {
		rest = bytes.TrimLeft(rest, " ")
		if len(rest) == 0 || rest[0] != '(' {
			break
		}
		child, rest2, err := scanParenList(rest)
		if err != nil {
			return nil, err
		}
		path := strconv.Itoa(childNum)
		if parentPath != "" {
			path = parentPath + "." + path
		}
		childCS, err := ParseBodyStructure(child, path)
		if err != nil {
			return nil, err
		}
		cs.Children = append(cs.Children, childCS)
		rest = rest2
		childNum++
	}
	// Next token is the multipart subtype string, e.g. "mixed".
	rest = bytes.TrimLeft(rest, " ")
	subtype, _, err := scanQuotedOrAtom(rest)
	if err == nil {
		cs.ContentType += strings.ToLower(string(subtype))
	}
	if parentPath == "" {
		cs.PartSpec = ""
	} else {
		cs.PartSpec = parentPath
	}
	return cs, nil
}

func parseLeaf(text []byte, path string) (*ContentStructure, error) {
	cs := &ContentStructure{PartSpec: path}

	typ, rest, err := scanQuotedOrAtom(text)
	if err != nil {
		return nil, err
	}
	rest = bytes.TrimLeft(rest, " ")
	subtype, rest, err := scanQuotedOrAtom(rest)
	if err != nil {
		return nil, err
	}
	cs.ContentType = strings.ToLower(string(typ)) + "/" + strings.ToLower(string(subtype))

	// body parameter list
	_, rest, err = scanAnyValue(rest)
	if err != nil {
		return nil, err
	}
	// body id
	_, rest, err = scanAnyValue(bytes.TrimLeft(rest, " "))
	if err != nil {
		return nil, err
	}
	// body description
	_, rest, err = scanAnyValue(bytes.TrimLeft(rest, " "))
	if err != nil {
		return nil, err
	}
	// body encoding
	enc, rest, err := scanQuotedOrAtom(bytes.TrimLeft(rest, " "))
	if err != nil {
		return nil, err
	}
	cs.TransferEncoding = strings.ToLower(string(enc))

	// body size
	size, rest, err := scanNumber(bytes.TrimLeft(rest, " "))
	if err == nil {
		cs.Size = size
	}

	if cs.ContentType == "message/rfc822" {
		cs.IsMessageRFC822 = true
		// envelope, body-structure of the enclosed message, line count
		_, rest2, err := scanAnyValue(bytes.TrimLeft(rest, " "))
		if err == nil {
			if inner, rest3, err := scanParenList(bytes.TrimLeft(rest2, " ")); err == nil {
				enclosedPath := path
				if enclosedPath == "" {
					enclosedPath = "1"
				}
				if enclosed, err := ParseBodyStructure(inner, enclosedPath); err == nil {
					cs.Children = append(cs.Children, enclosed)
				}
				rest = rest3
			}
		}
	}

	return cs, nil
}

// Leaves returns the leaf (non-multipart) nodes of cs in document
// order, the set of parts MimePartWrapper callers fetch individually.
func (cs *ContentStructure) Leaves() []*ContentStructure {
	if len(cs.Children) == 0 {
		return []*ContentStructure{cs}
	}
	var out []*ContentStructure
	for _, c := range cs.Children {
		out = append(out, c.Leaves()...)
	}
	return out
}

// IsComplete reports whether cs (and every descendant) has a non-empty
// ContentType, the signal the core uses to decide whether a
// BODYSTRUCTURE re-fetch is needed (spec §4.5.8 step 3).
func (cs *ContentStructure) IsComplete() bool {
	if cs == nil || cs.ContentType == "" {
		return false
	}
	for _, c := range cs.Children {
		if !c.IsComplete() {
			return false
		}
	}
	return true
}
