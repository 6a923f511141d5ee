// Package mimewire adapts the MIME message representation the core
// stores and serializes to the collaborator contract spec §6 names:
// "MimeMessage / MimePart: carry a MIME tree ... construct_from_stream
// / write_to_stream".
package mimewire

import (
	"fmt"
	"io"

	"crawshaw.io/iox"

	"spilled.ink/imapcore/email"
	"spilled.ink/imapcore/email/msgbuilder"
	"spilled.ink/imapcore/email/msgcleaver"

	"spilled.ink/imapcore/wire"
)

// Message is the MIME tree the core hands to MimePartWrapper and the
// APPEND path: a thin re-export of email.Msg so folder/ and mimepart/
// never need to import email directly.
type Message = email.Msg

// Part is one node of a Message's MIME tree.
type Part = email.Part

// ConstructFromStream builds a Message by splitting src into MIME
// parts (headers + each part's body, sizes and transfer encodings
// filled in), grounded on msgcleaver.Cleave, the teacher's own
// stream-to-Msg splitter. filer backs the per-part staging buffers
// msgcleaver allocates.
func ConstructFromStream(filer *iox.Filer, src io.Reader) (*Message, error) {
	msg, err := msgcleaver.Cleave(filer, src)
	if err != nil {
		return nil, fmt.Errorf("mimewire: construct from stream: %w", err)
	}
	return msg, nil
}

// WriteToStream serializes msg back to wire form (used by APPEND: the
// core writes a locally-constructed or cached Message as the literal
// payload of an APPEND command).
func WriteToStream(w io.Writer, filer *iox.Filer, msg *Message) error {
	b := msgbuilder.Builder{Filer: filer, FillOutFields: true}
	if err := b.Build(w, msg); err != nil {
		return fmt.Errorf("mimewire: write to stream: %w", err)
	}
	return nil
}

// ContentStructure translates a locally-held Message's MIME tree into
// the same ContentStructure shape the wire package parses out of a
// server BODYSTRUCTURE response, so a message appended or copied
// without ever being FETCHed still gets a usable summary entry.
func ContentStructure(msg *Message) *wire.ContentStructure {
	if len(msg.Parts) == 0 {
		return nil
	}
	if len(msg.Parts) == 1 {
		return leafContentStructure(msg.Parts[0])
	}
	root := &wire.ContentStructure{ContentType: "multipart/mixed", PartSpec: ""}
	for _, p := range msg.Parts {
		root.Children = append(root.Children, leafContentStructure(p))
	}
	return root
}

func leafContentStructure(p Part) *wire.ContentStructure {
	size := p.ContentTransferSize
	if size == 0 && p.Content != nil {
		size = p.Content.Size()
	}
	return &wire.ContentStructure{
		ContentType:      p.ContentType,
		TransferEncoding: p.ContentTransferEncoding,
		Size:             size,
		PartSpec:         p.Path,
	}
}
