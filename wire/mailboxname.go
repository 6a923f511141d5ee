package wire

import (
	"strings"

	"spilled.ink/imapcore/wire/utf7mod"
)

// DecodeMailboxName reverses %F/%G's encoding: given the server's wire
// name (already stripped of IMAP string quoting), it returns the
// Unicode server name if names is nil, or else the logical path with
// the namespace prefix and separator translated back to '/'.
func DecodeMailboxName(names *FolderNameTable, wireName string) (logical string, err error) {
	dec, err := utf7mod.Decode([]byte(wireName))
	if err != nil {
		return "", NewProtocol("invalid modified UTF-7 mailbox name", err)
	}
	serverName := string(dec)
	if names == nil {
		return serverName, nil
	}
	ns := names.Personal
	sep := string(ns.Separator)
	name := serverName
	if ns.Prefix != "" {
		name = strings.TrimPrefix(name, ns.Prefix+sep)
	}
	if sep != "/" && sep != "" {
		name = strings.ReplaceAll(name, sep, "/")
	}
	return name, nil
}
