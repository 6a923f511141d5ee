package wire

import (
	"sort"
	"strings"
)

// Flag is the bit set drawn from the IMAP system flags plus the
// internal FOLDER_FLAGGED bit used to mark "local change not yet
// pushed" (spec §3).
type Flag uint16

const (
	FlagSeen Flag = 1 << iota
	FlagAnswered
	FlagDeleted
	FlagDraft
	FlagFlagged
	FlagJunk
	FlagRecent

	// FlagFolderFlagged is internal: it is never sent to the server
	// and marks that flags differs from ServerFlags pending a STORE.
	FlagFolderFlagged

	// ServerFlagMask is the subset of Flag bits the server itself
	// understands and reports back via FETCH FLAGS.
	ServerFlagMask = FlagSeen | FlagAnswered | FlagDeleted | FlagDraft | FlagFlagged | FlagJunk | FlagRecent
)

var systemFlagNames = []struct {
	bit  Flag
	name string
}{
	{FlagSeen, `\Seen`},
	{FlagAnswered, `\Answered`},
	{FlagDeleted, `\Deleted`},
	{FlagDraft, `\Draft`},
	{FlagFlagged, `\Flagged`},
	{FlagJunk, `\Junk`},
	{FlagRecent, `\Recent`},
}

// EncodeFlagList renders flags (and any accompanying user flags) as an
// IMAP flag-list: "(\Seen \Flagged keyword)". The system flags always
// precede user flags, each in a stable order, so that
// EncodeFlagList(ParseFlagList(s)) == s up to the system/user split.
func EncodeFlagList(flags Flag, userFlags []string) string {
	var parts []string
	for _, sf := range systemFlagNames {
		if flags&sf.bit != 0 {
			parts = append(parts, sf.name)
		}
	}
	sorted := append([]string(nil), userFlags...)
	sort.Strings(sorted)
	parts = append(parts, sorted...)
	return "(" + strings.Join(parts, " ") + ")"
}

// ParseFlagList parses the contents of a FLAGS fetch item or a STORE
// flag-list (without the surrounding parentheses) into a system-flag
// bit set and a side list of user-defined (keyword) tokens.
func ParseFlagList(s string) (flags Flag, userFlags []string) {
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	for _, tok := range strings.Fields(s) {
		matched := false
		for _, sf := range systemFlagNames {
			if strings.EqualFold(tok, sf.name) {
				flags |= sf.bit
				matched = true
				break
			}
		}
		if !matched {
			userFlags = append(userFlags, tok)
		}
	}
	return flags, userFlags
}
