// Package uid implements the message identifier used throughout the
// core: either a server-assigned UID or a locally synthesized
// placeholder for a message created while offline.
package uid

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// UID is either a server-assigned 32-bit identifier or a temporary
// identifier synthesized for a message created offline.
//
// The wire never sees a Temporary UID: callers that must serialize a
// UID onto the wire should call Server() and check ok.
type UID struct {
	// temp is empty for a server UID.
	temp   string
	server uint32
}

// Server returns a UID naming a server-assigned message number.
func Server(n uint32) UID { return UID{server: n} }

// IsTemporary reports whether u was synthesized locally and has not
// yet been resolved to a server UID.
func (u UID) IsTemporary() bool { return u.temp != "" }

// ServerUID returns the server-assigned number and true, or (0, false)
// if u is still temporary.
func (u UID) ServerUID() (uint32, bool) {
	if u.temp != "" {
		return 0, false
	}
	return u.server, true
}

// String renders the UID as it would appear in a UID remap table or
// in trace output: the decimal server UID, or the temporary string.
func (u UID) String() string {
	if u.temp != "" {
		return u.temp
	}
	return strconv.FormatUint(uint64(u.server), 10)
}

// IsZero reports whether u is the zero value.
func (u UID) IsZero() bool { return u.temp == "" && u.server == 0 }

var tempCounter uint64

// NewTemporary synthesizes a fresh temporary UID of the form
// "tempuid-<hex-time>-<counter>". Temporary UIDs never begin with a
// digit, so a caller can distinguish them from a server UID's decimal
// rendering by inspecting the first byte.
func NewTemporary(now time.Time) UID {
	n := atomic.AddUint64(&tempCounter, 1)
	return UID{temp: fmt.Sprintf("tempuid-%x-%d", now.UnixNano(), n)}
}

// Parse parses a UID as it appears in a persisted summary record or a
// journal entry: a decimal string is a server UID, anything else
// (notably the "tempuid-" prefix) is temporary.
func Parse(s string) UID {
	if s == "" {
		return UID{}
	}
	if s[0] >= '0' && s[0] <= '9' {
		n, err := strconv.ParseUint(s, 10, 32)
		if err == nil {
			return UID{server: uint32(n)}
		}
	}
	return UID{temp: s}
}

// Less reports whether a sorts before b when both are server UIDs,
// ordering by ascending numeric value.
//
// The source this core is modeled on compares "a < a" here, a typo
// that makes the comparator's behavior for ties unspecified. Per the
// spec this is assumed unintended: Less sorts by the numeric UID,
// ascending, and is transitive.
func Less(a, b UID) bool {
	aSrv, aOK := a.ServerUID()
	bSrv, bOK := b.ServerUID()
	switch {
	case aOK && bOK:
		return aSrv < bSrv
	case aOK != bOK:
		// Temporary UIDs (not yet assigned) sort after every
		// server UID; ties among temporaries fall through to
		// the string comparison below.
		return aOK
	default:
		return strings.Compare(a.temp, b.temp) < 0
	}
}

// Sort sorts uids ascending per Less.
func Sort(uids []UID) {
	sort.Slice(uids, func(i, j int) bool { return Less(uids[i], uids[j]) })
}

// Map is a string -> string remap table from temporary UIDs to
// server-assigned UIDs, as produced by Journal replay.
type Map map[string]string

// Add records that old (a temporary UID's string form) now resolves to
// the server-assigned UID new.
func (m Map) Add(old, new string) { m[old] = new }

// Resolve follows u through the map if it is temporary. If u is a
// server UID, or a temporary UID with no entry yet, Resolve returns u
// unchanged and ok is false in the latter case.
func Resolve(m Map, u UID) (resolved UID, ok bool) {
	if !u.IsTemporary() {
		return u, true
	}
	if s, found := m[u.temp]; found {
		return Parse(s), true
	}
	return u, false
}
