package wire

import (
	"reflect"
	"testing"
)

func TestEncodeFlagList(t *testing.T) {
	cases := []struct {
		flags     Flag
		userFlags []string
		want      string
	}{
		{FlagSeen, nil, "(\\Seen)"},
		{FlagSeen | FlagFlagged, nil, "(\\Seen \\Flagged)"},
		{0, []string{"NonJunk"}, "(NonJunk)"},
		{FlagDeleted, []string{"zeta", "alpha"}, "(\\Deleted alpha zeta)"},
		{0, nil, "()"},
	}
	for _, c := range cases {
		got := EncodeFlagList(c.flags, c.userFlags)
		if got != c.want {
			t.Errorf("EncodeFlagList(%v, %v) = %q, want %q", c.flags, c.userFlags, got, c.want)
		}
	}
}

func TestParseFlagList(t *testing.T) {
	flags, user := ParseFlagList(`(\Seen \Flagged keyword1 \Junk)`)
	want := FlagSeen | FlagFlagged | FlagJunk
	if flags != want {
		t.Errorf("flags = %v, want %v", flags, want)
	}
	if !reflect.DeepEqual(user, []string{"keyword1"}) {
		t.Errorf("userFlags = %v, want [keyword1]", user)
	}
}

func TestParseFlagListCaseInsensitive(t *testing.T) {
	flags, user := ParseFlagList(`\SEEN \deleted`)
	want := FlagSeen | FlagDeleted
	if flags != want {
		t.Errorf("flags = %v, want %v", flags, want)
	}
	if len(user) != 0 {
		t.Errorf("userFlags = %v, want none", user)
	}
}

func TestParseFlagListEmpty(t *testing.T) {
	flags, user := ParseFlagList("")
	if flags != 0 || user != nil {
		t.Errorf("got (%v, %v), want (0, nil)", flags, user)
	}
}
