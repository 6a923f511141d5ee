package wire

import (
	"bufio"
	"strings"
	"testing"
)

func TestClassifyLine(t *testing.T) {
	cases := []struct {
		raw      string
		wantKind LineKind
		wantTag  string
	}{
		{"* 12 EXISTS", KindUntagged, ""},
		{"+ go ahead", KindContinuation, ""},
		{"A0001 OK LOGIN completed", KindTagged, "A0001"},
		{"A0002 NO [ALERT] quota exceeded", KindTagged, "A0002"},
		{"", KindError, ""},
	}
	for _, c := range cases {
		kind, tag := ClassifyLine([]byte(c.raw))
		if kind != c.wantKind || tag != c.wantTag {
			t.Errorf("ClassifyLine(%q) = (%v, %q), want (%v, %q)", c.raw, kind, tag, c.wantKind, c.wantTag)
		}
	}
}

func TestIsBye(t *testing.T) {
	if !IsBye([]byte("BYE server shutting down")) {
		t.Error("expected BYE to match")
	}
	if IsBye([]byte("BYEFOO bar")) {
		t.Error("BYEFOO should not match as BYE")
	}
	if IsBye([]byte("OK still here")) {
		t.Error("OK should not match as BYE")
	}
}

func TestAlertText(t *testing.T) {
	msg, ok := AlertText([]byte("OK [ALERT] disk quota low"))
	if !ok || msg != "disk quota low" {
		t.Errorf("got (%q, %v), want (disk quota low, true)", msg, ok)
	}
	if _, ok := AlertText([]byte("OK no alert here")); ok {
		t.Error("expected no alert match")
	}
}

func TestReadUntaggedSimpleLiteral(t *testing.T) {
	stream := "12 FETCH (BODY[] {5}\r\nhello)\r\n"
	r := bufio.NewReader(strings.NewReader(stream))
	first, err := ReadLine(r)
	if err != nil {
		t.Fatal(err)
	}
	lr := NewLiteralReader(r)
	got, err := lr.ReadUntagged(first)
	if err != nil {
		t.Fatal(err)
	}
	want := "12 FETCH (BODY[] {5}hello\n)"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReadUntaggedBlankLineAfterLiteralQuirk(t *testing.T) {
	// Some servers emit a spurious blank line after a literal while still
	// inside a parenthesized list; it must be silently swallowed.
	stream := "12 FETCH (BODY[] {5}\r\nhello\r\n)\r\n"
	r := bufio.NewReader(strings.NewReader(stream))
	first, err := ReadLine(r)
	if err != nil {
		t.Fatal(err)
	}
	lr := NewLiteralReader(r)
	got, err := lr.ReadUntagged(first)
	if err != nil {
		t.Fatal(err)
	}
	want := "12 FETCH (BODY[] {5}hello\n)"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReadUntaggedNoLiteral(t *testing.T) {
	stream := "15 EXISTS\r\n"
	r := bufio.NewReader(strings.NewReader(stream))
	first, err := ReadLine(r)
	if err != nil {
		t.Fatal(err)
	}
	lr := NewLiteralReader(r)
	got, err := lr.ReadUntagged(first)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "15 EXISTS" {
		t.Errorf("got %q", got)
	}
}

func TestReadUntaggedMultipleLiterals(t *testing.T) {
	stream := "1 FETCH (BODY[1] {2}\r\nhiBODY[2] {3}\r\nbye)\r\n"
	r := bufio.NewReader(strings.NewReader(stream))
	first, err := ReadLine(r)
	if err != nil {
		t.Fatal(err)
	}
	lr := NewLiteralReader(r)
	got, err := lr.ReadUntagged(first)
	if err != nil {
		t.Fatal(err)
	}
	want := "1 FETCH (BODY[1] {2}hi\nBODY[2] {3}bye\n)"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNonSyncLiteralHeaderPreserved(t *testing.T) {
	n, nonSync, ok := trailingLiteralLen([]byte("A LOGIN {007+}"))
	if !ok || n != 7 || !nonSync {
		t.Errorf("got (%d, %v, %v), want (7, true, true)", n, nonSync, ok)
	}
}

func TestRewriteLiteralHeaderPreservesWidth(t *testing.T) {
	got := rewriteLiteralHeader([]byte("X {007}"), 12, false)
	if string(got) != "X {012}" {
		t.Errorf("got %q, want X {012}", got)
	}
}

func TestNormalizeLiteralStripsNulAndCRLF(t *testing.T) {
	got := normalizeLiteral([]byte("ab\x00cd\r\nef"))
	want := "abcd\nef"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
