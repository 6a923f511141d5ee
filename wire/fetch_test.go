package wire

import (
	"testing"
	"time"
)

func TestParseFetchBasic(t *testing.T) {
	items := []byte(`(UID 42 FLAGS (\Seen \Flagged) RFC822.SIZE 1234 INTERNALDATE "17-Jul-1996 02:44:25 -0700")`)
	fr, err := ParseFetch(7, items)
	if err != nil {
		t.Fatal(err)
	}
	if !fr.HasUID || fr.UID != 42 {
		t.Errorf("UID = %v/%v", fr.HasUID, fr.UID)
	}
	if !fr.HasFlags || fr.Flags != FlagSeen|FlagFlagged {
		t.Errorf("Flags = %v/%v", fr.HasFlags, fr.Flags)
	}
	if !fr.HasSize || fr.Size != 1234 {
		t.Errorf("Size = %v/%v", fr.HasSize, fr.Size)
	}
	if !fr.HasInternal {
		t.Fatal("expected InternalDate to be set")
	}
	want := time.Date(1996, time.July, 17, 2, 44, 25, 0, time.FixedZone("", -7*3600))
	if !fr.InternalDate.Equal(want) {
		t.Errorf("InternalDate = %v, want %v", fr.InternalDate, want)
	}
}

func TestParseFetchBodySection(t *testing.T) {
	items := []byte("(UID 9 BODY[1] {5}hello)")
	// The literal here is already reassembled by LiteralReader into the
	// "{n}<bytes>" inline form ReadUntagged produces.
	fr, err := ParseFetch(1, items)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := fr.Sections["1"]
	if !ok {
		t.Fatal("expected section \"1\" to be present")
	}
	if string(got) != "hello" {
		t.Errorf("section payload = %q, want hello", got)
	}
}

func TestParseFetchBodyStructureLeaf(t *testing.T) {
	items := []byte(`(UID 5 BODYSTRUCTURE ("TEXT" "PLAIN" ("CHARSET" "UTF-8") NIL NIL "7BIT" 120))`)
	fr, err := ParseFetch(1, items)
	if err != nil {
		t.Fatal(err)
	}
	if !fr.HasBodyStructure {
		t.Fatal("expected HasBodyStructure")
	}
	cs, err := ParseBodyStructure(fr.BodyStructure, "")
	if err != nil {
		t.Fatal(err)
	}
	if cs.ContentType != "text/plain" {
		t.Errorf("ContentType = %q", cs.ContentType)
	}
	if cs.TransferEncoding != "7bit" {
		t.Errorf("TransferEncoding = %q", cs.TransferEncoding)
	}
	if cs.Size != 120 {
		t.Errorf("Size = %d", cs.Size)
	}
}

func TestParseFetchNString(t *testing.T) {
	items := []byte(`(UID 1 BODY[TEXT] NIL)`)
	fr, err := ParseFetch(1, items)
	if err != nil {
		t.Fatal(err)
	}
	payload, ok := fr.Sections["TEXT"]
	if !ok {
		t.Fatal("expected TEXT section present")
	}
	if payload != nil {
		t.Errorf("expected nil payload for NIL nstring, got %q", payload)
	}
}

func TestParseFetchUnknownItemSkipped(t *testing.T) {
	items := []byte(`(UID 1 X-GM-LABELS ("\\Important" "Work") FLAGS (\Seen))`)
	fr, err := ParseFetch(1, items)
	if err != nil {
		t.Fatal(err)
	}
	if !fr.HasFlags || fr.Flags != FlagSeen {
		t.Errorf("expected FLAGS parsed despite preceding unknown item, got %v/%v", fr.HasFlags, fr.Flags)
	}
}

func TestParseIMAPDate(t *testing.T) {
	got, err := ParseIMAPDate("01-Jan-2020 00:00:00 +0000")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
