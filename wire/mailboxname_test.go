package wire

import "testing"

func TestDecodeMailboxNameNoTable(t *testing.T) {
	got, err := DecodeMailboxName(nil, "Hello, &ThZ1TA-")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hello, 世界" {
		t.Errorf("got %q", got)
	}
}

func TestDecodeMailboxNameWithNamespace(t *testing.T) {
	names := &FolderNameTable{Personal: Namespace{Prefix: "INBOX", Separator: '.'}}
	got, err := DecodeMailboxName(names, "INBOX.Work.Invoices")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Work/Invoices" {
		t.Errorf("got %q, want Work/Invoices", got)
	}
}

func TestDecodeMailboxNameRoundTripsWithBuilder(t *testing.T) {
	names := &FolderNameTable{Personal: Namespace{Separator: '/'}}
	b := &Builder{Names: names}
	f, err := b.Format("%s SELECT %F", "A0001", "Hello, 世界")
	if err != nil {
		t.Fatal(err)
	}
	// Strip the quoting and leading "A0001 SELECT " to recover the wire
	// name, as the connection layer would when parsing a LIST response.
	wireName := f.Line[len(`A0001 SELECT "`) : len(f.Line)-1]
	got, err := DecodeMailboxName(names, wireName)
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hello, 世界" {
		t.Errorf("got %q", got)
	}
}

func TestDecodeMailboxNameInvalid(t *testing.T) {
	if _, err := DecodeMailboxName(nil, "&not-valid-base64!!"); err == nil {
		t.Error("expected error for invalid modified UTF-7")
	}
}
