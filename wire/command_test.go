package wire

import (
	"strings"
	"testing"
)

func TestFormatBasic(t *testing.T) {
	b := &Builder{Names: DefaultFolderNameTable()}
	f, err := b.Format("%s LOGIN %S %S", "A0001", "user@example.com", "pass")
	if err != nil {
		t.Fatal(err)
	}
	if f.Line != `A0001 LOGIN user@example.com pass` {
		t.Errorf("got %q", f.Line)
	}
	if len(f.Literals) != 0 {
		t.Errorf("unexpected literals: %v", f.Literals)
	}
}

func TestFormatQuotesUnsafeAtom(t *testing.T) {
	b := &Builder{Names: DefaultFolderNameTable()}
	f, err := b.Format("%s LOGIN %S %S", "A0001", "user name", "p a(s)s")
	if err != nil {
		t.Fatal(err)
	}
	if f.Line != `A0001 LOGIN "user name" "p a(s)s"` {
		t.Errorf("got %q", f.Line)
	}
}

func TestFormatLiteralPlus(t *testing.T) {
	b := &Builder{Names: DefaultFolderNameTable(), LiteralPlus: true}
	f, err := b.Format("%s LOGIN %S", "A0001", "has space")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(f.Line, "{9+}\r\nhas space") {
		t.Errorf("got %q", f.Line)
	}
}

func TestFormatPercent(t *testing.T) {
	b := &Builder{}
	f, err := b.Format("%s %% done", "A0001")
	if err != nil {
		t.Fatal(err)
	}
	if f.Line != "A0001 % done" {
		t.Errorf("got %q", f.Line)
	}
}

func TestFormatInteger(t *testing.T) {
	b := &Builder{}
	f, err := b.Format("%s UID FETCH %d:%d", "A0001", uint32(1), uint32(100))
	if err != nil {
		t.Fatal(err)
	}
	if f.Line != "A0001 UID FETCH 1:100" {
		t.Errorf("got %q", f.Line)
	}
}

func TestFormatFolderNameUTF7(t *testing.T) {
	b := &Builder{Names: DefaultFolderNameTable()}
	f, err := b.Format("%s SELECT %F", "A0001", "Hello, 世界")
	if err != nil {
		t.Fatal(err)
	}
	if f.Line != `A0001 SELECT "Hello, &ThZ1TA-"` {
		t.Errorf("got %q", f.Line)
	}
}

func TestFormatFolderNameWithNamespace(t *testing.T) {
	names := &FolderNameTable{Personal: Namespace{Prefix: "INBOX", Separator: '.'}}
	b := &Builder{Names: names}
	f, err := b.Format("%s SELECT %F", "A0001", "Work/Invoices")
	if err != nil {
		t.Fatal(err)
	}
	if f.Line != `A0001 SELECT INBOX.Work.Invoices` {
		t.Errorf("got %q", f.Line)
	}
}

func TestFormatGSkipsNamespace(t *testing.T) {
	names := &FolderNameTable{Personal: Namespace{Prefix: "INBOX", Separator: '.'}}
	b := &Builder{Names: names}
	f, err := b.Format("%s LIST \"\" %G", "A0001", "*")
	if err != nil {
		t.Fatal(err)
	}
	if f.Line != `A0001 LIST "" "*"` {
		t.Errorf("got %q", f.Line)
	}
}

func TestFormatUnknownDirectiveLoggedAndEchoed(t *testing.T) {
	var logged string
	b := &Builder{Logf: func(format string, v ...interface{}) {
		logged = format
		_ = v
	}}
	f, err := b.Format("%s BOGUS %Q", "A0001")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(f.Line, "%Q") {
		t.Errorf("expected %%Q echoed, got %q", f.Line)
	}
	if logged == "" {
		t.Error("expected Logf to be called for unknown directive")
	}
}

func TestFormatTooFewArgs(t *testing.T) {
	b := &Builder{}
	if _, err := b.Format("%s %s", "A0001"); err == nil {
		t.Error("expected error for missing argument")
	}
}

func TestFormatWrongArgType(t *testing.T) {
	b := &Builder{}
	if _, err := b.Format("%d", "not a number"); err == nil {
		t.Error("expected error for wrong argument type")
	}
}
