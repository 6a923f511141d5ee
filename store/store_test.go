package store

import (
	"testing"

	"spilled.ink/imapcore/imaptest"
)

func TestParseListLine(t *testing.T) {
	tests := []struct {
		line string
		want FolderInfo
	}{
		{
			line: `* LIST (\HasNoChildren) "/" INBOX`,
			want: FolderInfo{Name: "INBOX", Delimiter: "/"},
		},
		{
			line: `* LIST (\Noselect \HasChildren) "/" "Work/Invoices"`,
			want: FolderInfo{Name: "Work/Invoices", Delimiter: "/", NoSelect: true, HasChildren: true},
		},
		{
			line: `* LIST (\Noinferiors) "." Archive`,
			want: FolderInfo{Name: "Archive", Delimiter: ".", NoInferiors: true},
		},
	}
	for _, tc := range tests {
		got, ok := parseListLine([]byte(tc.line))
		if !ok {
			t.Fatalf("parseListLine(%q): not ok", tc.line)
		}
		if got != tc.want {
			t.Errorf("parseListLine(%q) = %+v, want %+v", tc.line, got, tc.want)
		}
	}
}

func TestParseListLineRejectsGarbage(t *testing.T) {
	if _, ok := parseListLine([]byte(`* FLAGS (\Seen)`)); ok {
		t.Errorf("parseListLine accepted a non-LIST line")
	}
}

func TestParseStatusLine(t *testing.T) {
	tests := []struct {
		line string
		want folderStatus
	}{
		{
			line: `* STATUS "INBOX" (MESSAGES 12 UNSEEN 3)`,
			want: folderStatus{messages: 12, unseen: 3},
		},
		{
			line: `* STATUS Archive (UIDNEXT 45 MESSAGES 7 UIDVALIDITY 1 UNSEEN 0)`,
			want: folderStatus{messages: 7, unseen: 0},
		},
	}
	for _, tc := range tests {
		got, ok := parseStatusLine([]byte(tc.line))
		if !ok {
			t.Fatalf("parseStatusLine(%q): not ok", tc.line)
		}
		if got != tc.want {
			t.Errorf("parseStatusLine(%q) = %+v, want %+v", tc.line, got, tc.want)
		}
	}
}

func TestParseStatusLineRejectsGarbage(t *testing.T) {
	if _, ok := parseStatusLine([]byte(`* FLAGS (\Seen)`)); ok {
		t.Errorf("parseStatusLine accepted a non-STATUS line")
	}
}

func TestListRefreshesStatuses(t *testing.T) {
	conn, fs := imaptest.Dial(t, "* OK test server ready", []imaptest.Exchange{
		{
			Want: "LIST",
			Untagged: []string{
				`LIST (\HasNoChildren) "/" INBOX`,
				`LIST (\Noselect \HasChildren) "/" "Work"`,
			},
		},
		{
			Want:     "STATUS INBOX",
			Untagged: []string{`STATUS "INBOX" (MESSAGES 9 UNSEEN 2)`},
		},
	})
	s, err := New(conn, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	fs.Wait()

	var inbox, work *FolderInfo
	for i := range out {
		switch out[i].Name {
		case "INBOX":
			inbox = &out[i]
		case "Work":
			work = &out[i]
		}
	}
	if inbox == nil {
		t.Fatal("INBOX missing from List result")
	}
	if !inbox.StatusKnown || inbox.MessageCount != 9 || inbox.UnseenCount != 2 {
		t.Errorf("INBOX status = %+v, want StatusKnown with MessageCount=9 UnseenCount=2", inbox)
	}
	if work == nil {
		t.Fatal("Work missing from List result")
	}
	if work.StatusKnown {
		t.Errorf("Work is \\Noselect, should not have been STATUS-refreshed: %+v", work)
	}
}

func TestNoop(t *testing.T) {
	conn, fs := imaptest.Dial(t, "* OK test server ready", []imaptest.Exchange{
		{Want: "NOOP"},
	})
	s, err := New(conn, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Noop(); err != nil {
		t.Fatalf("Noop: %v", err)
	}
	fs.Wait()
}
