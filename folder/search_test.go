package folder

import (
	"errors"
	"reflect"
	"testing"

	"spilled.ink/imapcore/uid"
)

type fakeSearchEngine struct {
	gotExpr string
	gotUIDs []uid.UID
	results []uid.UID
	count   uint32
	err     error
}

func (f *fakeSearchEngine) Search(expr string, uids []uid.UID) ([]uid.UID, error) {
	f.gotExpr, f.gotUIDs = expr, uids
	return f.results, f.err
}

func (f *fakeSearchEngine) Count(expr string) (uint32, error) {
	f.gotExpr = expr
	return f.count, f.err
}

func openTestFolder(t *testing.T) *FolderEngine {
	t.Helper()
	fe, err := Open(nil, nil, "INBOX", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { fe.Close() })
	return fe
}

func TestSearchDelegatesToEngine(t *testing.T) {
	fe := openTestFolder(t)
	want := []uid.UID{uid.Server(1), uid.Server(3)}
	se := &fakeSearchEngine{results: want}
	fe.SetSearchEngine(se)

	restrict := []uid.UID{uid.Server(1), uid.Server(2), uid.Server(3)}
	got, err := fe.Search("SUBJECT foo", restrict)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Search result = %v, want %v", got, want)
	}
	if se.gotExpr != "SUBJECT foo" || !reflect.DeepEqual(se.gotUIDs, restrict) {
		t.Errorf("Search delegated with expr=%q uids=%v", se.gotExpr, se.gotUIDs)
	}
}

func TestCountDelegatesToEngine(t *testing.T) {
	fe := openTestFolder(t)
	se := &fakeSearchEngine{count: 7}
	fe.SetSearchEngine(se)

	n, err := fe.Count("UNSEEN")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 7 {
		t.Errorf("Count = %d, want 7", n)
	}
}

func TestSearchWithoutEngineFails(t *testing.T) {
	fe := openTestFolder(t)
	if _, err := fe.Search("ALL", nil); err == nil {
		t.Errorf("Search with no engine installed succeeded")
	}
}

func TestSearchPropagatesEngineError(t *testing.T) {
	fe := openTestFolder(t)
	wantErr := errors.New("boom")
	fe.SetSearchEngine(&fakeSearchEngine{err: wantErr})
	if _, err := fe.Search("ALL", nil); !errors.Is(err, wantErr) {
		t.Errorf("Search error = %v, want %v", err, wantErr)
	}
}
