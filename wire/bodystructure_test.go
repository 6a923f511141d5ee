package wire

import "testing"

func TestParseBodyStructureLeaf(t *testing.T) {
	text := []byte(`("TEXT" "PLAIN" ("CHARSET" "UTF-8") NIL NIL "QUOTED-PRINTABLE" 842)`)
	cs, err := ParseBodyStructure(text, "")
	if err != nil {
		t.Fatal(err)
	}
	if cs.ContentType != "text/plain" {
		t.Errorf("ContentType = %q", cs.ContentType)
	}
	if cs.TransferEncoding != "quoted-printable" {
		t.Errorf("TransferEncoding = %q", cs.TransferEncoding)
	}
	if cs.Size != 842 {
		t.Errorf("Size = %d", cs.Size)
	}
	if len(cs.Children) != 0 {
		t.Errorf("expected no children, got %d", len(cs.Children))
	}
}

func TestParseBodyStructureMultipart(t *testing.T) {
	text := []byte(`(("TEXT" "PLAIN" NIL NIL NIL "7BIT" 100) ("TEXT" "HTML" NIL NIL NIL "7BIT" 200) "ALTERNATIVE")`)
	cs, err := ParseBodyStructure(text, "")
	if err != nil {
		t.Fatal(err)
	}
	if cs.ContentType != "multipart/alternative" {
		t.Errorf("ContentType = %q", cs.ContentType)
	}
	if len(cs.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(cs.Children))
	}
	if cs.Children[0].PartSpec != "1" || cs.Children[1].PartSpec != "2" {
		t.Errorf("PartSpecs = %q, %q", cs.Children[0].PartSpec, cs.Children[1].PartSpec)
	}
	if cs.Children[0].ContentType != "text/plain" || cs.Children[1].ContentType != "text/html" {
		t.Errorf("child content types = %q, %q", cs.Children[0].ContentType, cs.Children[1].ContentType)
	}
}

func TestParseBodyStructureNestedMultipart(t *testing.T) {
	text := []byte(`((("TEXT" "PLAIN" NIL NIL NIL "7BIT" 10) ("TEXT" "HTML" NIL NIL NIL "7BIT" 20) "ALTERNATIVE") ("IMAGE" "PNG" NIL NIL NIL "BASE64" 500) "MIXED")`)
	cs, err := ParseBodyStructure(text, "")
	if err != nil {
		t.Fatal(err)
	}
	if cs.ContentType != "multipart/mixed" {
		t.Fatalf("ContentType = %q", cs.ContentType)
	}
	if len(cs.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(cs.Children))
	}
	alt := cs.Children[0]
	if alt.ContentType != "multipart/alternative" || alt.PartSpec != "1" {
		t.Errorf("alt = %+v", alt)
	}
	if len(alt.Children) != 2 || alt.Children[0].PartSpec != "1.1" || alt.Children[1].PartSpec != "1.2" {
		t.Errorf("alt children = %+v", alt.Children)
	}
	img := cs.Children[1]
	if img.ContentType != "image/png" || img.PartSpec != "2" {
		t.Errorf("img = %+v", img)
	}
}

func TestContentStructureLeaves(t *testing.T) {
	text := []byte(`(("TEXT" "PLAIN" NIL NIL NIL "7BIT" 10) ("TEXT" "HTML" NIL NIL NIL "7BIT" 20) "ALTERNATIVE")`)
	cs, err := ParseBodyStructure(text, "")
	if err != nil {
		t.Fatal(err)
	}
	leaves := cs.Leaves()
	if len(leaves) != 2 {
		t.Fatalf("expected 2 leaves, got %d", len(leaves))
	}
	if !leaves[0].IsComplete() || !leaves[1].IsComplete() {
		t.Error("expected leaves to be complete")
	}
}

func TestContentStructureIsCompleteFalseForEmptyType(t *testing.T) {
	cs := &ContentStructure{}
	if cs.IsComplete() {
		t.Error("expected incomplete for empty ContentType")
	}
}
