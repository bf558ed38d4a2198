package mpy

import "testing"

func TestSubmountTableLookup(t *testing.T) {
	tbl := newSubmountTable()
	if err := tbl.add("/data/logs", "/host/logs"); err != nil {
		t.Fatal(err)
	}
	base, rel, ok := tbl.lookup("data/logs/today.txt")
	if !ok || base != "/host/logs" || rel != "today.txt" {
		t.Fatalf("got base=%q rel=%q ok=%v", base, rel, ok)
	}
	if _, _, ok := tbl.lookup("other/path"); ok {
		t.Fatal("expected no match for unrelated path")
	}
}

func TestSubmountTableRejectsNesting(t *testing.T) {
	tbl := newSubmountTable()
	if err := tbl.add("/data", "/host/a"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.add("/data/sub", "/host/b"); err == nil {
		t.Fatal("expected nested submount to be rejected")
	}
	if err := tbl.add("/data", "/host/c"); err == nil {
		t.Fatal("expected duplicate submount to be rejected")
	}
}

func TestSubmountTableRejectsRoot(t *testing.T) {
	tbl := newSubmountTable()
	if err := tbl.add("/", "/host"); err == nil {
		t.Fatal("expected root submount to be rejected")
	}
}

func TestSubmountOverlayNamesSynthesizesIntermediateDirs(t *testing.T) {
	tbl := newSubmountTable()
	if err := tbl.add("/data/logs", "/host/logs"); err != nil {
		t.Fatal(err)
	}
	names := tbl.overlayNames("data", nil)
	found := false
	for _, n := range names {
		if n.name == "logs" && n.isDir {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected synthesized 'logs' dir entry, got %#v", names)
	}
}
