package mpy

import (
	"reflect"
	"testing"
)

func TestParseLiteralInt(t *testing.T) {
	v, err := parseLiteral([]byte("-42"))
	if err != nil {
		t.Fatal(err)
	}
	if v != int64(-42) {
		t.Fatalf("got %v", v)
	}
}

func TestParseLiteralString(t *testing.T) {
	v, err := parseLiteral([]byte(`'hello\n'`))
	if err != nil {
		t.Fatal(err)
	}
	if v != "hello\n" {
		t.Fatalf("got %q", v)
	}
}

func TestParseLiteralBytes(t *testing.T) {
	v, err := parseLiteral([]byte(`b'\x00\x01a'`))
	if err != nil {
		t.Fatal(err)
	}
	got, ok := v.([]byte)
	if !ok || !reflect.DeepEqual(got, []byte{0x00, 0x01, 'a'}) {
		t.Fatalf("got %#v", v)
	}
}

func TestParseLiteralTuple(t *testing.T) {
	v, err := parseLiteral([]byte("(1, 2, 'x')"))
	if err != nil {
		t.Fatal(err)
	}
	items, ok := v.([]any)
	if !ok || len(items) != 3 {
		t.Fatalf("got %#v", v)
	}
	if items[0] != int64(1) || items[1] != int64(2) || items[2] != "x" {
		t.Fatalf("got %#v", items)
	}
}

func TestParseLiteralList(t *testing.T) {
	v, err := parseLiteral([]byte("['a', 'b']"))
	if err != nil {
		t.Fatal(err)
	}
	items, ok := v.([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("got %#v", v)
	}
}

func TestParseLiteralNoneTrueFalse(t *testing.T) {
	for in, want := range map[string]any{"None": nil, "True": true, "False": false} {
		v, err := parseLiteral([]byte(in))
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if v != want {
			t.Fatalf("%s: got %#v want %#v", in, v, want)
		}
	}
}

func TestParseLiteralTrailingGarbageRejected(t *testing.T) {
	if _, err := parseLiteral([]byte("123 junk")); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseLiteralEmptyRejected(t *testing.T) {
	if _, err := parseLiteral([]byte("")); err == nil {
		t.Fatal("expected error for empty literal")
	}
}
