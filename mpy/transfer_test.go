package mpy

import (
	"bytes"
	"strings"
	"testing"
)

func TestChooseEncodingPicksRawForPrintableASCII(t *testing.T) {
	chunk := []byte("hello world, this is plain text")
	enc, wire := chooseEncoding(chunk, true)
	if enc != EncodingRaw {
		t.Fatalf("expected raw encoding for printable text, got %v", enc)
	}
	if !bytes.Equal(wire, chunk) {
		t.Fatalf("raw wire bytes should equal the chunk verbatim")
	}
}

func TestChooseEncodingPicksBase64OrDeflateForBinary(t *testing.T) {
	chunk := make([]byte, 256)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	enc, wire := chooseEncoding(chunk, true)
	if enc == EncodingRaw {
		t.Fatalf("raw literal should never win for dense binary data")
	}
	if len(wire) == 0 {
		t.Fatal("expected non-empty wire payload")
	}
}

func TestChooseEncodingPicksDeflateForHighlyCompressible(t *testing.T) {
	chunk := bytes.Repeat([]byte{0xAA}, 4096)
	enc, wire := chooseEncoding(chunk, true)
	if enc != EncodingDeflate {
		t.Fatalf("expected deflate to win for repetitive binary data, got %v", enc)
	}
	if len(wire) >= len(chunk) {
		t.Fatalf("deflate+base64 wire should be smaller than source for repetitive data")
	}
}

func TestChooseEncodingSkipsDeflateWhenNotAllowed(t *testing.T) {
	chunk := bytes.Repeat([]byte{0xAA}, 4096)
	enc, _ := chooseEncoding(chunk, false)
	if enc == EncodingDeflate {
		t.Fatal("expected deflate to be excluded when deflateAllowed is false")
	}
}

func TestDeflateCompressRoundTrips(t *testing.T) {
	chunk := bytes.Repeat([]byte("abcabcabc"), 50)
	compressed, ok := deflateCompress(chunk)
	if !ok {
		t.Fatal("deflateCompress failed")
	}
	back, err := deflateDecompress(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, chunk) {
		t.Fatal("deflate round trip mismatch")
	}
}

func TestPyBytesLiteralEscapesNonPrintable(t *testing.T) {
	lit := pyBytesLiteral([]byte{0x00, 'a', 0xff})
	if !strings.HasPrefix(lit, "b'") || !strings.HasSuffix(lit, "'") {
		t.Fatalf("unexpected literal shape: %s", lit)
	}
	if !strings.Contains(lit, `\x00`) || !strings.Contains(lit, `\xff`) {
		t.Fatalf("expected hex escapes in %s", lit)
	}
}

func TestRawLiteralCostCountsEscapes(t *testing.T) {
	cost := rawLiteralCost([]byte{0x00, 'a'})
	if cost != 4+1 {
		t.Fatalf("expected cost 5, got %d", cost)
	}
}

func TestSha256HexMatchesKnownVector(t *testing.T) {
	got := sha256Hex([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}
