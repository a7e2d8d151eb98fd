package prs

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x42},
		[]byte("hello hello hello hello"),
		bytes.Repeat([]byte{0xAB}, 500),
		func() []byte {
			out := make([]byte, 2048)
			for i := range out {
				out[i] = byte(i * 31 / 7)
			}
			return out
		}(),
	}
	for i, in := range cases {
		comp := Compress(in)
		got, err := Decompress(comp)
		if err != nil {
			t.Fatalf("case %d: Decompress: %v", i, err)
		}
		if !bytes.Equal(got, in) {
			t.Fatalf("case %d: round trip mismatch (got %d bytes, want %d)", i, len(got), len(in))
		}
	}
}

func TestCompressShrinksRepetitiveInput(t *testing.T) {
	in := bytes.Repeat([]byte("floor-item "), 100)
	comp := Compress(in)
	if len(comp) >= len(in) {
		t.Fatalf("compressed %d bytes to %d; expected shrinkage", len(in), len(comp))
	}
}

func TestDecompressTruncatedInput(t *testing.T) {
	comp := Compress([]byte("some reasonable payload for truncation"))
	if _, err := Decompress(comp[:len(comp)/2]); err == nil {
		t.Fatal("expected error for truncated input")
	}
}

func TestDecompressBadBackreference(t *testing.T) {
	// Control byte: bit0=0, bit1=1 (long copy), then an offset pointing
	// far before the start of the output.
	bad := []byte{0x02, 0x09, 0x00}
	if _, err := Decompress(bad); err == nil {
		t.Fatal("expected error for backreference before start")
	}
}
