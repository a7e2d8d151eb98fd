package protocol

import (
	"bytes"
	"testing"
)

func TestVersionAttributes(t *testing.T) {
	tests := []struct {
		v         Version
		bigEndian bool
		gen       Generation
		header    int
		padding   int
	}{
		{VersionProtoA, false, GenProtoA, 4, 4},
		{VersionV1, false, Gen1, 4, 4},
		{VersionV2, false, Gen2, 4, 4},
		{VersionPC, false, Gen2, 4, 4},
		{VersionGC, true, Gen3, 4, 4},
		{VersionGCEp3, true, Gen3, 4, 4},
		{VersionXB, false, Gen3, 4, 4},
		{VersionBB, false, Gen4, 8, 8},
	}
	for _, tc := range tests {
		if got := tc.v.IsBigEndian(); got != tc.bigEndian {
			t.Errorf("%s: IsBigEndian=%v", tc.v, got)
		}
		if got := tc.v.Generation(); got != tc.gen {
			t.Errorf("%s: Generation=%v", tc.v, got)
		}
		if got := tc.v.HeaderSize(); got != tc.header {
			t.Errorf("%s: HeaderSize=%d", tc.v, got)
		}
		if got := tc.v.EncryptedPadding(); got != tc.padding {
			t.Errorf("%s: EncryptedPadding=%d", tc.v, got)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Command: 0x60, Flag: 0x0000002A, Size: 0x0123}
	for _, v := range []Version{VersionV2, VersionPC, VersionGC, VersionBB} {
		buf := make([]byte, v.HeaderSize())
		if err := EncodeHeader(buf, v, h); err != nil {
			t.Fatalf("%s: EncodeHeader: %v", v, err)
		}
		got, err := DecodeHeader(buf, v)
		if err != nil {
			t.Fatalf("%s: DecodeHeader: %v", v, err)
		}
		if got.Command != h.Command || got.Size != h.Size {
			t.Errorf("%s: got %+v, want %+v", v, got, h)
		}
		// The flag survives fully on BB only; the narrow headers carry
		// its low octet.
		if v == VersionBB && got.Flag != h.Flag {
			t.Errorf("%s: flag %08X", v, got.Flag)
		}
	}
}

func TestHeaderEndianness(t *testing.T) {
	h := Header{Command: 0x60, Flag: 0x01, Size: 0x1234}

	le := make([]byte, 4)
	if err := EncodeHeader(le, VersionV2, h); err != nil {
		t.Fatal(err)
	}
	be := make([]byte, 4)
	if err := EncodeHeader(be, VersionGC, h); err != nil {
		t.Fatal(err)
	}
	// Same shape, opposite size-field byte order.
	if le[0] != be[0] || le[1] != be[1] {
		t.Fatalf("command/flag bytes differ: %x vs %x", le, be)
	}
	if le[2] != be[3] || le[3] != be[2] {
		t.Fatalf("size field not byte-swapped: %x vs %x", le, be)
	}
}

func TestTextNullPaddingAndTruncation(t *testing.T) {
	enc := EncodeText("abc", 8, EncodingASCII, "")
	want := []byte{'a', 'b', 'c', 0, 0, 0, 0, 0}
	if !bytes.Equal(enc, want) {
		t.Fatalf("EncodeText: got %x, want %x", enc, want)
	}
	if got := DecodeText(enc, EncodingASCII); got != "abc" {
		t.Fatalf("DecodeText: %q", got)
	}

	// Longer than the bound: truncated.
	enc = EncodeText("abcdefghij", 4, EncodingASCII, "")
	if got := DecodeText(enc, EncodingASCII); got != "abcd" {
		t.Fatalf("truncation: %q", got)
	}
}

func TestLanguageMarkerStripped(t *testing.T) {
	enc := EncodeText("Sue", 16, EncodingLanguage1B, "\tE")
	if enc[0] != '\t' || enc[1] != 'E' {
		t.Fatalf("marker not encoded: %x", enc[:4])
	}
	if got := DecodeText(enc, EncodingLanguage1B); got != "Sue" {
		t.Fatalf("marker not stripped: %q", got)
	}
	if got := StripLanguageMarker("\tJライラ"); got != "ライラ" {
		t.Fatalf("japanese marker: %q", got)
	}
	if got := StripLanguageMarker("plain"); got != "plain" {
		t.Fatalf("unmarked: %q", got)
	}
}

func TestUTF16RoundTrip(t *testing.T) {
	enc := EncodeText("Момока", 32, EncodingUTF16LE, "")
	if got := DecodeText(enc, EncodingUTF16LE); got != "Момока" {
		t.Fatalf("utf16 round trip: %q", got)
	}
}
