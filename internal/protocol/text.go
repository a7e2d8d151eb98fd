package protocol

import (
	"strings"
	"unicode/utf16"
)

// TextEncoding selects how a bounded string field is laid out on the wire.
type TextEncoding uint8

const (
	// EncodingASCII is plain single-byte ASCII.
	EncodingASCII TextEncoding = iota
	// EncodingLanguage1B is the legacy language-dependent single-byte
	// encoding used by the older variants. We treat it as Latin-1 here;
	// the language marker carried in the string itself selects the
	// client-side codepage.
	EncodingLanguage1B
	// EncodingUTF16LE is the 16-bit encoding used by PC and BB.
	EncodingUTF16LE
)

// DecodeText decodes a fixed-width field: truncated at the first null,
// then stripped of the legacy language marker ("\tJ" or "\tE") if present.
func DecodeText(buf []byte, enc TextEncoding) string {
	var s string
	switch enc {
	case EncodingUTF16LE:
		units := make([]uint16, 0, len(buf)/2)
		for i := 0; i+1 < len(buf); i += 2 {
			u := uint16(buf[i]) | uint16(buf[i+1])<<8
			if u == 0 {
				break
			}
			units = append(units, u)
		}
		s = string(utf16.Decode(units))
	default:
		n := len(buf)
		for i, b := range buf {
			if b == 0 {
				n = i
				break
			}
		}
		b := make([]rune, 0, n)
		for _, c := range buf[:n] {
			b = append(b, rune(c))
		}
		s = string(b)
	}
	return StripLanguageMarker(s)
}

// EncodeText encodes s into a field of width octets, null-padded. Strings
// longer than the bound are truncated. If marker is non-empty it is
// prepended (the legacy variants expect "\tJ" or "\tE" on names).
func EncodeText(s string, width int, enc TextEncoding, marker string) []byte {
	out := make([]byte, width)
	s = marker + s
	switch enc {
	case EncodingUTF16LE:
		units := utf16.Encode([]rune(s))
		for i, u := range units {
			if i*2+1 >= width {
				break
			}
			out[i*2] = byte(u)
			out[i*2+1] = byte(u >> 8)
		}
	default:
		for i := 0; i < len(s) && i < width; i++ {
			out[i] = byte(s[i])
		}
	}
	return out
}

// StripLanguageMarker removes a leading "\tJ" or "\tE" language tag.
func StripLanguageMarker(s string) string {
	if strings.HasPrefix(s, "\tJ") || strings.HasPrefix(s, "\tE") {
		return s[2:]
	}
	return s
}

// LanguageMarker returns the marker octets for the given language byte
// (0 = Japanese, anything else = English), as the legacy clients encode it.
func LanguageMarker(language uint8) string {
	if language == 0 {
		return "\tJ"
	}
	return "\tE"
}
