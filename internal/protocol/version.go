package protocol

import "fmt"

// Version identifies a client variant. Two orthogonal attributes derive from
// it: wire endianness and protocol generation. Generation governs header
// size, item layout, and subcommand numbering; the header's field order
// also depends on the version (see header.go).
type Version uint8

const (
	VersionUnknown Version = iota
	VersionProtoA          // oldest prototype (pre-v1 A)
	VersionProtoB          // later prototype (pre-v1 B)
	VersionV1
	VersionV2
	VersionPC
	VersionGC
	VersionGCEp3
	VersionXB
	VersionBB
	VersionPatch
)

// Generation groups versions that share header size, item layout, and
// subcommand numbering.
type Generation uint8

const (
	GenUnknown Generation = iota
	GenProtoA             // pre-v1 numbering A
	GenProtoB             // pre-v1 numbering B
	Gen1
	Gen2
	Gen3
	Gen4
)

func (v Version) String() string {
	switch v {
	case VersionProtoA:
		return "ProtoA"
	case VersionProtoB:
		return "ProtoB"
	case VersionV1:
		return "V1"
	case VersionV2:
		return "V2"
	case VersionPC:
		return "PC"
	case VersionGC:
		return "GC"
	case VersionGCEp3:
		return "GC-Ep3"
	case VersionXB:
		return "XB"
	case VersionBB:
		return "BB"
	case VersionPatch:
		return "Patch"
	default:
		return fmt.Sprintf("Version(%d)", uint8(v))
	}
}

// IsBigEndian reports whether the variant uses big-endian integers on the
// wire. Only the GameCube family does.
func (v Version) IsBigEndian() bool {
	return v == VersionGC || v == VersionGCEp3
}

// Generation returns the protocol generation for v.
func (v Version) Generation() Generation {
	switch v {
	case VersionProtoA:
		return GenProtoA
	case VersionProtoB:
		return GenProtoB
	case VersionV1:
		return Gen1
	case VersionV2, VersionPC:
		return Gen2
	case VersionGC, VersionGCEp3, VersionXB:
		return Gen3
	case VersionBB:
		return Gen4
	default:
		return GenUnknown
	}
}

// IsPreV1 reports whether v uses one of the prototype subcommand numberings.
func (v Version) IsPreV1() bool {
	g := v.Generation()
	return g == GenProtoA || g == GenProtoB
}

// IsV3 reports whether v belongs to the third generation.
func (v Version) IsV3() bool { return v.Generation() == Gen3 }

// IsV4 reports whether v is the fourth-generation (BB) variant.
func (v Version) IsV4() bool { return v == VersionBB }

// IsEp3 reports whether v is the card-game variant.
func (v Version) IsEp3() bool { return v == VersionGCEp3 }

// HeaderSize returns the command header size in octets for v.
func (v Version) HeaderSize() int {
	if v == VersionBB {
		return 8
	}
	return 4
}

// EncryptedPadding returns the multiple the transmitted frame is padded to
// while encryption is active.
func (v Version) EncryptedPadding() int {
	if v == VersionBB {
		return 8
	}
	return 4
}

// CipherBlockSize returns the keystream advance granularity for v.
func (v Version) CipherBlockSize() int {
	if v == VersionBB {
		return 8
	}
	return 4
}
