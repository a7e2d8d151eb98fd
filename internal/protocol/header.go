package protocol

import (
	"encoding/binary"
	"fmt"
)

// Header is the logical view of a command header, independent of the wire
// shape. Size is the logical frame length including the header itself.
type Header struct {
	Command uint16
	Flag    uint32
	Size    uint16
}

// Wire shapes:
//
//	GC/V1/V2 big+little: command u8, flag u8, size u16
//	PC/Patch:            size u16, command u8, flag u8
//	BB:                  size u16 LE, command u16 LE, flag u32 LE
//
// The pre-v1 prototypes use the DC shape. Endianness of the u16 size field
// follows Version.IsBigEndian.

// EncodeHeader writes the header for v into buf, which must be at least
// v.HeaderSize() long.
func EncodeHeader(buf []byte, v Version, h Header) error {
	if len(buf) < v.HeaderSize() {
		return fmt.Errorf("encoding %s header: buffer too small (%d < %d)", v, len(buf), v.HeaderSize())
	}
	switch {
	case v == VersionBB:
		binary.LittleEndian.PutUint16(buf[0:2], h.Size)
		binary.LittleEndian.PutUint16(buf[2:4], h.Command)
		binary.LittleEndian.PutUint32(buf[4:8], h.Flag)
	case v == VersionPC || v == VersionPatch:
		binary.LittleEndian.PutUint16(buf[0:2], h.Size)
		buf[2] = byte(h.Command)
		buf[3] = byte(h.Flag)
	case v.IsBigEndian():
		buf[0] = byte(h.Command)
		buf[1] = byte(h.Flag)
		binary.BigEndian.PutUint16(buf[2:4], h.Size)
	default:
		buf[0] = byte(h.Command)
		buf[1] = byte(h.Flag)
		binary.LittleEndian.PutUint16(buf[2:4], h.Size)
	}
	return nil
}

// DecodeHeader reads the version-specific header shape from buf.
func DecodeHeader(buf []byte, v Version) (Header, error) {
	if len(buf) < v.HeaderSize() {
		return Header{}, fmt.Errorf("decoding %s header: buffer too small (%d < %d)", v, len(buf), v.HeaderSize())
	}
	var h Header
	switch {
	case v == VersionBB:
		h.Size = binary.LittleEndian.Uint16(buf[0:2])
		h.Command = binary.LittleEndian.Uint16(buf[2:4])
		h.Flag = binary.LittleEndian.Uint32(buf[4:8])
	case v == VersionPC || v == VersionPatch:
		h.Size = binary.LittleEndian.Uint16(buf[0:2])
		h.Command = uint16(buf[2])
		h.Flag = uint32(buf[3])
	case v.IsBigEndian():
		h.Command = uint16(buf[0])
		h.Flag = uint32(buf[1])
		h.Size = binary.BigEndian.Uint16(buf[2:4])
	default:
		h.Command = uint16(buf[0])
		h.Flag = uint32(buf[1])
		h.Size = binary.LittleEndian.Uint16(buf[2:4])
	}
	return h, nil
}
