package packet

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestReaderWriterRoundTripLE(t *testing.T) {
	w := NewWriter(64)
	w.WriteByte(0x7F)
	w.WriteUint16(0xBEEF)
	w.WriteUint32(0xDEADBEEF)
	w.WriteFloat32(12.5)
	w.WriteBytes([]byte{1, 2, 3})
	w.WriteZeroes(2)

	r := NewReader(w.Bytes())
	if b, _ := r.ReadByte(); b != 0x7F {
		t.Fatalf("byte %02X", b)
	}
	if v, _ := r.ReadUint16(); v != 0xBEEF {
		t.Fatalf("uint16 %04X", v)
	}
	if v, _ := r.ReadUint32(); v != 0xDEADBEEF {
		t.Fatalf("uint32 %08X", v)
	}
	if f, _ := r.ReadFloat32(); f != 12.5 {
		t.Fatalf("float %v", f)
	}
	b, _ := r.ReadBytes(3)
	if !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("bytes %x", b)
	}
	if r.Remaining() != 2 {
		t.Fatalf("remaining %d", r.Remaining())
	}
}

func TestBigEndianOrder(t *testing.T) {
	w := NewWriterOrder(8, binary.BigEndian)
	w.WriteUint16(0x1234)
	if !bytes.Equal(w.Bytes(), []byte{0x12, 0x34}) {
		t.Fatalf("big-endian write: %x", w.Bytes())
	}

	r := NewReaderOrder([]byte{0x12, 0x34}, binary.BigEndian)
	if v, _ := r.ReadUint16(); v != 0x1234 {
		t.Fatalf("big-endian read: %04X", v)
	}
}

func TestReaderBoundsErrors(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.ReadUint32(); err == nil {
		t.Fatal("expected error reading past end")
	}
	if _, err := r.ReadBytes(-1); err == nil {
		t.Fatal("expected error for negative count")
	}
	if err := r.Skip(5); err == nil {
		t.Fatal("expected error skipping past end")
	}
}

func TestReadBytesCopyIsIndependent(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	r := NewReader(data)
	cp, err := r.ReadBytesCopy(4)
	if err != nil {
		t.Fatalf("ReadBytesCopy: %v", err)
	}
	cp[0] = 0xFF
	if data[0] != 1 {
		t.Fatal("copy aliases the reader's data")
	}
}

func TestPooledWriterReset(t *testing.T) {
	w := Get()
	w.WriteUint32(0xAABBCCDD)
	w.Put()

	w2 := Get()
	defer w2.Put()
	if w2.Len() != 0 {
		t.Fatalf("pooled writer not reset: len %d", w2.Len())
	}
}
