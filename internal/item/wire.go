package item

import (
	"encoding/binary"
	"fmt"
)

// WireSize is the packed size of an item record on every version.
const WireSize = 20

// AppendWire appends the packed record. The ID is little-endian on every
// version; data1 and data2 are raw octets whose interpretation (including
// the big-endian mag quirk) is handled by the codec, not the framing.
func (it *Item) AppendWire(buf []byte) []byte {
	buf = append(buf, it.Data1[:]...)
	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], it.ID)
	buf = append(buf, id[:]...)
	return append(buf, it.Data2[:]...)
}

// FromWire decodes a packed 20-octet record.
func FromWire(buf []byte) (Item, error) {
	if len(buf) < WireSize {
		return Item{}, fmt.Errorf("decoding item: %d octets, want %d", len(buf), WireSize)
	}
	var it Item
	copy(it.Data1[:], buf[0:12])
	it.ID = binary.LittleEndian.Uint32(buf[12:16])
	copy(it.Data2[:], buf[16:20])
	return it, nil
}
