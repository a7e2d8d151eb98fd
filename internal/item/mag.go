package item

import "encoding/binary"

// Canonical mag layout:
//
//	data1: 02 type level pb-flags | DEF u16 | POW u16 | DEX u16 | MIND u16
//	data2: flags IQ synchro color
//
// Two wire quirks exist. The GameCube family erroneously byte-swaps data2
// even though the rest of the mag record is handled correctly, so mags from
// big-endian senders arrive with data2 reversed and must be reversed again
// before sending back to them. The v1/v2 generations use a different mag
// record entirely; convert{To,From}LegacyMag translate at the boundary.

// MagStats is a decoded view of a canonical mag record.
type MagStats struct {
	Def, Pow, Dex, Mind uint16
	IQ                  uint8
	Synchro             uint8
	Flags               uint8
	Color               uint8
	PhotonBlasts        uint8
}

// MagStats decodes the stat words and data2 fields of a canonical mag.
func (it *Item) MagStats() MagStats {
	return MagStats{
		Def:          binary.LittleEndian.Uint16(it.Data1[4:6]),
		Pow:          binary.LittleEndian.Uint16(it.Data1[6:8]),
		Dex:          binary.LittleEndian.Uint16(it.Data1[8:10]),
		Mind:         binary.LittleEndian.Uint16(it.Data1[10:12]),
		Flags:        it.Data2[0],
		IQ:           it.Data2[1],
		Synchro:      it.Data2[2],
		Color:        it.Data2[3],
		PhotonBlasts: it.Data1[3],
	}
}

// AssignMagStats writes stats back into a canonical mag record and refreshes
// the stored level.
func (it *Item) AssignMagStats(s MagStats) {
	binary.LittleEndian.PutUint16(it.Data1[4:6], s.Def)
	binary.LittleEndian.PutUint16(it.Data1[6:8], s.Pow)
	binary.LittleEndian.PutUint16(it.Data1[8:10], s.Dex)
	binary.LittleEndian.PutUint16(it.Data1[10:12], s.Mind)
	it.Data1[3] = s.PhotonBlasts
	it.Data2[0] = s.Flags
	it.Data2[1] = s.IQ
	it.Data2[2] = s.Synchro
	it.Data2[3] = s.Color
	it.Data1[2] = byte(it.ComputeMagLevel())
}

// ComputeMagLevel sums the per-stat levels (each stat counts one level per
// hundred points).
func (it *Item) ComputeMagLevel() uint16 {
	s := it.MagStats()
	return s.Def/100 + s.Pow/100 + s.Dex/100 + s.Mind/100
}

// swapMagData2 compensates for the big-endian family's erroneous byte swap
// of the mag data2 word. Applied on both decode and encode.
func (it *Item) swapMagData2() {
	it.Data2[0], it.Data2[3] = it.Data2[3], it.Data2[0]
	it.Data2[1], it.Data2[2] = it.Data2[2], it.Data2[1]
}

// convertFromLegacyMag expands the v1/v2 mag record into canonical form.
// The legacy record stores the stat words in reverse order (MIND first) and
// carries the data2 fields rotated: color/synchro in the low pair and
// flags/IQ in the high pair.
func (it *Item) convertFromLegacyMag() {
	for i := 0; i < 4; i += 2 {
		lo := 4 + i
		hi := 10 - i
		it.Data1[lo], it.Data1[hi] = it.Data1[hi], it.Data1[lo]
		it.Data1[lo+1], it.Data1[hi+1] = it.Data1[hi+1], it.Data1[lo+1]
	}
	it.Data2[0], it.Data2[1], it.Data2[2], it.Data2[3] =
		it.Data2[2], it.Data2[3], it.Data2[1], it.Data2[0]
}

// convertToLegacyMag is the exact inverse of convertFromLegacyMag.
func (it *Item) convertToLegacyMag() {
	it.Data2[2], it.Data2[3], it.Data2[1], it.Data2[0] =
		it.Data2[0], it.Data2[1], it.Data2[2], it.Data2[3]
	for i := 0; i < 4; i += 2 {
		lo := 4 + i
		hi := 10 - i
		it.Data1[lo], it.Data1[hi] = it.Data1[hi], it.Data1[lo]
		it.Data1[lo+1], it.Data1[hi+1] = it.Data1[hi+1], it.Data1[lo+1]
	}
}
