package item

import "github.com/Elixir70/ragol/internal/protocol"

// legacyMagGeneration reports whether v uses the v1/v2 mag record.
func legacyMagGeneration(v protocol.Version) bool {
	switch v.Generation() {
	case protocol.GenProtoA, protocol.GenProtoB, protocol.Gen1, protocol.Gen2:
		return true
	default:
		return false
	}
}

// DecodeForVersion normalizes the in-memory value after a message received
// from a client of version v:
//
//   - mags from big-endian senders have data2 byte-swapped back
//   - mags from the v1/v2 generations are expanded from the legacy record
//   - stackable tools with a zero stack octet are normalized to one
func (it *Item) DecodeForVersion(v protocol.Version) {
	if it.Kind() == KindMag {
		if v.IsBigEndian() {
			it.swapMagData2()
		}
		if legacyMagGeneration(v) {
			it.convertFromLegacyMag()
		}
	}
	it.EnforceMinStackSize(v)
}

// EncodeForVersion is the inverse of DecodeForVersion: it prepares a
// canonical item for the wire format of version v. The parameter table is
// consulted for stack bounds; a nil table falls back to the built-in kind
// table.
func (it *Item) EncodeForVersion(v protocol.Version, table ParameterTable) {
	if it.Kind() == KindMag {
		if legacyMagGeneration(v) {
			it.convertToLegacyMag()
		}
		if v.IsBigEndian() {
			it.swapMagData2()
		}
	}
	if it.Stackable(v) {
		max := it.MaxStackSize(v)
		if table != nil {
			if m := table.MaxStackSize(it); m > 0 {
				max = m
			}
		}
		if int(it.Data1[5]) > max {
			it.Data1[5] = byte(max)
		}
		if it.Data1[5] == 0 {
			it.Data1[5] = 1
		}
	}
}
