// Package item implements the canonical in-memory item representation and
// the per-version wire codecs. The item is a tagged union: the leading octet
// of data1 selects the interpretation of everything else. Kind metadata
// lives in one table (kindTable) rather than ad-hoc branches.
package item

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Elixir70/ragol/internal/constants"
	"github.com/Elixir70/ragol/internal/protocol"
)

// Kind values carried in Data1[0].
const (
	KindWeapon     = 0x00
	KindArmorClass = 0x01 // armor, shield, or unit per Data1[1]
	KindMag        = 0x02
	KindTool       = 0x03
	KindMeseta     = 0x04
)

// Armor-class subkinds carried in Data1[1].
const (
	SubkindArmor  = 0x01
	SubkindShield = 0x02
	SubkindUnit   = 0x03
)

// SubkindTechDisk is the tool subkind that is never stackable.
const SubkindTechDisk = 0x02

// Item is the canonical 20-octet packed record.
//
//	data1: 12 octets, kind-dependent
//	id:    32-bit server-assigned identity (0xFFFFFFFF = unassigned)
//	data2: 4 octets, kind-dependent (meseta amount, mag flags/IQ/synchro/color)
type Item struct {
	Data1 [12]byte
	ID    uint32
	Data2 [4]byte
}

// kindInfo captures everything the codec needs to know about one kind. The
// table is consulted instead of branching per call site.
type kindInfo struct {
	name        string
	stackable   func(it *Item) bool
	maxStack    func(it *Item) int
	sortSubkeys func(it *Item) []int
}

var kindTable = map[byte]kindInfo{
	KindWeapon: {
		name:      "weapon",
		stackable: func(*Item) bool { return false },
		maxStack:  func(*Item) int { return 1 },
		// group, type, grind
		sortSubkeys: func(it *Item) []int {
			return []int{int(it.Data1[1]), int(it.Data1[2]), int(it.Data1[3])}
		},
	},
	KindArmorClass: {
		name:      "armor",
		stackable: func(*Item) bool { return false },
		maxStack:  func(*Item) int { return 1 },
		sortSubkeys: func(it *Item) []int {
			return []int{int(it.Data1[1]), int(it.Data1[2])}
		},
	},
	KindMag: {
		name:      "mag",
		stackable: func(*Item) bool { return false },
		maxStack:  func(*Item) int { return 1 },
		// type, level, then raw stats
		sortSubkeys: func(it *Item) []int {
			keys := []int{int(it.Data1[1]), int(it.Data1[2])}
			for i := 4; i < 12; i += 2 {
				keys = append(keys, int(binary.LittleEndian.Uint16(it.Data1[i:])))
			}
			return keys
		},
	},
	KindTool: {
		name: "tool",
		stackable: func(it *Item) bool {
			return it.Data1[1] != SubkindTechDisk
		},
		maxStack: func(it *Item) int {
			if it.Data1[1] == SubkindTechDisk {
				return 1
			}
			return 10
		},
		sortSubkeys: func(it *Item) []int {
			return []int{int(it.Data1[1]), int(it.Data1[2]), int(it.Data1[5])}
		},
	},
	KindMeseta: {
		name:      "meseta",
		stackable: func(*Item) bool { return false },
		maxStack:  func(*Item) int { return 999999 },
		sortSubkeys: func(it *Item) []int {
			return []int{int(binary.LittleEndian.Uint32(it.Data2[:]))}
		},
	},
}

// New returns an empty item with an unassigned ID.
func New() Item {
	return Item{ID: constants.UnassignedItemID}
}

// Kind returns the leading kind octet.
func (it *Item) Kind() byte { return it.Data1[0] }

// Empty reports whether the item slot holds nothing.
func (it *Item) Empty() bool {
	return it.Data1 == [12]byte{} && it.Data2 == [4]byte{}
}

// Clear resets the item to the empty state with an unassigned ID.
func (it *Item) Clear() {
	*it = Item{ID: constants.UnassignedItemID}
}

// Equal compares all 20 octets after both items are in canonical form.
func (it *Item) Equal(other *Item) bool {
	return it.Data1 == other.Data1 && it.ID == other.ID && it.Data2 == other.Data2
}

// Hex renders the record for logs.
func (it *Item) Hex() string {
	return fmt.Sprintf("%X-%08X-%X", it.Data1, it.ID, it.Data2)
}

// PrimaryIdentifier is a 32-bit fingerprint of kind and subkind, stable
// across versions. It keys the external parameter tables.
func (it *Item) PrimaryIdentifier() uint32 {
	switch it.Kind() {
	case KindMeseta:
		return 0x00040000
	case KindMag:
		// Level is excluded: a fed mag keys the same table entry.
		return 0x00020000 | uint32(it.Data1[1])<<8
	case KindTool:
		if it.Data1[1] == SubkindTechDisk {
			// Technique disks key on the technique number.
			return 0x00030200 | uint32(it.Data1[4])
		}
		return uint32(it.Data1[0])<<16 | uint32(it.Data1[1])<<8 | uint32(it.Data1[2])
	default:
		return uint32(it.Data1[0])<<16 | uint32(it.Data1[1])<<8 | uint32(it.Data1[2])
	}
}

// CompareForSort defines the stable total order used for inventory display:
// kind first, then kind-specific subkeys, then the raw record as the final
// tie-break.
func CompareForSort(a, b *Item) int {
	if a.Empty() != b.Empty() {
		// Empty slots sort last.
		if a.Empty() {
			return 1
		}
		return -1
	}
	if a.Kind() != b.Kind() {
		return int(a.Kind()) - int(b.Kind())
	}
	if info, ok := kindTable[a.Kind()]; ok {
		ka := info.sortSubkeys(a)
		kb := info.sortSubkeys(b)
		for i := 0; i < len(ka) && i < len(kb); i++ {
			if ka[i] != kb[i] {
				return ka[i] - kb[i]
			}
		}
	}
	if c := bytes.Compare(a.Data1[:], b.Data1[:]); c != 0 {
		return c
	}
	return bytes.Compare(a.Data2[:], b.Data2[:])
}

// Stackable reports whether the item may hold more than one unit under v.
func (it *Item) Stackable(v protocol.Version) bool {
	info, ok := kindTable[it.Kind()]
	return ok && info.stackable(it)
}

// StackSize returns the number of units the record currently represents.
func (it *Item) StackSize(v protocol.Version) int {
	if it.Kind() == KindMeseta {
		return int(binary.LittleEndian.Uint32(it.Data2[:]))
	}
	if it.Stackable(v) {
		return int(it.Data1[5])
	}
	return 1
}

// SetStackSize updates the stored stack count for stackable tools.
func (it *Item) SetStackSize(v protocol.Version, n int) {
	if it.Kind() == KindMeseta {
		binary.LittleEndian.PutUint32(it.Data2[:], uint32(n))
		return
	}
	if it.Stackable(v) {
		it.Data1[5] = byte(n)
	}
}

// MaxStackSize returns the largest stack the item may hold under v. The
// parameter table may widen this for specific tools on v4.
func (it *Item) MaxStackSize(v protocol.Version) int {
	info, ok := kindTable[it.Kind()]
	if !ok {
		return 1
	}
	return info.maxStack(it)
}

// EnforceMinStackSize normalizes a stackable tool whose stored stack octet
// is zero to one unit. Several client builds send zero for single items.
func (it *Item) EnforceMinStackSize(v protocol.Version) {
	if it.Stackable(v) && it.Data1[5] == 0 {
		it.Data1[5] = 1
	}
}
