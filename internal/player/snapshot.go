// Package player implements the cross-version codec for the join-in-progress
// player state: the display record (appearance and stats) plus the
// inventory. Six wire variants exist; every variant parses into the same
// version-neutral Snapshot, and emit produces the variant the recipient
// speaks, defaulting fields the source lacked.
package player

import (
	"encoding/binary"
	"fmt"

	"github.com/Elixir70/ragol/internal/item"
	"github.com/Elixir70/ragol/internal/protocol"
	"github.com/Elixir70/ragol/internal/protocol/packet"
)

// MaxInventoryItems is the inventory capacity on every version.
const MaxInventoryItems = 30

// InventoryItem is one inventory slot.
type InventoryItem struct {
	Present bool
	Flags   uint32 // bit 3: equipped
	Data    item.Item
}

// Stats is the combat stat block of the display record.
type Stats struct {
	ATP, MST, EVP, HP, DFP, ATA, LCK uint16
}

// Snapshot is the version-neutral join-in-progress player state.
type Snapshot struct {
	Name      string
	Language  uint8
	SectionID uint8
	CharClass uint8

	Costume, Skin, Face, Head, Hair uint16
	HairR, HairG, HairB             uint16
	PropX, PropY                    float32

	Level  uint32
	Exp    uint32
	Meseta uint32
	Stats  Stats

	// TechLevels is an extension block absent on the first generation;
	// emit clears it for v1 recipients.
	TechLevels [20]byte

	NumItems uint8
	Items    [MaxInventoryItems]InventoryItem
}

// variant describes which optional blocks a wire layout carries.
type variant struct {
	nameWidth    int
	nameEncoding protocol.TextEncoding
	hasProps     bool
	hasTechs     bool
	itemFlags16  bool // prototypes carry 16-bit slot flags
}

func variantFor(v protocol.Version) variant {
	switch {
	case v.Generation() == protocol.GenProtoA:
		return variant{nameWidth: 16, nameEncoding: protocol.EncodingLanguage1B, itemFlags16: true}
	case v.Generation() == protocol.GenProtoB:
		return variant{nameWidth: 16, nameEncoding: protocol.EncodingLanguage1B, hasTechs: true, itemFlags16: true}
	case v == protocol.VersionXB:
		return variant{nameWidth: 16, nameEncoding: protocol.EncodingASCII, hasProps: true, hasTechs: true}
	case v == protocol.VersionBB:
		return variant{nameWidth: 32, nameEncoding: protocol.EncodingUTF16LE, hasProps: true, hasTechs: true}
	case v.Generation() == protocol.Gen3:
		return variant{nameWidth: 16, nameEncoding: protocol.EncodingLanguage1B, hasProps: true, hasTechs: true}
	default: // v1/v2 generations
		return variant{nameWidth: 16, nameEncoding: protocol.EncodingLanguage1B, hasProps: v.Generation() == protocol.Gen2}
	}
}

func byteOrder(v protocol.Version) binary.ByteOrder {
	if v.IsBigEndian() {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Parse decodes any wire variant into a neutral snapshot. Every inventory
// item is normalized through the item codec for the sender's version.
func Parse(data []byte, v protocol.Version) (*Snapshot, error) {
	layout := variantFor(v)
	r := packet.NewReaderOrder(data, byteOrder(v))
	s := &Snapshot{}

	nameRaw, err := r.ReadBytes(layout.nameWidth)
	if err != nil {
		return nil, fmt.Errorf("parsing %s snapshot name: %w", v, err)
	}
	s.Name = protocol.DecodeText(nameRaw, layout.nameEncoding)

	lang, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("parsing %s snapshot: %w", v, err)
	}
	s.Language = lang
	if s.SectionID, err = r.ReadByte(); err != nil {
		return nil, fmt.Errorf("parsing %s snapshot: %w", v, err)
	}
	if s.CharClass, err = r.ReadByte(); err != nil {
		return nil, fmt.Errorf("parsing %s snapshot: %w", v, err)
	}
	if err = r.Skip(1); err != nil { // alignment
		return nil, fmt.Errorf("parsing %s snapshot: %w", v, err)
	}

	for _, dst := range []*uint16{&s.Costume, &s.Skin, &s.Face, &s.Head, &s.Hair, &s.HairR, &s.HairG, &s.HairB} {
		if *dst, err = r.ReadUint16(); err != nil {
			return nil, fmt.Errorf("parsing %s snapshot appearance: %w", v, err)
		}
	}
	if layout.hasProps {
		if s.PropX, err = r.ReadFloat32(); err != nil {
			return nil, fmt.Errorf("parsing %s snapshot proportions: %w", v, err)
		}
		if s.PropY, err = r.ReadFloat32(); err != nil {
			return nil, fmt.Errorf("parsing %s snapshot proportions: %w", v, err)
		}
	} else {
		s.PropX, s.PropY = 1.0, 1.0
	}

	for _, dst := range []*uint16{&s.Stats.ATP, &s.Stats.MST, &s.Stats.EVP, &s.Stats.HP, &s.Stats.DFP, &s.Stats.ATA, &s.Stats.LCK} {
		if *dst, err = r.ReadUint16(); err != nil {
			return nil, fmt.Errorf("parsing %s snapshot stats: %w", v, err)
		}
	}
	if err = r.Skip(2); err != nil {
		return nil, fmt.Errorf("parsing %s snapshot: %w", v, err)
	}
	if s.Level, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("parsing %s snapshot: %w", v, err)
	}
	if s.Exp, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("parsing %s snapshot: %w", v, err)
	}
	if s.Meseta, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("parsing %s snapshot: %w", v, err)
	}

	if layout.hasTechs {
		techs, err := r.ReadBytes(len(s.TechLevels))
		if err != nil {
			return nil, fmt.Errorf("parsing %s snapshot techniques: %w", v, err)
		}
		copy(s.TechLevels[:], techs)
	}

	numItems, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("parsing %s snapshot inventory: %w", v, err)
	}
	if numItems > MaxInventoryItems {
		return nil, fmt.Errorf("parsing %s snapshot: %d items exceeds capacity", v, numItems)
	}
	s.NumItems = numItems
	if err = r.Skip(3); err != nil {
		return nil, fmt.Errorf("parsing %s snapshot inventory: %w", v, err)
	}

	for i := 0; i < MaxInventoryItems; i++ {
		slot := &s.Items[i]
		if layout.itemFlags16 {
			present, err := r.ReadUint16()
			if err != nil {
				return nil, fmt.Errorf("parsing %s snapshot item %d: %w", v, i, err)
			}
			flags, err := r.ReadUint16()
			if err != nil {
				return nil, fmt.Errorf("parsing %s snapshot item %d: %w", v, i, err)
			}
			slot.Present = present != 0
			slot.Flags = uint32(flags)
		} else {
			present, err := r.ReadUint16()
			if err != nil {
				return nil, fmt.Errorf("parsing %s snapshot item %d: %w", v, i, err)
			}
			if err := r.Skip(2); err != nil {
				return nil, fmt.Errorf("parsing %s snapshot item %d: %w", v, i, err)
			}
			flags, err := r.ReadUint32()
			if err != nil {
				return nil, fmt.Errorf("parsing %s snapshot item %d: %w", v, i, err)
			}
			slot.Present = present != 0
			slot.Flags = flags
		}

		raw, err := r.ReadBytes(item.WireSize)
		if err != nil {
			return nil, fmt.Errorf("parsing %s snapshot item %d: %w", v, i, err)
		}
		it, err := item.FromWire(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s snapshot item %d: %w", v, i, err)
		}
		it.DecodeForVersion(v)
		slot.Data = it
	}

	// Slots beyond NumItems carry whatever the client left in memory;
	// normalize them away.
	s.clearUnusedSlots()
	return s, nil
}

// Encode emits the snapshot in the recipient's wire variant. Items are
// transcoded through the item codec; fields the variant lacks are dropped,
// and extension fields are cleared for v1 recipients.
func (s *Snapshot) Encode(v protocol.Version, table item.ParameterTable) []byte {
	layout := variantFor(v)
	w := packet.NewWriterOrder(0x400, byteOrder(v))

	marker := ""
	if layout.nameEncoding == protocol.EncodingLanguage1B {
		marker = protocol.LanguageMarker(s.Language)
	}
	w.WriteBytes(protocol.EncodeText(s.Name, layout.nameWidth, layout.nameEncoding, marker))

	w.WriteByte(s.Language)
	w.WriteByte(s.SectionID)
	w.WriteByte(s.CharClass)
	w.WriteByte(0)

	for _, val := range []uint16{s.Costume, s.Skin, s.Face, s.Head, s.Hair, s.HairR, s.HairG, s.HairB} {
		w.WriteUint16(val)
	}
	if layout.hasProps {
		w.WriteFloat32(s.PropX)
		w.WriteFloat32(s.PropY)
	}

	for _, val := range []uint16{s.Stats.ATP, s.Stats.MST, s.Stats.EVP, s.Stats.HP, s.Stats.DFP, s.Stats.ATA, s.Stats.LCK} {
		w.WriteUint16(val)
	}
	w.WriteUint16(0)
	w.WriteUint32(s.Level)
	w.WriteUint32(s.Exp)
	w.WriteUint32(s.Meseta)

	if layout.hasTechs {
		w.WriteBytes(s.TechLevels[:])
	}

	w.WriteByte(s.NumItems)
	w.WriteZeroes(3)

	for i := 0; i < MaxInventoryItems; i++ {
		slot := s.Items[i]
		if i >= int(s.NumItems) {
			slot = InventoryItem{Data: item.New()}
		}

		if layout.itemFlags16 {
			var present uint16
			if slot.Present {
				present = 1
			}
			w.WriteUint16(present)
			w.WriteUint16(uint16(slot.Flags))
		} else {
			var present uint16
			if slot.Present {
				present = 1
			}
			w.WriteUint16(present)
			w.WriteUint16(0)
			w.WriteUint32(slot.Flags)
		}

		out := slot.Data
		out.EncodeForVersion(v, table)
		w.WriteBytes(out.AppendWire(nil))
	}

	return w.Bytes()
}

func (s *Snapshot) clearUnusedSlots() {
	for i := int(s.NumItems); i < MaxInventoryItems; i++ {
		s.Items[i] = InventoryItem{Data: item.New()}
	}
}
