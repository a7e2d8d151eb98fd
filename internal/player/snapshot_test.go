package player

import (
	"testing"

	"github.com/Elixir70/ragol/internal/item"
	"github.com/Elixir70/ragol/internal/protocol"
)

func sampleSnapshot() *Snapshot {
	s := &Snapshot{
		Name:      "Rico",
		Language:  1,
		SectionID: 3,
		CharClass: 5,
		Costume:   2, Skin: 1, Face: 4, Head: 0, Hair: 7,
		HairR: 100, HairG: 50, HairB: 25,
		PropX: 1.0, PropY: 1.0,
		Level:  42,
		Exp:    123456,
		Meseta: 9999,
		Stats:  Stats{ATP: 500, MST: 300, EVP: 200, HP: 400, DFP: 150, ATA: 120, LCK: 10},
	}
	for i := range s.TechLevels {
		s.TechLevels[i] = byte(i % 5)
	}

	var w item.Item
	w.Data1[0] = item.KindWeapon
	w.Data1[1] = 0x01
	w.Data1[2] = 0x02
	w.ID = 0x00210001

	var m item.Item
	m.Data1[0] = item.KindMag
	m.Data1[1] = 0x1D
	m.AssignMagStats(item.MagStats{Def: 500, Pow: 1200, Flags: 0x40, IQ: 0x28, Color: 0x0E})
	m.ID = 0x00210002

	s.NumItems = 2
	s.Items[0] = InventoryItem{Present: true, Flags: 0x08, Data: w}
	s.Items[1] = InventoryItem{Present: true, Data: m}
	return s
}

var snapshotVersions = []protocol.Version{
	protocol.VersionProtoA, protocol.VersionProtoB, protocol.VersionV1,
	protocol.VersionV2, protocol.VersionGC, protocol.VersionXB,
	protocol.VersionBB,
}

func TestSnapshotRoundTripEveryVariant(t *testing.T) {
	src := sampleSnapshot()
	for _, v := range snapshotVersions {
		wire := src.Encode(v, nil)
		got, err := Parse(wire, v)
		if err != nil {
			t.Fatalf("%s: Parse: %v", v, err)
		}
		if got.Name != src.Name {
			t.Errorf("%s: name %q, want %q", v, got.Name, src.Name)
		}
		if got.Level != src.Level || got.Meseta != src.Meseta || got.Stats != src.Stats {
			t.Errorf("%s: stats mismatch", v)
		}
		if got.NumItems != src.NumItems {
			t.Fatalf("%s: num items %d, want %d", v, got.NumItems, src.NumItems)
		}
		for i := 0; i < int(src.NumItems); i++ {
			if !got.Items[i].Data.Equal(&src.Items[i].Data) {
				t.Errorf("%s: item %d: got %s, want %s",
					v, i, got.Items[i].Data.Hex(), src.Items[i].Data.Hex())
			}
		}
	}
}

func TestSnapshotCrossVersionTranscode(t *testing.T) {
	// GC sender to BB recipient: the mag's canonical data2 must survive
	// even though the two wires lay it out differently.
	src := sampleSnapshot()
	gcWire := src.Encode(protocol.VersionGC, nil)

	parsed, err := Parse(gcWire, protocol.VersionGC)
	if err != nil {
		t.Fatalf("Parse GC: %v", err)
	}
	bbWire := parsed.Encode(protocol.VersionBB, nil)
	final, err := Parse(bbWire, protocol.VersionBB)
	if err != nil {
		t.Fatalf("Parse BB: %v", err)
	}

	wantMag := src.Items[1].Data
	gotMag := final.Items[1].Data
	if !gotMag.Equal(&wantMag) {
		t.Fatalf("mag transcode mismatch: got %s, want %s", gotMag.Hex(), wantMag.Hex())
	}
}

func TestSnapshotUnusedSlotsZeroed(t *testing.T) {
	src := sampleSnapshot()
	// Leave garbage in a slot past NumItems.
	src.Items[5] = InventoryItem{Present: true, Flags: 0xFF, Data: src.Items[0].Data}

	wire := src.Encode(protocol.VersionBB, nil)
	got, err := Parse(wire, protocol.VersionBB)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Items[5].Present || !got.Items[5].Data.Empty() {
		t.Fatal("slot beyond NumItems was not zeroed")
	}
}

func TestSnapshotProtoALacksExtensions(t *testing.T) {
	src := sampleSnapshot()
	wire := src.Encode(protocol.VersionProtoA, nil)
	got, err := Parse(wire, protocol.VersionProtoA)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Techniques are absent on the oldest prototype and default to zero.
	if got.TechLevels != [20]byte{} {
		t.Fatal("prototype A should not carry technique levels")
	}
	// Proportions default deterministically.
	if got.PropX != 1.0 || got.PropY != 1.0 {
		t.Fatalf("default proportions %v/%v, want 1.0/1.0", got.PropX, got.PropY)
	}
}
