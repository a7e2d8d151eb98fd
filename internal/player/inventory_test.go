package player

import (
	"errors"
	"testing"

	"github.com/Elixir70/ragol/internal/constants"
	"github.com/Elixir70/ragol/internal/item"
	"github.com/Elixir70/ragol/internal/protocol"
)

func stackOf(typ byte, n int, id uint32) item.Item {
	var it item.Item
	it.Data1[0] = item.KindTool
	it.Data1[1] = typ
	it.Data1[5] = byte(n)
	it.ID = id
	return it
}

func TestAddItemMergesStacks(t *testing.T) {
	inv := NewInventory()
	v := protocol.VersionBB

	if err := inv.AddItem(stackOf(0, 4, 0x00210001), v); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if err := inv.AddItem(stackOf(0, 3, 0x00210002), v); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	items := inv.Items()
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1 merged stack", len(items))
	}
	if got := items[0].Data.StackSize(v); got != 7 {
		t.Fatalf("stack size %d, want 7", got)
	}
	// The merged stack keeps the original ID.
	if items[0].Data.ID != 0x00210001 {
		t.Fatalf("merged ID %08X", items[0].Data.ID)
	}
}

func TestRemoveItemPartialStackSignalsFreshID(t *testing.T) {
	inv := NewInventory()
	v := protocol.VersionBB
	if err := inv.AddItem(stackOf(0, 10, 0x00210001), v); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	out, err := inv.RemoveItem(0x00210001, 3, v)
	if err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if out.ID != constants.UnassignedItemID {
		t.Fatalf("partial removal ID %08X, want unassigned", out.ID)
	}
	if got := out.StackSize(v); got != 3 {
		t.Fatalf("removed stack %d, want 3", got)
	}
	items := inv.Items()
	if got := items[0].Data.StackSize(v); got != 7 {
		t.Fatalf("remaining stack %d, want 7", got)
	}

	// Removing the rest takes the whole record, keeping its ID.
	out, err = inv.RemoveItem(0x00210001, 7, v)
	if err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if out.ID != 0x00210001 {
		t.Fatalf("full removal ID %08X", out.ID)
	}
	if inv.Count() != 0 {
		t.Fatalf("count %d, want 0", inv.Count())
	}
}

func TestInventoryFull(t *testing.T) {
	inv := NewInventory()
	v := protocol.VersionGC
	for i := 0; i < MaxInventoryItems; i++ {
		var it item.Item
		it.Data1[0] = item.KindWeapon
		it.Data1[2] = byte(i) // distinct identifiers prevent merging
		it.ID = uint32(0x00210000 + i)
		if err := inv.AddItem(it, v); err != nil {
			t.Fatalf("AddItem %d: %v", i, err)
		}
	}
	var extra item.Item
	extra.Data1[0] = item.KindWeapon
	extra.Data1[2] = 0xFE
	extra.ID = 0x00210100
	if err := inv.AddItem(extra, v); !errors.Is(err, ErrInventoryFull) {
		t.Fatalf("got %v, want ErrInventoryFull", err)
	}
}

func TestEquipUnknownSlotResolved(t *testing.T) {
	inv := NewInventory()
	v := protocol.VersionBB
	var w item.Item
	w.Data1[0] = item.KindWeapon
	w.ID = 0x00210001
	if err := inv.AddItem(w, v); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	if err := inv.EquipItemID(w.ID, item.SlotUnknown); err != nil {
		t.Fatalf("EquipItemID: %v", err)
	}
	if !inv.IsEquipped(w.ID) {
		t.Fatal("item should be equipped")
	}
	if err := inv.UnequipItemID(w.ID); err != nil {
		t.Fatalf("UnequipItemID: %v", err)
	}
	if inv.IsEquipped(w.ID) {
		t.Fatal("item should be unequipped")
	}

	// A mag cannot go into the weapon slot.
	var m item.Item
	m.Data1[0] = item.KindMag
	m.ID = 0x00210002
	if err := inv.AddItem(m, v); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if err := inv.EquipItemID(m.ID, item.SlotWeapon); err == nil {
		t.Fatal("expected slot mismatch error")
	}
}
