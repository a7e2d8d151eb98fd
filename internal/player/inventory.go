package player

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Elixir70/ragol/internal/constants"
	"github.com/Elixir70/ragol/internal/item"
	"github.com/Elixir70/ragol/internal/protocol"
)

// ErrInventoryFull is returned when a 31st item would be added. Recoverable:
// the triggering message is suppressed and the item stays where it was.
var ErrInventoryFull = errors.New("inventory is full")

// ErrItemNotHeld is returned for operations on absent inventory items.
var ErrItemNotHeld = errors.New("item is not in inventory")

// flagEquipped marks an equipped slot in the wire flags.
const flagEquipped = 0x00000008

// Inventory is the authoritative server-side inventory of one participant.
type Inventory struct {
	mu    sync.Mutex
	count int
	slots [MaxInventoryItems]InventoryItem
}

// NewInventory returns an empty inventory.
func NewInventory() *Inventory {
	inv := &Inventory{}
	for i := range inv.slots {
		inv.slots[i].Data = item.New()
	}
	return inv
}

// Count returns the number of held items.
func (inv *Inventory) Count() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.count
}

// Items returns a copy of the occupied slots.
func (inv *Inventory) Items() []InventoryItem {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]InventoryItem, 0, inv.count)
	for i := 0; i < inv.count; i++ {
		out = append(out, inv.slots[i])
	}
	return out
}

// AddItem inserts an item, merging stackable tools into an existing stack
// of the same primary identifier.
func (inv *Inventory) AddItem(it item.Item, v protocol.Version) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if it.Stackable(v) {
		pid := it.PrimaryIdentifier()
		for i := 0; i < inv.count; i++ {
			held := &inv.slots[i].Data
			if held.PrimaryIdentifier() == pid {
				merged := held.StackSize(v) + it.StackSize(v)
				if merged > held.MaxStackSize(v) {
					return fmt.Errorf("merging stack of %08X: %w", pid, ErrInventoryFull)
				}
				held.SetStackSize(v, merged)
				return nil
			}
		}
	}

	if inv.count >= MaxInventoryItems {
		return ErrInventoryFull
	}
	inv.slots[inv.count] = InventoryItem{Present: true, Data: it}
	inv.count++
	return nil
}

// RemoveItem removes amount units of the item. Removing part of a stack
// leaves the rest in place and returns a record whose ID is unassigned —
// the signal that the removed portion needs a fresh ID if it goes anywhere.
// amount 0 means the whole item.
func (inv *Inventory) RemoveItem(id uint32, amount int, v protocol.Version) (item.Item, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	idx := -1
	for i := 0; i < inv.count; i++ {
		if inv.slots[i].Data.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return item.Item{}, ErrItemNotHeld
	}

	held := &inv.slots[idx].Data
	if amount > 0 && held.Stackable(v) && amount < held.StackSize(v) {
		held.SetStackSize(v, held.StackSize(v)-amount)
		out := *held
		out.SetStackSize(v, amount)
		out.ID = constants.UnassignedItemID
		return out, nil
	}

	out := *held
	copy(inv.slots[idx:], inv.slots[idx+1:inv.count])
	inv.count--
	inv.slots[inv.count] = InventoryItem{Data: item.New()}
	return out, nil
}

// FindItem returns a copy of the item with the given ID.
func (inv *Inventory) FindItem(id uint32) (item.Item, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for i := 0; i < inv.count; i++ {
		if inv.slots[i].Data.ID == id {
			return inv.slots[i].Data, nil
		}
	}
	return item.Item{}, ErrItemNotHeld
}

// EquipItemID marks the item equipped. SlotUnknown is resolved from the
// item itself, as the pause-menu equip path never names a slot.
func (inv *Inventory) EquipItemID(id uint32, slot item.EquipSlot) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for i := 0; i < inv.count; i++ {
		entry := &inv.slots[i]
		if entry.Data.ID != id {
			continue
		}
		if slot == item.SlotUnknown {
			slot = entry.Data.DefaultEquipSlot()
		}
		if !entry.Data.CanBeEquippedInSlot(slot) {
			return fmt.Errorf("item %08X cannot be equipped in slot %d", id, slot)
		}
		entry.Flags |= flagEquipped
		return nil
	}
	return ErrItemNotHeld
}

// UnequipItemID clears the equipped flag.
func (inv *Inventory) UnequipItemID(id uint32) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for i := 0; i < inv.count; i++ {
		if inv.slots[i].Data.ID == id {
			inv.slots[i].Flags &^= flagEquipped
			return nil
		}
	}
	return ErrItemNotHeld
}

// IsEquipped reports the equipped flag for the item.
func (inv *Inventory) IsEquipped(id uint32) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for i := 0; i < inv.count; i++ {
		if inv.slots[i].Data.ID == id {
			return inv.slots[i].Flags&flagEquipped != 0
		}
	}
	return false
}

// FillSnapshot copies the inventory into a snapshot's item block.
func (inv *Inventory) FillSnapshot(s *Snapshot) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	s.NumItems = uint8(inv.count)
	for i := 0; i < MaxInventoryItems; i++ {
		if i < inv.count {
			s.Items[i] = inv.slots[i]
		} else {
			s.Items[i] = InventoryItem{Data: item.New()}
		}
	}
}

// LoadSnapshot replaces the inventory contents from a snapshot.
func (inv *Inventory) LoadSnapshot(s *Snapshot) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.count = int(s.NumItems)
	for i := 0; i < MaxInventoryItems; i++ {
		if i < inv.count {
			inv.slots[i] = s.Items[i]
		} else {
			inv.slots[i] = InventoryItem{Data: item.New()}
		}
	}
}
