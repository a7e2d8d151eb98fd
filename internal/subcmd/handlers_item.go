package subcmd

import (
	"errors"
	"fmt"

	"github.com/Elixir70/ragol/internal/constants"
	"github.com/Elixir70/ragol/internal/item"
	"github.com/Elixir70/ragol/internal/lobby"
)

// visibilityAll is the mask for an item every participant can see. Games
// hold at most four players; the mask is 4 bits wide.
const visibilityAll = 0x00F

func (r *Router) onSwitchState(s Session, command uint16, flag uint32, data []byte) error {
	r.Forward(s, command, flag, data)
	return nil
}

func (r *Router) onEquipItem(s Session, command uint16, flag uint32, data []byte) error {
	hdr, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	itemID, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing equip-item: %w", err)
	}
	slotRaw, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing equip-item: %w", err)
	}

	l := s.Lobby()
	if l == nil || int(hdr.ClientID) != l.SlotOf(s) {
		return nil
	}
	if err := s.Inventory().EquipItemID(itemID, item.EquipSlot(slotRaw)); err != nil {
		s.Log().Warn("equip item", "item_id", fmt.Sprintf("%08X", itemID), "error", err)
		return nil
	}
	s.Log().Info("equipped item", "item_id", fmt.Sprintf("%08X", itemID))
	r.Forward(s, command, flag, data)
	return nil
}

func (r *Router) onUnequipItem(s Session, command uint16, flag uint32, data []byte) error {
	hdr, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	itemID, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing unequip-item: %w", err)
	}

	l := s.Lobby()
	if l == nil || int(hdr.ClientID) != l.SlotOf(s) {
		return nil
	}
	if err := s.Inventory().UnequipItemID(itemID); err != nil {
		s.Log().Warn("unequip item", "item_id", fmt.Sprintf("%08X", itemID), "error", err)
		return nil
	}
	r.Forward(s, command, flag, data)
	return nil
}

func (r *Router) onUseItem(s Session, command uint16, flag uint32, data []byte) error {
	hdr, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	itemID, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing use-item: %w", err)
	}

	l := s.Lobby()
	if l == nil || int(hdr.ClientID) != l.SlotOf(s) {
		return nil
	}
	if _, err := s.Inventory().FindItem(itemID); err != nil {
		s.Log().Warn("use item", "item_id", fmt.Sprintf("%08X", itemID), "error", err)
		return nil
	}
	// Consume one unit; the delete-inventory message that follows on most
	// versions is a no-op for fully consumed items.
	if _, err := s.Inventory().RemoveItem(itemID, 1, s.Version()); err != nil {
		s.Log().Warn("consume item", "item_id", fmt.Sprintf("%08X", itemID), "error", err)
		return nil
	}
	r.Forward(s, command, flag, data)
	return nil
}

func (r *Router) onFeedMag(s Session, command uint16, flag uint32, data []byte) error {
	hdr, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	magID, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing feed-mag: %w", err)
	}
	fedID, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing feed-mag: %w", err)
	}

	l := s.Lobby()
	if l == nil || int(hdr.ClientID) != l.SlotOf(s) {
		return nil
	}
	if _, err := s.Inventory().FindItem(magID); err != nil {
		s.Log().Warn("feed mag: mag not held", "mag_id", fmt.Sprintf("%08X", magID))
		return nil
	}

	// On v4 only the feed message arrives, so the fed item is removed
	// here; other versions follow up with their own delete message.
	if s.Version().IsV4() {
		if _, err := s.Inventory().RemoveItem(fedID, 1, s.Version()); err != nil {
			s.Log().Warn("feed mag: fed item not held", "fed_id", fmt.Sprintf("%08X", fedID))
			return nil
		}
	}
	r.Forward(s, command, flag, data)
	return nil
}

func (r *Router) onDeleteInventoryItem(s Session, command uint16, flag uint32, data []byte) error {
	hdr, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	itemID, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing delete-inventory-item: %w", err)
	}
	amount, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing delete-inventory-item: %w", err)
	}

	l := s.Lobby()
	if l == nil || int(hdr.ClientID) != l.SlotOf(s) {
		return nil
	}
	if _, err := s.Inventory().RemoveItem(itemID, int(amount), s.Version()); err != nil {
		s.Log().Warn("delete inventory item",
			"item_id", fmt.Sprintf("%08X", itemID), "error", err)
		return nil
	}
	r.Forward(s, command, flag, data)
	return nil
}

func (r *Router) onDropItem(s Session, command uint16, flag uint32, data []byte) error {
	hdr, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	floor, err := rd.ReadUint16()
	if err != nil {
		return fmt.Errorf("parsing drop-item: %w", err)
	}
	if err := rd.Skip(2); err != nil {
		return fmt.Errorf("parsing drop-item: %w", err)
	}
	itemID, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing drop-item: %w", err)
	}
	x, err := rd.ReadFloat32()
	if err != nil {
		return fmt.Errorf("parsing drop-item: %w", err)
	}
	z, err := rd.ReadFloat32()
	if err != nil {
		return fmt.Errorf("parsing drop-item: %w", err)
	}

	l := s.Lobby()
	if l == nil || !l.IsGame || int(hdr.ClientID) != l.SlotOf(s) {
		return nil
	}
	dropped, err := s.Inventory().RemoveItem(itemID, 0, s.Version())
	if err != nil {
		s.Log().Warn("drop item: not in inventory", "item_id", fmt.Sprintf("%08X", itemID))
		return nil
	}
	l.AddItem(uint8(floor), dropped, x, z, visibilityAll)
	s.Log().Info("dropped item",
		"item_id", fmt.Sprintf("%08X", itemID), "floor", floor)
	r.Forward(s, command, flag, data)
	return nil
}

func (r *Router) onCreateInventoryItem(s Session, command uint16, flag uint32, data []byte) error {
	hdr, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	raw, err := rd.ReadBytes(item.WireSize)
	if err != nil {
		return fmt.Errorf("parsing create-inventory-item: %w", err)
	}

	l := s.Lobby()
	if l == nil || int(hdr.ClientID) != l.SlotOf(s) {
		return nil
	}
	// v4 inventory items are only ever created by the server.
	if s.Version().IsV4() {
		return nil
	}

	it, err := item.FromWire(raw)
	if err != nil {
		return fmt.Errorf("parsing create-inventory-item: %w", err)
	}
	it.DecodeForVersion(s.Version())
	l.OnItemIDGeneratedExternally(it.ID)
	if err := s.Inventory().AddItem(it, s.Version()); err != nil {
		s.Log().Warn("create inventory item", "error", err)
		return nil
	}
	s.Log().Info("created inventory item", "item_id", fmt.Sprintf("%08X", it.ID))
	return r.sendTranscodedItem(s, command, flag, data, rd.Position()-item.WireSize)
}

func (r *Router) onPickUpItem(s Session, command uint16, flag uint32, data []byte) error {
	_, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	clientID2, err := rd.ReadUint16()
	if err != nil {
		return fmt.Errorf("parsing pick-up-item: %w", err)
	}
	floor, err := rd.ReadUint16()
	if err != nil {
		return fmt.Errorf("parsing pick-up-item: %w", err)
	}
	itemID, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing pick-up-item: %w", err)
	}
	return r.pickUpItem(s, clientID2, uint8(floor), itemID, false)
}

func (r *Router) onPickUpItemRequest(s Session, command uint16, flag uint32, data []byte) error {
	hdr, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	itemID, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing pick-up-item-request: %w", err)
	}
	floor, err := rd.ReadByte()
	if err != nil {
		return fmt.Errorf("parsing pick-up-item-request: %w", err)
	}
	return r.pickUpItem(s, hdr.ClientID, floor, itemID, true)
}

// pickUpItem implements the shared pick-up path. The fan-out is the one
// place the server synthesizes a different message per recipient: those who
// could see the floor item get a pick-up notification, the rest get a
// create-inventory-item for the same record.
func (r *Router) pickUpItem(s Session, clientID uint16, floor uint8, itemID uint32, isRequest bool) error {
	l := s.Lobby()
	if l == nil || !l.IsGame {
		return nil
	}
	slot := l.SlotOf(s)
	if int(clientID) != slot {
		return nil
	}

	fi, err := l.RemoveItem(floor, itemID, slot)
	if errors.Is(err, lobby.ErrItemNotFound) {
		// Slow networks make duplicate pick-ups routine; whoever lost
		// the race is simply ignored.
		s.Log().Warn("pick up: item does not exist; dropping command",
			"item_id", fmt.Sprintf("%08X", itemID))
		return nil
	}
	if errors.Is(err, lobby.ErrNotVisible) {
		s.Log().Warn("pick up: item not visible to requester; dropping command",
			"item_id", fmt.Sprintf("%08X", itemID))
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.Inventory().AddItem(fi.Data, s.Version()); err != nil {
		s.Log().Warn("pick up: inventory full; returning item to floor",
			"item_id", fmt.Sprintf("%08X", itemID))
		l.ReAddItem(fi)
		return nil
	}
	s.Log().Info("picked up item", "item_id", fmt.Sprintf("%08X", itemID))

	l.ForEachClient(func(recipSlot int, lc lobby.Client) {
		if !isRequest && lc == lobby.Client(s) {
			return
		}
		var payload []byte
		if fi.VisibleToClient(recipSlot) {
			payload = buildPickUpItem(lc.Version(), clientID, floor, itemID)
		} else {
			payload = buildCreateInventoryItem(lc.Version(), clientID, fi.Data, r.env.ItemParameterTable(lc.Version()))
		}
		if payload == nil {
			return
		}
		if err := lc.Send(0x60, 0, payload); err != nil {
			s.Log().Warn("pick up fan-out", "error", err)
		}
	})
	return nil
}

func (r *Router) onDropStackedItem(s Session, command uint16, flag uint32, data []byte) error {
	_, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	floor, err := rd.ReadUint16()
	if err != nil {
		return fmt.Errorf("parsing drop-stacked-item: %w", err)
	}
	if err := rd.Skip(2); err != nil {
		return fmt.Errorf("parsing drop-stacked-item: %w", err)
	}
	x, err := rd.ReadFloat32()
	if err != nil {
		return fmt.Errorf("parsing drop-stacked-item: %w", err)
	}
	z, err := rd.ReadFloat32()
	if err != nil {
		return fmt.Errorf("parsing drop-stacked-item: %w", err)
	}
	itemOff := rd.Position()
	raw, err := rd.ReadBytes(item.WireSize)
	if err != nil {
		return fmt.Errorf("parsing drop-stacked-item: %w", err)
	}

	l := s.Lobby()
	if l == nil || !l.IsGame || s.Version().IsV4() {
		return nil
	}

	it, err := item.FromWire(raw)
	if err != nil {
		return fmt.Errorf("parsing drop-stacked-item: %w", err)
	}
	it.DecodeForVersion(s.Version())
	l.OnItemIDGeneratedExternally(it.ID)
	l.AddItem(uint8(floor), it, x, z, visibilityAll)
	return r.sendTranscodedItem(s, command, flag, data, itemOff)
}

// onSplitStackedItem is the v4-only authoritative stack split. The client
// follows with a delete-inventory message that would erase the remaining
// stack, so the removed portion is re-added before that message arrives.
func (r *Router) onSplitStackedItem(s Session, command uint16, flag uint32, data []byte) error {
	hdr, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	floor, err := rd.ReadUint16()
	if err != nil {
		return fmt.Errorf("parsing split-stacked-item: %w", err)
	}
	if err := rd.Skip(2); err != nil {
		return fmt.Errorf("parsing split-stacked-item: %w", err)
	}
	x, err := rd.ReadFloat32()
	if err != nil {
		return fmt.Errorf("parsing split-stacked-item: %w", err)
	}
	z, err := rd.ReadFloat32()
	if err != nil {
		return fmt.Errorf("parsing split-stacked-item: %w", err)
	}
	itemID, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing split-stacked-item: %w", err)
	}
	amount, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing split-stacked-item: %w", err)
	}

	l := s.Lobby()
	if !s.Version().IsV4() {
		r.Forward(s, command, flag, data)
		return nil
	}
	if l == nil || !l.IsGame || int(hdr.ClientID) != l.SlotOf(s) {
		return nil
	}

	split, err := s.Inventory().RemoveItem(itemID, int(amount), s.Version())
	if err != nil {
		s.Log().Warn("split stack", "item_id", fmt.Sprintf("%08X", itemID), "error", err)
		return nil
	}
	// A partial removal leaves the original stack in place; the floor
	// portion needs a fresh ID.
	if split.ID == constants.UnassignedItemID {
		split.ID = l.ItemIDForClient(l.SlotOf(s))
	}

	// The client's imminent delete-inventory message will subtract the
	// split amount again; pre-add it so the inventory lands where it
	// should.
	if err := s.Inventory().AddItem(split, s.Version()); err != nil {
		s.Log().Warn("split stack: re-add failed", "error", err)
	}

	l.AddItem(uint8(floor), split, x, z, visibilityAll)
	s.Log().Info("split stack to floor item",
		"item_id", fmt.Sprintf("%08X", split.ID), "floor", floor, "amount", amount)

	l.ForEachClient(func(recipSlot int, lc lobby.Client) {
		payload := buildDropStackedItem(lc.Version(), hdr.ClientID, split, uint8(floor), x, z, r.env.ItemParameterTable(lc.Version()))
		if payload == nil {
			return
		}
		if err := lc.Send(0x60, 0, payload); err != nil {
			s.Log().Warn("split stack fan-out", "error", err)
		}
	})
	return nil
}

func (r *Router) onBuyShopItem(s Session, command uint16, flag uint32, data []byte) error {
	hdr, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	itemOff := rd.Position()
	raw, err := rd.ReadBytes(item.WireSize)
	if err != nil {
		return fmt.Errorf("parsing buy-shop-item: %w", err)
	}

	l := s.Lobby()
	if l == nil || !l.IsGame || int(hdr.ClientID) != l.SlotOf(s) || s.Version().IsV4() {
		return nil
	}

	it, err := item.FromWire(raw)
	if err != nil {
		return fmt.Errorf("parsing buy-shop-item: %w", err)
	}
	// The price rides in data2 on the way in; clear it before the item
	// becomes a real inventory record.
	it.Data2 = [4]byte{}
	it.DecodeForVersion(s.Version())
	l.OnItemIDGeneratedExternally(it.ID)
	if err := s.Inventory().AddItem(it, s.Version()); err != nil {
		s.Log().Warn("buy shop item", "error", err)
		return nil
	}
	s.Log().Info("bought shop item", "item_id", fmt.Sprintf("%08X", it.ID))
	return r.sendTranscodedItem(s, command, flag, data, itemOff)
}

// onEntityDropItem handles the leader-minted floor item under client drop
// mode.
func (r *Router) onEntityDropItem(s Session, command uint16, flag uint32, data []byte) error {
	_, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	floor, err := rd.ReadUint16()
	if err != nil {
		return fmt.Errorf("parsing entity-drop-item: %w", err)
	}
	if err := rd.Skip(4); err != nil { // enemy flag + entity id
		return fmt.Errorf("parsing entity-drop-item: %w", err)
	}
	x, err := rd.ReadFloat32()
	if err != nil {
		return fmt.Errorf("parsing entity-drop-item: %w", err)
	}
	z, err := rd.ReadFloat32()
	if err != nil {
		return fmt.Errorf("parsing entity-drop-item: %w", err)
	}
	itemOff := rd.Position()
	raw, err := rd.ReadBytes(item.WireSize)
	if err != nil {
		return fmt.Errorf("parsing entity-drop-item: %w", err)
	}

	l := s.Lobby()
	if l == nil || !l.IsGame || l.SlotOf(s) != l.LeaderSlot() || s.Version().IsV4() {
		return nil
	}

	it, err := item.FromWire(raw)
	if err != nil {
		return fmt.Errorf("parsing entity-drop-item: %w", err)
	}
	it.DecodeForVersion(s.Version())
	l.OnItemIDGeneratedExternally(it.ID)
	l.AddItem(uint8(floor), it, x, z, visibilityAll)
	s.Log().Info("leader created floor item",
		"item_id", fmt.Sprintf("%08X", it.ID), "floor", floor)
	return r.sendTranscodedItem(s, command, flag, data, itemOff)
}

// onEntityDropRequest implements the drop-mode policy table.
func (r *Router) onEntityDropRequest(s Session, command uint16, flag uint32, data []byte) error {
	_, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	entityID, err := rd.ReadUint16()
	if err != nil {
		return fmt.Errorf("parsing entity-drop-request: %w", err)
	}
	floor, err := rd.ReadByte()
	if err != nil {
		return fmt.Errorf("parsing entity-drop-request: %w", err)
	}
	rtIndex, err := rd.ReadByte()
	if err != nil {
		return fmt.Errorf("parsing entity-drop-request: %w", err)
	}
	x, err := rd.ReadFloat32()
	if err != nil {
		return fmt.Errorf("parsing entity-drop-request: %w", err)
	}
	z, err := rd.ReadFloat32()
	if err != nil {
		return fmt.Errorf("parsing entity-drop-request: %w", err)
	}

	l := s.Lobby()
	if l == nil || !l.IsGame {
		return nil
	}

	switch l.GetDropMode() {
	case lobby.DropClient:
		// The lobby leader's client generates the item; route the
		// request to the leader only.
		leader := l.ClientAtSlot(l.LeaderSlot())
		if leader == nil {
			return nil
		}
		def := DefForSubcommand(s.Version(), data[0])
		out := r.translateFor(s.Version(), leader.Version(), data, def)
		if out == nil {
			return nil
		}
		return leader.Send(0x62, uint32(l.LeaderSlot()), out)
	case lobby.DropDisabled:
		return nil
	case lobby.DropServerShared, lobby.DropServerDuplicate, lobby.DropServerPrivate:
	default:
		return fmt.Errorf("invalid drop mode")
	}

	// One drop decision per entity, no matter how many clients request it.
	if l.MarkEntityDropChecked(entityID) {
		s.Log().Debug("drop decision already made for entity", "entity", entityID)
		return nil
	}

	req := DropRequest{EntityID: entityID, Floor: floor, RtIndex: rtIndex, X: x, Z: z}
	switch l.GetDropMode() {
	case lobby.DropServerShared:
		generated, ok := r.env.GenerateDrop(l, req)
		if !ok {
			s.Log().Info("no item was created", "entity", entityID)
			return nil
		}
		generated.ID = l.ItemIDForClient(constants.ServerItemIDSlot)
		l.AddItem(floor, generated, x, z, visibilityAll)
		r.sendDropToClients(s, l, generated, req, func(int) bool { return true })

	case lobby.DropServerDuplicate:
		generated, ok := r.env.GenerateDrop(l, req)
		if !ok {
			s.Log().Info("no item was created", "entity", entityID)
			return nil
		}
		l.ForEachClient(func(slot int, lc lobby.Client) {
			dup := generated
			dup.ID = l.ItemIDForClient(constants.ServerItemIDSlot)
			l.AddItem(floor, dup, x, z, 1<<uint(slot))
			payload := buildDropItem(lc.Version(), dup, rtIndex != 0x30, floor, x, z, entityID, r.env.ItemParameterTable(lc.Version()))
			if payload == nil {
				return
			}
			if err := lc.Send(0x60, 0, payload); err != nil {
				s.Log().Warn("drop fan-out", "error", err)
			}
		})

	case lobby.DropServerPrivate:
		l.ForEachClient(func(slot int, lc lobby.Client) {
			generated, ok := r.env.GenerateDrop(l, req)
			if !ok {
				return
			}
			generated.ID = l.ItemIDForClient(constants.ServerItemIDSlot)
			l.AddItem(floor, generated, x, z, 1<<uint(slot))
			payload := buildDropItem(lc.Version(), generated, rtIndex != 0x30, floor, x, z, entityID, r.env.ItemParameterTable(lc.Version()))
			if payload == nil {
				return
			}
			if err := lc.Send(0x60, 0, payload); err != nil {
				s.Log().Warn("drop fan-out", "error", err)
			}
		})
	}
	return nil
}

func (r *Router) sendDropToClients(s Session, l *lobby.Lobby, it item.Item, req DropRequest, include func(slot int) bool) {
	l.ForEachClient(func(slot int, lc lobby.Client) {
		if !include(slot) {
			return
		}
		payload := buildDropItem(lc.Version(), it, req.RtIndex != 0x30, req.Floor, req.X, req.Z, req.EntityID, r.env.ItemParameterTable(lc.Version()))
		if payload == nil {
			return
		}
		if err := lc.Send(0x60, 0, payload); err != nil {
			s.Log().Warn("drop fan-out", "error", err)
		}
	})
}

// onStealExp checks that the sender owns the client ID it names and forwards
// the message unchanged. It reads the base EXP but does not compute or award
// any EXP; the multiplier arithmetic lives in StealExpAmount.
func (r *Router) onStealExp(s Session, command uint16, flag uint32, data []byte) error {
	hdr, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	baseExp, err := rd.ReadUint32()
	if err != nil {
		return fmt.Errorf("parsing steal-exp: %w", err)
	}

	l := s.Lobby()
	if l == nil || !l.IsGame || int(hdr.ClientID) != l.SlotOf(s) {
		return nil
	}
	_ = baseExp
	r.Forward(s, command, flag, data)
	return nil
}

// StealExpAmount applies the historical EXP-steal multipliers. Kept as a
// pure function so recorded captures can pin the values.
func StealExpAmount(base uint32, episode2, android, ultimate bool) uint32 {
	amount := base * 100
	if episode2 {
		amount += base * 30
	}
	if android && ultimate {
		amount += base * 30
	}
	return amount / 100
}
