package subcmd

import (
	"encoding/binary"
	"fmt"

	"github.com/Elixir70/ragol/internal/item"
	"github.com/Elixir70/ragol/internal/protocol"
	"github.com/Elixir70/ragol/internal/protocol/packet"
)

// Every subcommand payload begins with a 4-octet header:
//
//	subcommand u8, size u8 (in 4-octet units), client_id u16
//
// Multi-octet fields follow the sender's wire endianness.

type subHeader struct {
	Subcommand uint8
	Size       uint8
	ClientID   uint16
}

func byteOrder(v protocol.Version) binary.ByteOrder {
	if v.IsBigEndian() {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func parseSubHeader(data []byte, v protocol.Version) (subHeader, *packet.Reader, error) {
	r := packet.NewReaderOrder(data, byteOrder(v))
	var h subHeader
	var err error
	if h.Subcommand, err = r.ReadByte(); err != nil {
		return h, nil, fmt.Errorf("parsing subcommand header: %w", err)
	}
	if h.Size, err = r.ReadByte(); err != nil {
		return h, nil, fmt.Errorf("parsing subcommand header: %w", err)
	}
	if h.ClientID, err = r.ReadUint16(); err != nil {
		return h, nil, fmt.Errorf("parsing subcommand header: %w", err)
	}
	return h, r, nil
}

func writeSubHeader(w *packet.Writer, sub uint8, payloadLen int, clientID uint16) {
	w.WriteByte(sub)
	w.WriteByte(uint8((payloadLen + 3) / 4))
	w.WriteUint16(clientID)
}

// buildPickUpItem constructs a pick-up notification in the recipient's
// numbering and byte order.
func buildPickUpItem(to protocol.Version, clientID uint16, floor uint8, itemID uint32) []byte {
	sub := definitions[SubcmdPickUpItem].NumberFor(to)
	if sub == 0 {
		return nil
	}
	w := packet.NewWriterOrder(12, byteOrder(to))
	writeSubHeader(w, sub, 12, clientID)
	w.WriteUint16(clientID)
	w.WriteUint16(uint16(floor))
	w.WriteUint32(itemID)
	return w.Bytes()
}

// buildCreateInventoryItem constructs a create-inventory-item notification,
// transcoding the canonical item for the recipient.
func buildCreateInventoryItem(to protocol.Version, clientID uint16, canonical item.Item, table item.ParameterTable) []byte {
	sub := definitions[SubcmdCreateInvItem].NumberFor(to)
	if sub == 0 {
		return nil
	}
	enc := canonical
	enc.EncodeForVersion(to, table)
	w := packet.NewWriterOrder(24, byteOrder(to))
	writeSubHeader(w, sub, 24, clientID)
	w.WriteBytes(enc.AppendWire(nil))
	return w.Bytes()
}

// buildDropItem constructs an entity-drop notification for a
// server-generated item.
func buildDropItem(to protocol.Version, canonical item.Item, fromEnemy bool, floor uint8, x, z float32, entityID uint16, table item.ParameterTable) []byte {
	sub := definitions[SubcmdEntityDropItem].NumberFor(to)
	if sub == 0 {
		return nil
	}
	enc := canonical
	enc.EncodeForVersion(to, table)
	w := packet.NewWriterOrder(40, byteOrder(to))
	writeSubHeader(w, sub, 40, 0)
	var enemyFlag uint16
	if fromEnemy {
		enemyFlag = 1
	}
	w.WriteUint16(uint16(floor))
	w.WriteUint16(enemyFlag)
	w.WriteUint16(entityID)
	w.WriteUint16(0)
	w.WriteFloat32(x)
	w.WriteFloat32(z)
	w.WriteBytes(enc.AppendWire(nil))
	return w.Bytes()
}

// buildDropStackedItem constructs a drop-stacked-item notification.
func buildDropStackedItem(to protocol.Version, clientID uint16, canonical item.Item, floor uint8, x, z float32, table item.ParameterTable) []byte {
	sub := definitions[SubcmdDropStackedItem].NumberFor(to)
	if sub == 0 {
		return nil
	}
	enc := canonical
	enc.EncodeForVersion(to, table)
	w := packet.NewWriterOrder(36, byteOrder(to))
	writeSubHeader(w, sub, 36, clientID)
	w.WriteUint16(uint16(floor))
	w.WriteUint16(0)
	w.WriteFloat32(x)
	w.WriteFloat32(z)
	w.WriteBytes(enc.AppendWire(nil))
	return w.Bytes()
}

// buildSyncStateDone constructs the end-of-state marker the pre-v1 clients
// never send themselves.
func buildSyncStateDone(to protocol.Version, clientID uint16) []byte {
	sub := definitions[SubcmdSyncStateDone].NumberFor(to)
	if sub == 0 {
		return nil
	}
	w := packet.NewWriterOrder(4, byteOrder(to))
	writeSubHeader(w, sub, 4, clientID)
	return w.Bytes()
}
