package gameserver

import (
	"encoding/binary"

	"github.com/Elixir70/ragol/internal/constants"
	"github.com/Elixir70/ragol/internal/item"
	"github.com/Elixir70/ragol/internal/lobby"
	"github.com/Elixir70/ragol/internal/protocol"
	"github.com/Elixir70/ragol/internal/protocol/packet"
	"github.com/Elixir70/ragol/internal/prs"
	"github.com/Elixir70/ragol/internal/subcmd"
)

// DropGenerator produces items for entity drops. Drop tables are an
// external collaborator; the server only routes the result.
type DropGenerator interface {
	Generate(l *lobby.Lobby, req subcmd.DropRequest) (item.Item, bool)
}

// environment wires the router's collaborators to the server's resources.
type environment struct {
	tables  map[protocol.Version]item.ParameterTable
	dropGen DropGenerator
}

func (e *environment) ItemParameterTable(v protocol.Version) item.ParameterTable {
	if t, ok := e.tables[v]; ok {
		return t
	}
	return nil
}

func (e *environment) GenerateDrop(l *lobby.Lobby, req subcmd.DropRequest) (item.Item, bool) {
	if e.dropGen == nil {
		return item.Item{}, false
	}
	return e.dropGen.Generate(l, req)
}

// ResendItemState pushes an authoritative item-state to a session whose
// view diverged during join: the per-slot ID counters plus every floor
// item, compressed the way the clients expect.
func (e *environment) ResendItemState(s subcmd.Session) {
	l := s.Lobby()
	if l == nil {
		return
	}

	state := buildItemState(l)
	compressed := prs.Compress(state)

	w := packet.NewWriterOrder(4+len(compressed), binary.LittleEndian)
	w.WriteByte(subcmd.SubcmdSyncItemState)
	w.WriteByte(uint8((4 + len(compressed) + 3) / 4))
	w.WriteUint16(0)
	w.WriteBytes(compressed)
	if err := s.Send(0x6C, 0, w.Bytes()); err != nil {
		s.Log().Warn("resending item state", "error", err)
	}
}

// buildItemState serializes the lobby's authoritative item view in the
// sync layout: 12 next-item-IDs, 15 per-floor counts, then the entries.
func buildItemState(l *lobby.Lobby) []byte {
	w := packet.NewWriter(0x400)
	for k := 0; k < constants.MaxLobbyClients; k++ {
		w.WriteUint32(l.PeekItemIDForClient(k))
	}

	type entry struct {
		fi *lobby.FloorItem
	}
	byFloor := make(map[uint8][]entry)
	l.ForEachFloorItem(func(fi *lobby.FloorItem) {
		byFloor[fi.Floor] = append(byFloor[fi.Floor], entry{fi})
	})
	for floor := 0; floor < 15; floor++ {
		w.WriteUint32(uint32(len(byFloor[uint8(floor)])))
	}
	for floor := 0; floor < 15; floor++ {
		for _, en := range byFloor[uint8(floor)] {
			w.WriteBytes(en.fi.Data.AppendWire(nil))
			w.WriteUint16(uint16(en.fi.Floor))
			w.WriteUint16(en.fi.Visibility)
			w.WriteFloat32(en.fi.X)
			w.WriteFloat32(en.fi.Z)
		}
	}
	return w.Bytes()
}
