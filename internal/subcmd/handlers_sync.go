package subcmd

import (
	"encoding/binary"
	"fmt"

	"github.com/Elixir70/ragol/internal/constants"
	"github.com/Elixir70/ragol/internal/lobby"
	"github.com/Elixir70/ragol/internal/player"
	"github.com/Elixir70/ragol/internal/protocol/packet"
	"github.com/Elixir70/ragol/internal/prs"
)

// Decompressed item-state layout:
//
//	[12]uint32 per-participant next item IDs
//	[15]uint32 per-floor item counts
//	then count items × floorEntrySize octets
const (
	syncNextIDCount  = constants.MaxLobbyClients
	syncFloorCount   = 15
	syncFixedSize    = (syncNextIDCount + syncFloorCount) * 4
	syncFloorEntrySz = 32
)

// onSyncItemState validates a joining player's view of the floor-item state
// and triggers an authoritative re-send when any participant's next-item-ID
// counter diverges from the lobby's.
func (r *Router) onSyncItemState(s Session, command uint16, flag uint32, data []byte) error {
	_, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	compressed, err := rd.ReadBytes(rd.Remaining())
	if err != nil {
		return fmt.Errorf("parsing item-state sync: %w", err)
	}

	decompressed, err := prs.Decompress(compressed)
	if err != nil {
		return fmt.Errorf("decompressing item-state sync: %w", err)
	}
	if len(decompressed) < syncFixedSize {
		return fmt.Errorf("item-state sync too short (%d octets)", len(decompressed))
	}

	var total uint64
	for i := 0; i < syncFloorCount; i++ {
		off := (syncNextIDCount + i) * 4
		total += uint64(binary.LittleEndian.Uint32(decompressed[off:]))
	}
	remainder := len(decompressed) - syncFixedSize
	if total*syncFloorEntrySz > uint64(remainder) {
		return fmt.Errorf("item-state sync: %d items do not fit %d remaining octets", total, remainder)
	}

	l := s.Lobby()
	if l == nil || !l.IsGame {
		return nil
	}

	diverged := false
	for k := 0; k < syncNextIDCount; k++ {
		reported := binary.LittleEndian.Uint32(decompressed[k*4:])
		expected := l.PeekItemIDForClient(k)
		if reported != expected {
			s.Log().Warn("item-state sync: next item ID diverged",
				"slot", k,
				"reported", fmt.Sprintf("%08X", reported),
				"expected", fmt.Sprintf("%08X", expected))
			diverged = true
		}
	}
	if diverged {
		r.env.ResendItemState(s)
	}
	return nil
}

// onSyncPlayerDisp re-emits a joining player's display and inventory to the
// unicast target, transcoded per the recipient's version. When the sender
// is a pre-v1 prototype and the recipient is not, an end-of-state marker is
// synthesized first, because those clients never send it themselves.
func (r *Router) onSyncPlayerDisp(s Session, command uint16, flag uint32, data []byte) error {
	hdr, rd, err := parseSubHeader(data, s.Version())
	if err != nil {
		return err
	}
	body, err := rd.ReadBytes(rd.Remaining())
	if err != nil {
		return fmt.Errorf("parsing disp-and-inventory sync: %w", err)
	}

	snapshot, err := player.Parse(body, s.Version())
	if err != nil {
		return fmt.Errorf("parsing disp-and-inventory sync: %w", err)
	}

	l := s.Lobby()
	if l == nil {
		s.Log().Warn("not in any lobby; dropping command")
		return nil
	}

	emit := func(lc lobby.Client) {
		if s.Version().IsPreV1() && !lc.Version().IsPreV1() {
			if marker := buildSyncStateDone(lc.Version(), hdr.ClientID); marker != nil {
				if lc.EnqueueJoinCommand(command, flag, marker) {
					// Queued alongside the snapshot below.
				} else if err := lc.Send(command, flag, marker); err != nil {
					s.Log().Warn("sending synthesized end-of-state marker", "error", err)
				}
			}
		}

		sub := definitions[SubcmdSyncPlayerDisp].NumberFor(lc.Version())
		if sub == 0 {
			s.Log().Debug("disp sync cannot be translated to recipient's version")
			return
		}
		encoded := snapshot.Encode(lc.Version(), r.env.ItemParameterTable(lc.Version()))
		w := packet.NewWriterOrder(4+len(encoded), byteOrder(lc.Version()))
		writeSubHeader(w, sub, 4+len(encoded), hdr.ClientID)
		w.WriteBytes(encoded)
		out := w.Bytes()
		if lc.EnqueueJoinCommand(command, flag, out) {
			return
		}
		if err := lc.Send(command, flag, out); err != nil {
			s.Log().Warn("forwarding disp sync", "error", err)
		}
	}

	if CommandIsPrivate(command) {
		target := l.ClientAtSlot(int(flag))
		if target == nil {
			s.Log().Warn("disp sync to empty slot; dropping", "slot", flag)
			return nil
		}
		emit(target)
		return nil
	}
	l.ForEachClient(func(slot int, lc lobby.Client) {
		if lc != lobby.Client(s) {
			emit(lc)
		}
	})
	return nil
}

// onSyncStateDone forwards the end-of-state marker and flushes the
// recipient's join queue on the session side.
func (r *Router) onSyncStateDone(s Session, command uint16, flag uint32, data []byte) error {
	r.Forward(s, command, flag, data)
	return nil
}
