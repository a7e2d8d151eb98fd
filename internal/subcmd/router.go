package subcmd

import (
	"fmt"
	"log/slog"

	"github.com/Elixir70/ragol/internal/item"
	"github.com/Elixir70/ragol/internal/lobby"
	"github.com/Elixir70/ragol/internal/player"
	"github.com/Elixir70/ragol/internal/protocol"
	"github.com/Elixir70/ragol/internal/record"
)

// Session is the router's view of a connected participant. The game
// server's client type satisfies it; lobby.Client is embedded so a Session
// can occupy a lobby slot directly.
type Session interface {
	lobby.Client
	Lobby() *lobby.Lobby
	Inventory() *player.Inventory
	Log() *slog.Logger
}

// Environment supplies the external collaborators the handlers consult:
// item definitions and the drop generator.
type Environment interface {
	ItemParameterTable(v protocol.Version) item.ParameterTable
	// GenerateDrop produces the item for an entity drop, or false when
	// nothing drops. The generator is an external collaborator; the
	// router only routes its output.
	GenerateDrop(l *lobby.Lobby, req DropRequest) (item.Item, bool)
	// ResendItemState pushes an authoritative item-state to a session
	// whose view diverged during join.
	ResendItemState(s Session)
}

// DropRequest carries the entity-drop parameters to the generator.
type DropRequest struct {
	EntityID uint16
	Floor    uint8
	RtIndex  uint8
	X, Z     float32
}

// Router dispatches game subcommands. The instance is stateless beyond its
// environment; all mutable state lives in lobbies and sessions.
type Router struct {
	env Environment
}

// NewRouter creates a router over the given environment.
func NewRouter(env Environment) *Router {
	return &Router{env: env}
}

// CommandIsPrivate reports whether the outer command addresses a single
// slot (carried in the frame flag) rather than the whole lobby.
func CommandIsPrivate(command uint16) bool {
	return command == 0x62 || command == 0x6D
}

func commandIsEp3(command uint16) bool {
	return command&0xF0 == 0xC0
}

// Handle routes one inbound game command (0x60, 0x62, 0x6C, 0x6D, 0xC9,
// 0xCB). Protocol violations return an error and terminate the session;
// everything else is handled or logged here.
func (r *Router) Handle(s Session, command uint16, flag uint32, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty subcommand payload")
	}
	if commandIsEp3(command) && !s.Version().IsEp3() {
		return fmt.Errorf("card-game command sent by non-card-game client")
	}

	sub := data[0]
	def := DefForSubcommand(s.Version(), sub)
	if def == nil || def.Handler == nil {
		// Subcommand 0 and other unmapped numbers land here: the final
		// numbering drops them, but prototype subcommands — valid or
		// not — are forwarded unchanged, since the prototypes
		// interoperate only with each other.
		if s.Version().IsPreV1() {
			r.forwardRaw(s, command, flag, data, nil)
			return nil
		}
		s.Log().Warn("unknown subcommand; dropping",
			"subcommand", fmt.Sprintf("6x%02X", sub))
		return nil
	}

	// Convert panics from handler internals into session termination, the
	// same boundary the event loop enforces on thrown exceptions.
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("subcommand handler panic: %v", p)
			}
		}()
		err = def.Handler(r, s, command, flag, data)
	}()
	return err
}

// onForwardOnly is the handler for subcommands the server relays without
// interpretation.
func (r *Router) onForwardOnly(s Session, command uint16, flag uint32, data []byte) error {
	r.Forward(s, command, flag, data)
	return nil
}

// Forward fans an inbound subcommand out per policy: to every other
// participant (translated per recipient), to spectator lobbies when the
// definition or active phase allows, and to the attached recorder.
// Private commands deliver to the slot in the frame flag only.
func (r *Router) Forward(s Session, command uint16, flag uint32, data []byte) {
	def := DefForSubcommand(s.Version(), data[0])
	r.forwardRaw(s, command, flag, data, def)
}

func (r *Router) forwardRaw(s Session, command uint16, flag uint32, data []byte, def *Definition) {
	l := s.Lobby()
	if l == nil {
		s.Log().Warn("not in any lobby; dropping command")
		return
	}
	var defFlags uint8
	if def != nil {
		defFlags = def.Flags
	}

	sendTo := func(lc lobby.Client) {
		out := r.translateFor(s.Version(), lc.Version(), data, def)
		if out == nil {
			s.Log().Debug("subcommand cannot be translated to recipient's version")
			return
		}
		if defFlags&FlagUseJoinCommandQueue != 0 && lc.EnqueueJoinCommand(command, flag, out) {
			return
		}
		if err := lc.Send(command, flag, out); err != nil {
			s.Log().Warn("forwarding subcommand", "error", err)
		}
	}

	if CommandIsPrivate(command) {
		target := l.ClientAtSlot(int(flag))
		if target == nil {
			s.Log().Warn("private subcommand to empty slot; dropping", "slot", flag)
			return
		}
		sendTo(target)
		return
	}

	l.ForEachClient(func(slot int, lc lobby.Client) {
		if lc != lobby.Client(s) {
			sendTo(lc)
		}
	})

	// Spectator rooms receive chat before the watched game's active
	// phase, and everything once it begins.
	rec := l.Recorder()
	active := rec != nil && rec.BattleInProgress()
	if active || defFlags&FlagAlwaysForwardToWatchers != 0 {
		for _, w := range l.Watchers() {
			w.ForEachClient(func(slot int, lc lobby.Client) {
				sendTo(lc)
			})
		}
	}

	// A spectator room's own traffic may reach the watched lobby only
	// when the definition allows it.
	if defFlags&FlagAllowForwardToWatchedLobby != 0 {
		if watched := l.WatchedLobby(); watched != nil {
			watched.ForEachClient(func(slot int, lc lobby.Client) {
				sendTo(lc)
			})
		}
	}

	if rec != nil {
		evType := record.EventGameCommand
		if commandIsEp3(command) {
			evType = record.EventSpectatorGameCommand
		}
		if err := rec.AddCommand(evType, command, flag, data); err != nil {
			s.Log().Warn("recording game command", "error", err)
		}
	}
}

// translateFor rewrites the leading subcommand byte for the recipient's
// numbering. Payload bytes are preserved. Returns nil when the recipient's
// numbering has no equivalent.
func (r *Router) translateFor(from, to protocol.Version, data []byte, def *Definition) []byte {
	if (!from.IsPreV1() && !to.IsPreV1()) || from.Generation() == to.Generation() {
		return data
	}
	if def == nil {
		return nil
	}
	number := def.NumberFor(to)
	if number == 0 {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	out[0] = number
	return out
}

// sendTranscodedItem re-emits an item-bearing subcommand to every other
// participant, transcoding the embedded item record per recipient. itemOff
// is the offset of the 20-octet record within data.
func (r *Router) sendTranscodedItem(s Session, command uint16, flag uint32, data []byte, itemOff int) error {
	if CommandIsPrivate(command) {
		return fmt.Errorf("item subcommand sent via private command")
	}
	l := s.Lobby()
	if l == nil {
		s.Log().Warn("not in any lobby; dropping command")
		return nil
	}
	if itemOff+item.WireSize > len(data) {
		return fmt.Errorf("item subcommand too short for embedded record")
	}

	canonical, err := item.FromWire(data[itemOff:])
	if err != nil {
		return fmt.Errorf("parsing embedded item: %w", err)
	}
	canonical.DecodeForVersion(s.Version())

	def := DefForSubcommand(s.Version(), data[0])
	l.ForEachClient(func(slot int, lc lobby.Client) {
		if lc == lobby.Client(s) {
			return
		}
		out := r.translateFor(s.Version(), lc.Version(), data, def)
		if out == nil {
			s.Log().Debug("subcommand cannot be translated to recipient's version")
			return
		}
		if lc.Version() != s.Version() {
			if &out[0] == &data[0] {
				out = make([]byte, len(data))
				copy(out, data)
			}
			enc := canonical
			enc.EncodeForVersion(lc.Version(), r.env.ItemParameterTable(lc.Version()))
			copy(out[itemOff:], enc.AppendWire(nil))
		}
		if err := lc.Send(command, flag, out); err != nil {
			s.Log().Warn("forwarding item subcommand", "error", err)
		}
	})
	return nil
}
