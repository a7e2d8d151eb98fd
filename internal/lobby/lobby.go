// Package lobby implements the container in which participants meet. Games
// are lobbies with additional structure: a drop mode, floor items with
// per-participant visibility, spectator fan-out, and the per-participant
// item-ID progressions that keep identifiers globally unique.
package lobby

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Elixir70/ragol/internal/constants"
	"github.com/Elixir70/ragol/internal/item"
	"github.com/Elixir70/ragol/internal/protocol"
	"github.com/Elixir70/ragol/internal/record"
)

// ErrNoFreeSlot is returned by AddClient when the lobby is full. Recoverable:
// the caller redirects the client elsewhere.
var ErrNoFreeSlot = errors.New("no free slot in lobby")

// ErrItemNotFound is returned for operations on absent floor items. This is
// a semantic drop, not a protocol violation: slow networks make duplicate
// pick-up requests routine.
var ErrItemNotFound = errors.New("floor item does not exist")

// ErrNotVisible is returned when the requester's bit is missing from a floor
// item's visibility mask.
var ErrNotVisible = errors.New("floor item is not visible to requester")

// DropMode governs who mints dropped items.
type DropMode uint8

const (
	DropDisabled DropMode = iota
	DropClient            // the leader's client generates drops
	DropServerShared
	DropServerDuplicate
	DropServerPrivate
)

func (m DropMode) String() string {
	switch m {
	case DropDisabled:
		return "disabled"
	case DropClient:
		return "client"
	case DropServerShared:
		return "server-shared"
	case DropServerDuplicate:
		return "server-duplicate"
	case DropServerPrivate:
		return "server-private"
	default:
		return fmt.Sprintf("DropMode(%d)", uint8(m))
	}
}

// Client is the lobby's view of a participant. The session type on the
// game-server side satisfies it.
type Client interface {
	Version() protocol.Version
	// Send delivers a command through the participant's channel.
	Send(command uint16, flag uint32, payload []byte) error
	// EnqueueJoinCommand appends to the participant's join queue if it is
	// open, returning false when the message should be sent directly.
	EnqueueJoinCommand(command uint16, flag uint32, payload []byte) bool
}

// Lobby holds up to 12 participant slots and everything scoped to them.
// All methods are safe for concurrent use; fan-out for one inbound message
// completes under the lock before the next message can observe the lobby.
type Lobby struct {
	mu sync.Mutex

	ID          uint32
	Name        string
	IsGame      bool
	Persistent  bool
	Event       uint8
	VersionMask uint16 // admissibility bitmask over protocol.Version

	clients    [constants.MaxLobbyClients]Client
	leaderSlot int

	dropMode DropMode

	floorItems map[floorKey]*FloorItem

	// nextItemID holds one progression per slot plus the server
	// progression at the sentinel index.
	nextItemID [constants.MaxLobbyClients + 1]uint32

	// dropChecked marks entities whose drop decision has already been
	// made, to tolerate redundant requests from multiple clients.
	dropChecked map[uint16]bool

	watchers []*Lobby
	watched  *Lobby

	recorder *record.Recorder

	log *slog.Logger
}

type floorKey struct {
	Floor uint8
	ID    uint32
}

// FloorItem is an item placed in the world, addressed by (floor, id).
type FloorItem struct {
	Data       ItemData
	Floor      uint8
	X, Z       float32
	Visibility uint16 // one bit per participant slot; monotone decreasing
}

// ItemData is the canonical item record stored on the floor.
type ItemData = item.Item

// New creates a lobby. Slot progressions start at their bases immediately so
// IDs observed from clients can ratchet them before any local mint.
func New(id uint32, name string, isGame bool) *Lobby {
	l := &Lobby{
		ID:         id,
		Name:       name,
		IsGame:     isGame,
		leaderSlot:  -1,
		floorItems:  make(map[floorKey]*FloorItem),
		dropChecked: make(map[uint16]bool),
		log:        slog.With("lobby", name),
	}
	for k := 0; k < constants.MaxLobbyClients; k++ {
		l.nextItemID[k] = constants.ClientItemIDBase + uint32(k)*constants.ClientItemIDStride
	}
	l.nextItemID[constants.MaxLobbyClients] = constants.ServerItemIDBase
	return l
}

// SetDropMode installs the drop policy.
func (l *Lobby) SetDropMode(m DropMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropMode = m
}

// GetDropMode returns the drop policy.
func (l *Lobby) GetDropMode() DropMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropMode
}

// AddClient occupies the lowest free slot, or the given one when slot >= 0.
// The first participant becomes leader.
func (l *Lobby) AddClient(c Client, slot int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if slot >= 0 {
		if slot >= constants.MaxLobbyClients || l.clients[slot] != nil {
			return 0, ErrNoFreeSlot
		}
	} else {
		slot = -1
		for k := 0; k < constants.MaxLobbyClients; k++ {
			if l.clients[k] == nil {
				slot = k
				break
			}
		}
		if slot < 0 {
			return 0, ErrNoFreeSlot
		}
	}

	l.clients[slot] = c
	if l.leaderSlot < 0 {
		l.leaderSlot = slot
	}
	l.log.Info("client joined", "slot", slot, "version", c.Version().String())
	return slot, nil
}

// RemoveClient vacates the client's slot and promotes a new leader if
// needed. Returns the vacated slot, or -1 if the client was not present.
func (l *Lobby) RemoveClient(c Client) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot := -1
	for k, lc := range l.clients {
		if lc == c {
			slot = k
			break
		}
	}
	if slot < 0 {
		return -1
	}
	l.clients[slot] = nil
	if l.leaderSlot == slot {
		l.leaderSlot = -1
		for k, lc := range l.clients {
			if lc != nil {
				l.leaderSlot = k
				break
			}
		}
	}
	l.log.Info("client left", "slot", slot)
	return slot
}

// ClientAtSlot returns the participant in the slot, or nil.
func (l *Lobby) ClientAtSlot(slot int) Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slot < 0 || slot >= constants.MaxLobbyClients {
		return nil
	}
	return l.clients[slot]
}

// SlotOf returns the slot index of c, or -1.
func (l *Lobby) SlotOf(c Client) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, lc := range l.clients {
		if lc == c {
			return k
		}
	}
	return -1
}

// LeaderSlot returns the current leader slot index, or -1 when empty.
func (l *Lobby) LeaderSlot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leaderSlot
}

// CountClients returns the number of occupied slots.
func (l *Lobby) CountClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, lc := range l.clients {
		if lc != nil {
			n++
		}
	}
	return n
}

// ForEachClient calls fn for every occupied slot in slot order.
func (l *Lobby) ForEachClient(fn func(slot int, c Client)) {
	l.mu.Lock()
	snapshot := l.clients
	l.mu.Unlock()
	for k, lc := range snapshot {
		if lc != nil {
			fn(k, lc)
		}
	}
}

// ItemIDForClient returns the next ID in slot k's progression. The sentinel
// slot 0xFF addresses the server progression used for authoritative drops.
func (l *Lobby) ItemIDForClient(k int) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := k
	if k == constants.ServerItemIDSlot {
		idx = constants.MaxLobbyClients
	}
	id := l.nextItemID[idx]
	l.nextItemID[idx]++
	return id
}

// PeekItemIDForClient returns the next ID slot k would mint, without
// consuming it. Used by the join-state validation.
func (l *Lobby) PeekItemIDForClient(k int) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := k
	if k == constants.ServerItemIDSlot {
		idx = constants.MaxLobbyClients
	}
	return l.nextItemID[idx]
}

// OnItemIDGeneratedExternally ratchets the owning slot's counter above id,
// so later locally-minted IDs cannot collide with ones the client already
// used.
func (l *Lobby) OnItemIDGeneratedExternally(id uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id == constants.UnassignedItemID {
		return
	}
	for k := 0; k < constants.MaxLobbyClients; k++ {
		base := constants.ClientItemIDBase + uint32(k)*constants.ClientItemIDStride
		if id >= base && id < base+constants.ClientItemIDStride {
			if l.nextItemID[k] <= id {
				l.nextItemID[k] = id + 1
			}
			return
		}
	}
}

// AddItem places an item on the floor with the given visibility mask.
func (l *Lobby) AddItem(floor uint8, data ItemData, x, z float32, visibility uint16) *FloorItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	fi := &FloorItem{Data: data, Floor: floor, X: x, Z: z, Visibility: visibility}
	l.floorItems[floorKey{floor, data.ID}] = fi
	return fi
}

// ReAddItem puts a previously removed floor item back, preserving its mask.
func (l *Lobby) ReAddItem(fi *FloorItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.floorItems[floorKey{fi.Floor, fi.Data.ID}] = fi
}

// RemoveItem takes the item off the floor on behalf of requesterSlot. The
// requester must hold a bit in the visibility mask; callers that fail this
// re-add the item and drop the triggering message.
func (l *Lobby) RemoveItem(floor uint8, id uint32, requesterSlot int) (*FloorItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := floorKey{floor, id}
	fi, ok := l.floorItems[key]
	if !ok {
		return nil, ErrItemNotFound
	}
	if requesterSlot >= 0 && fi.Visibility&(1<<uint(requesterSlot)) == 0 {
		return nil, ErrNotVisible
	}
	delete(l.floorItems, key)
	return fi, nil
}

// ForEachFloorItem calls fn for every item on the floor.
func (l *Lobby) ForEachFloorItem(fn func(fi *FloorItem)) {
	l.mu.Lock()
	items := make([]*FloorItem, 0, len(l.floorItems))
	for _, fi := range l.floorItems {
		items = append(items, fi)
	}
	l.mu.Unlock()
	for _, fi := range items {
		fn(fi)
	}
}

// ItemExists reports whether (floor, id) is on the floor.
func (l *Lobby) ItemExists(floor uint8, id uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.floorItems[floorKey{floor, id}]
	return ok
}

// FindItem returns the floor item without removing it.
func (l *Lobby) FindItem(floor uint8, id uint32) *FloorItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.floorItems[floorKey{floor, id}]
}

// ClearVisibilityBit removes one participant from the item's mask. Bits are
// only ever cleared after creation, never added.
func (fi *FloorItem) ClearVisibilityBit(slot int) {
	fi.Visibility &^= 1 << uint(slot)
}

// VisibleToClient reports whether the slot's bit is in the mask.
func (fi *FloorItem) VisibleToClient(slot int) bool {
	return fi.Visibility&(1<<uint(slot)) != 0
}

// MarkEntityDropChecked records that a drop decision was made for the
// entity. Returns true if a decision had already been made, in which case
// the redundant request must be ignored.
func (l *Lobby) MarkEntityDropChecked(entityID uint16) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dropChecked[entityID] {
		return true
	}
	l.dropChecked[entityID] = true
	return false
}

// AttachRecorder installs a recorder receiving this lobby's game commands.
func (l *Lobby) AttachRecorder(r *record.Recorder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorder = r
}

// Recorder returns the attached recorder, or nil.
func (l *Lobby) Recorder() *record.Recorder {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recorder
}

// AddWatcher links a spectator lobby to this one.
func (l *Lobby) AddWatcher(w *Lobby) {
	l.mu.Lock()
	l.watchers = append(l.watchers, w)
	l.mu.Unlock()

	w.mu.Lock()
	w.watched = l
	w.Event = l.Event
	w.mu.Unlock()
}

// Watchers returns the spectator lobbies currently attached.
func (l *Lobby) Watchers() []*Lobby {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Lobby, len(l.watchers))
	copy(out, l.watchers)
	return out
}

// WatchedLobby returns the lobby this spectator room observes, or nil.
func (l *Lobby) WatchedLobby() *Lobby {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.watched
}

// IsSpectator reports whether this lobby watches another.
func (l *Lobby) IsSpectator() bool {
	return l.WatchedLobby() != nil
}

func (l *Lobby) unlinkWatcher(w *Lobby) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, x := range l.watchers {
		if x == w {
			l.watchers = append(l.watchers[:i], l.watchers[i+1:]...)
			return
		}
	}
}
